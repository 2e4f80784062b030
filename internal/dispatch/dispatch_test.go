package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[int64]domain.Campaign
	execs     map[uuid.UUID]*domain.Execution
}

func newFakeStore(campaigns ...domain.Campaign) *fakeStore {
	s := &fakeStore{
		campaigns: make(map[int64]domain.Campaign),
		execs:     make(map[uuid.UUID]*domain.Execution),
	}
	for _, c := range campaigns {
		s.campaigns[c.ID] = c
	}
	return s
}

func (s *fakeStore) GetCampaign(ctx context.Context, id int64) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, fmt.Errorf("campaign %d not found", id)
	}
	return c, nil
}

func (s *fakeStore) InsertExecution(ctx context.Context, exec domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := exec
	s.execs[exec.ID] = &copied
	return nil
}

func (s *fakeStore) MarkExecutionSubmitted(ctx context.Context, id uuid.UUID, handle string, attempts int, spot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return ErrUnknownExecution
	}
	exec.Handle = handle
	exec.Attempts = attempts
	exec.Spot = spot
	return nil
}

func (s *fakeStore) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return ErrUnknownExecution
	}
	if exec.Status.IsTerminal() {
		return ErrStatusTransitionDenied
	}
	exec.Status = status
	if status.IsTerminal() && exec.EndedAt.IsZero() {
		exec.EndedAt = time.Now().UTC()
	}
	return nil
}

func (s *fakeStore) GetExecution(ctx context.Context, id uuid.UUID) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return domain.Execution{}, ErrUnknownExecution
	}
	return *exec, nil
}

func (s *fakeStore) ListExecutions(ctx context.Context, campaignID int64, limit, offset int) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Execution
	for _, exec := range s.execs {
		if exec.CampaignID == campaignID {
			out = append(out, *exec)
		}
	}
	return out, nil
}

func (s *fakeStore) LatestCredential(ctx context.Context, campaignID int64) (domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest domain.Credential
	var latestAt time.Time
	for _, exec := range s.execs {
		if exec.CampaignID == campaignID && exec.CreatedAt.After(latestAt) {
			latest = exec.Credential
			latestAt = exec.CreatedAt
		}
	}
	return latest, nil
}

func (s *fakeStore) execution(t *testing.T, id uuid.UUID) domain.Execution {
	t.Helper()
	exec, err := s.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("execution %s not persisted: %v", id, err)
	}
	return exec
}

type fakeBackend struct {
	mu       sync.Mutex
	kind     domain.BackendKind
	requests []BackendRequest
	// failSpot fails every spot submission; failAll fails everything.
	failSpot  bool
	failAll   bool
	cancelled []string
	described domain.ExecutionStatus
}

func (b *fakeBackend) Kind() domain.BackendKind { return b.kind }

func (b *fakeBackend) Submit(ctx context.Context, req BackendRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.failAll || (b.failSpot && req.Spot) {
		return "", errors.New("capacity unavailable")
	}
	return fmt.Sprintf("%s-run-%d", b.kind, len(b.requests)), nil
}

func (b *fakeBackend) Cancel(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, handle)
	return nil
}

func (b *fakeBackend) Describe(ctx context.Context, handle string) (domain.ExecutionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.described == "" {
		return domain.ExecutionStatusRunning, nil
	}
	return b.described, nil
}

type fakeIssuer struct {
	mu       sync.Mutex
	issued   int
	failures int // number of leading Issue calls that fail
	fresh    bool
}

func (i *fakeIssuer) Issue(ctx context.Context, artifact string) (domain.Credential, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.issued++
	if i.failures > 0 {
		i.failures--
		return domain.Credential{}, errors.New("artifact store unavailable")
	}
	return domain.Credential{
		Ref:       "https://artifacts.test/" + artifact + "?sig=abc",
		Artifact:  artifact,
		ExpiresAt: time.Now().Add(4 * time.Hour),
	}, nil
}

func (i *fakeIssuer) Fresh(cred domain.Credential) bool { return i.fresh }

func campaignFixture(id int64) domain.Campaign {
	return domain.Campaign{
		ID:            id,
		Name:          "spring-outreach",
		DailyCapacity: 100,
		ShardCount:    4,
		Workers:       10,
		Resource:      domain.ResourceProfile{WorkerVCPU: 1, WorkerMemoryMB: 2048},
		Enabled:       true,
	}
}

func submitFixture(campaignID int64) SubmitRequest {
	return SubmitRequest{
		CampaignID:     campaignID,
		TaskCount:      100,
		Parallelism:    10,
		ConfigArtifact: "campaigns/spring/run.yaml",
	}
}

func newTestDispatcher(store Store, backends ...Backend) *Dispatcher {
	d := New(store, &fakeIssuer{}, backends...)
	d.backoff = []time.Duration{0, 0, 0}
	return d
}

func TestSubmit_DefaultsToQuickServerless(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	serverless := &fakeBackend{kind: domain.BackendQuickServerless}
	batch := &fakeBackend{kind: domain.BackendBatchPool}
	d := newTestDispatcher(store, serverless, batch)

	exec, err := d.Submit(context.Background(), submitFixture(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if exec.Backend != domain.BackendQuickServerless {
		t.Errorf("backend = %s, want quick-serverless", exec.Backend)
	}
	if exec.Spot {
		t.Error("quick-serverless run must not be spot")
	}
	if exec.Handle == "" {
		t.Error("handle not recorded")
	}
	if got := store.execution(t, exec.ID); got.Handle != exec.Handle || got.Status != domain.ExecutionStatusSubmitted {
		t.Errorf("persisted execution = %+v", got)
	}
	if len(batch.requests) != 0 {
		t.Error("batch pool should not be invoked")
	}
}

func TestSubmit_PrefersSpotBatchPool(t *testing.T) {
	campaign := campaignFixture(1)
	campaign.PreferSpot = true
	store := newFakeStore(campaign)
	batch := &fakeBackend{kind: domain.BackendBatchPool}
	d := newTestDispatcher(store, &fakeBackend{kind: domain.BackendQuickServerless}, batch)

	exec, err := d.Submit(context.Background(), submitFixture(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if exec.Backend != domain.BackendBatchPool || !exec.Spot {
		t.Errorf("got backend=%s spot=%t, want batch-pool spot", exec.Backend, exec.Spot)
	}
}

func TestSubmit_SpotFallbackToOnDemandWhenAllowed(t *testing.T) {
	campaign := campaignFixture(1)
	campaign.PreferSpot = true
	campaign.AllowOnDemandFallback = true
	store := newFakeStore(campaign)
	batch := &fakeBackend{kind: domain.BackendBatchPool, failSpot: true}
	d := newTestDispatcher(store, batch)

	exec, err := d.Submit(context.Background(), submitFixture(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if exec.Spot {
		t.Error("fallback execution should be on-demand")
	}
	if exec.Status != domain.ExecutionStatusSubmitted {
		t.Errorf("status = %s, want submitted", exec.Status)
	}
	// The row is inserted with spot=true before submission; the fallback
	// must rewrite the persisted flag, not just the in-memory copy.
	if got := store.execution(t, exec.ID); got.Spot {
		t.Error("fallback execution persisted as spot")
	}

	sawOnDemand := false
	for _, req := range batch.requests {
		if !req.Spot {
			sawOnDemand = true
		}
	}
	if !sawOnDemand {
		t.Error("backend never received an on-demand submission")
	}
}

func TestSubmit_NoFallbackByDefault(t *testing.T) {
	campaign := campaignFixture(1)
	campaign.PreferSpot = true // AllowOnDemandFallback stays false
	store := newFakeStore(campaign)
	batch := &fakeBackend{kind: domain.BackendBatchPool, failSpot: true}
	d := newTestDispatcher(store, batch)

	exec, err := d.Submit(context.Background(), submitFixture(1))
	if err == nil {
		t.Fatal("expected submission failure without fallback")
	}
	if got := store.execution(t, exec.ID); got.Status != domain.ExecutionStatusFailed {
		t.Errorf("persisted status = %s, want failed", got.Status)
	}
	for _, req := range batch.requests {
		if !req.Spot {
			t.Error("on-demand submission attempted despite fallback disabled")
		}
	}
}

func TestSubmit_ValidationRejectsBeforeStoreMutation(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	d := newTestDispatcher(store, &fakeBackend{kind: domain.BackendQuickServerless})

	cases := []SubmitRequest{
		{CampaignID: 1, TaskCount: 0, Parallelism: 1, ConfigArtifact: "a"},
		{CampaignID: 1, TaskCount: 10, Parallelism: 0, ConfigArtifact: "a"},
		{CampaignID: 1, TaskCount: 5, Parallelism: 10, ConfigArtifact: "a"},
		{CampaignID: 1, TaskCount: 10, Parallelism: 5, ConfigArtifact: ""},
		{CampaignID: 1, TaskCount: 10, Parallelism: 5, ConfigArtifact: "a", BackendPreference: "mainframe"},
	}
	for _, req := range cases {
		if _, err := d.Submit(context.Background(), req); err == nil {
			t.Errorf("expected validation error for %+v", req)
		}
	}
	if len(store.execs) != 0 {
		t.Errorf("store mutated by rejected request: %d executions", len(store.execs))
	}
}

func TestSubmit_DisabledCampaignRejected(t *testing.T) {
	campaign := campaignFixture(1)
	campaign.Enabled = false
	d := newTestDispatcher(newFakeStore(campaign), &fakeBackend{kind: domain.BackendQuickServerless})

	if _, err := d.Submit(context.Background(), submitFixture(1)); err == nil {
		t.Fatal("expected error for disabled campaign")
	}
}

func TestSubmit_RetriesTransientBackendFailure(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	backend := &fakeBackend{kind: domain.BackendQuickServerless, failAll: true}
	d := newTestDispatcher(store, backend)

	exec, err := d.Submit(context.Background(), submitFixture(1))
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if len(backend.requests) != maxSubmitAttempts {
		t.Errorf("attempts = %d, want %d", len(backend.requests), maxSubmitAttempts)
	}
	if got := store.execution(t, exec.ID); got.Status != domain.ExecutionStatusFailed {
		t.Errorf("persisted status = %s, want failed", got.Status)
	}
}

func TestSubmit_CredentialThreadedThroughExecution(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	d := newTestDispatcher(store, &fakeBackend{kind: domain.BackendQuickServerless})

	exec, err := d.Submit(context.Background(), submitFixture(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if exec.Credential.Ref == "" || exec.Credential.ExpiresAt.IsZero() {
		t.Errorf("credential not threaded through execution: %+v", exec.Credential)
	}
}

func TestSubmit_ReusesFreshCredential(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	issuer := &fakeIssuer{fresh: true}
	d := New(store, issuer, &fakeBackend{kind: domain.BackendQuickServerless})
	d.backoff = []time.Duration{0, 0, 0}

	if _, err := d.Submit(context.Background(), submitFixture(1)); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if _, err := d.Submit(context.Background(), submitFixture(1)); err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if issuer.issued != 1 {
		t.Errorf("issued = %d, want 1 (second run reuses the fresh credential)", issuer.issued)
	}
}

func TestSubmit_ReissuesCredentialForDifferentArtifact(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	issuer := &fakeIssuer{fresh: true}
	d := New(store, issuer, &fakeBackend{kind: domain.BackendQuickServerless})
	d.backoff = []time.Duration{0, 0, 0}

	if _, err := d.Submit(context.Background(), submitFixture(1)); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	// Same campaign, different config artifact: the cached credential is
	// fresh but signed over the wrong artifact, so it must not be reused.
	req := submitFixture(1)
	req.ConfigArtifact = "campaigns/spring/run-v2.yaml"
	exec, err := d.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if issuer.issued != 2 {
		t.Errorf("issued = %d, want 2 (artifact change forces reissue)", issuer.issued)
	}
	if exec.Credential.Artifact != req.ConfigArtifact {
		t.Errorf("credential artifact = %q, want %q", exec.Credential.Artifact, req.ConfigArtifact)
	}
}

func TestSubmit_ReissuesStaleCredential(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	issuer := &fakeIssuer{fresh: false}
	d := New(store, issuer, &fakeBackend{kind: domain.BackendQuickServerless})
	d.backoff = []time.Duration{0, 0, 0}

	if _, err := d.Submit(context.Background(), submitFixture(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Submit(context.Background(), submitFixture(1)); err != nil {
		t.Fatal(err)
	}
	if issuer.issued != 2 {
		t.Errorf("issued = %d, want 2", issuer.issued)
	}
}

func TestSubmit_SingleCredentialFailureRecovered(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	issuer := &fakeIssuer{failures: 1}
	d := New(store, issuer, &fakeBackend{kind: domain.BackendQuickServerless})
	d.backoff = []time.Duration{0, 0, 0}

	if _, err := d.Submit(context.Background(), submitFixture(1)); err != nil {
		t.Fatalf("Submit() should survive one credential failure, got %v", err)
	}
}

func TestSubmit_RepeatedCredentialFailureIsHardError(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	issuer := &fakeIssuer{failures: 2}
	d := New(store, issuer, &fakeBackend{kind: domain.BackendQuickServerless})
	d.backoff = []time.Duration{0, 0, 0}

	if _, err := d.Submit(context.Background(), submitFixture(1)); err == nil {
		t.Fatal("expected hard error after repeated credential failure")
	}
	if len(store.execs) != 0 {
		t.Error("execution persisted despite credential failure")
	}
}

func TestCancel_RunningExecution(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	backend := &fakeBackend{kind: domain.BackendQuickServerless}
	d := newTestDispatcher(store, backend)

	exec, err := d.Submit(context.Background(), submitFixture(1))
	if err != nil {
		t.Fatal(err)
	}

	status, err := d.Cancel(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if status != domain.ExecutionStatusCancelled {
		t.Errorf("status = %s, want cancelled", status)
	}
	if len(backend.cancelled) != 1 || backend.cancelled[0] != exec.Handle {
		t.Errorf("backend cancel calls = %v", backend.cancelled)
	}
}

func TestCancel_TerminalIsIdempotent(t *testing.T) {
	store := newFakeStore(campaignFixture(1))
	backend := &fakeBackend{kind: domain.BackendQuickServerless}
	d := newTestDispatcher(store, backend)

	exec, err := d.Submit(context.Background(), submitFixture(1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Cancel(context.Background(), exec.ID); err != nil {
		t.Fatal(err)
	}
	endedAt := store.execution(t, exec.ID).EndedAt
	if endedAt.IsZero() {
		t.Fatal("ended_at not stamped on cancel")
	}

	status, err := d.Cancel(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("re-cancel error = %v", err)
	}
	if status != domain.ExecutionStatusCancelled {
		t.Errorf("re-cancel status = %s, want cancelled", status)
	}
	if got := store.execution(t, exec.ID).EndedAt; !got.Equal(endedAt) {
		t.Errorf("re-cancel altered ended_at: %s -> %s", endedAt, got)
	}
	if calls := len(backend.cancelled); calls != 1 {
		t.Errorf("backend cancel called %d times, want 1", calls)
	}
}

func TestCancel_UnknownExecution(t *testing.T) {
	d := newTestDispatcher(newFakeStore(), &fakeBackend{kind: domain.BackendQuickServerless})
	if _, err := d.Cancel(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error for unknown execution")
	}
}
