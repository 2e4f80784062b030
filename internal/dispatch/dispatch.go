// Package dispatch turns a "run this campaign's backlog" request into a
// concrete execution on one of the compute backends, manages the
// worker-facing configuration credential, and tracks execution lifecycle.
//
// The dispatcher never touches work items; it only starts and stops the
// worker pool that will itself claim and complete them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/neurify-goto/fs-runner-sub001/internal/circuitbreaker"
	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

// ErrStatusTransitionDenied is returned when a status update would regress
// from a terminal state (succeeded/failed/cancelled).
var ErrStatusTransitionDenied = errors.New("status transition denied: execution already in terminal state")

// ErrUnknownExecution is returned by Cancel for an execution id that was
// never recorded.
var ErrUnknownExecution = errors.New("unknown execution")

// ErrRunNotFound is returned by Backend.Describe when the backend no longer
// knows the handle. The reconciliation sweep settles such executions as
// failed.
var ErrRunNotFound = errors.New("backend run not found")

var defaultBackoff = []time.Duration{
	0,
	2 * time.Second,
	10 * time.Second,
}

const maxSubmitAttempts = 3

// Store is the persistence surface the dispatcher needs.
type Store interface {
	GetCampaign(ctx context.Context, id int64) (domain.Campaign, error)
	InsertExecution(ctx context.Context, exec domain.Execution) error
	// MarkExecutionSubmitted records the backend handle, attempt count, and
	// final spot flag of a successful submission. The spot flag is written
	// here because an on-demand fallback changes it after the row is
	// inserted.
	MarkExecutionSubmitted(ctx context.Context, id uuid.UUID, handle string, attempts int, spot bool) error
	// UpdateExecutionStatus sets the execution status. Implementations MUST
	// reject transitions from terminal states and return
	// ErrStatusTransitionDenied, leaving ended_at untouched. This makes
	// cancel and reconcile idempotent on replay.
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus) error
	GetExecution(ctx context.Context, id uuid.UUID) (domain.Execution, error)
	ListExecutions(ctx context.Context, campaignID int64, limit, offset int) ([]domain.Execution, error)
	// LatestCredential returns the credential threaded through the most
	// recent execution of the campaign, or a zero credential when none.
	LatestCredential(ctx context.Context, campaignID int64) (domain.Credential, error)
}

// Backend is one execution environment able to run a pool of workers. The
// variant set is closed: implementations are selected by configuration, one
// per BackendKind, never by reflection.
type Backend interface {
	Kind() domain.BackendKind
	// Submit starts a run and returns the backend's opaque handle.
	Submit(ctx context.Context, req BackendRequest) (string, error)
	// Cancel requests teardown of a run. Best-effort and asynchronous; the
	// backend may take bounded but non-zero time to stop.
	Cancel(ctx context.Context, handle string) error
	// Describe reports the backend's view of a run's lifecycle state.
	Describe(ctx context.Context, handle string) (domain.ExecutionStatus, error)
}

// BackendRequest is the uniform submission shape all backends accept.
type BackendRequest struct {
	ExecutionID uuid.UUID
	CampaignID  int64

	TaskCount   int
	Parallelism int
	Machine     domain.MachineProfile
	Spot        bool

	// ConfigURL is the credentialed reference workers use to fetch their
	// run configuration.
	ConfigURL string
}

// CredentialIssuer mints time-limited configuration credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context, artifact string) (domain.Credential, error)
	// Fresh reports whether the credential's remaining lifetime clears the
	// refresh threshold.
	Fresh(cred domain.Credential) bool
}

// MetricsSink records dispatcher metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	SubmissionAttempt(backend string, spot bool)
	SubmissionOutcome(backend, outcome string)
	CredentialReissued()
	ExecutionCancelled()
}

// SubmitRequest is a validated run request.
type SubmitRequest struct {
	CampaignID  int64
	TaskCount   int
	Parallelism int

	// Resource overrides the campaign's per-worker profile when non-zero.
	Resource domain.ResourceProfile

	// BackendPreference forces a backend kind; empty means "use the
	// campaign's flags".
	BackendPreference domain.BackendKind

	// ConfigArtifact names the run configuration in the artifact store.
	ConfigArtifact string
}

// Dispatcher validates run requests, selects a backend and tracks the
// resulting execution. Stateless per request; safe for concurrent use.
type Dispatcher struct {
	store    Store
	backends map[domain.BackendKind]Backend
	issuer   CredentialIssuer
	breaker  *circuitbreaker.CircuitBreaker // optional, nil = disabled
	metrics  MetricsSink                    // optional, nil = disabled
	backoff  []time.Duration
	clock    func() time.Time
}

func New(store Store, issuer CredentialIssuer, backends ...Backend) *Dispatcher {
	byKind := make(map[domain.BackendKind]Backend, len(backends))
	for _, b := range backends {
		byKind[b.Kind()] = b
	}
	return &Dispatcher{
		store:    store,
		backends: byKind,
		issuer:   issuer,
		backoff:  defaultBackoff,
		clock:    time.Now,
	}
}

// WithBreaker attaches a per-backend circuit breaker.
func (d *Dispatcher) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// Backends exposes the configured backend set, keyed by kind. Used by the
// reconciliation sweep.
func (d *Dispatcher) Backends() map[domain.BackendKind]Backend {
	return d.backends
}

// Submit validates req, ensures a fresh configuration credential, selects a
// backend, derives machine sizing, submits the run with bounded retries and
// persists the resulting execution record.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (domain.Execution, error) {
	campaign, err := d.store.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("get campaign %d: %w", req.CampaignID, err)
	}
	if err := validateSubmit(req, campaign); err != nil {
		return domain.Execution{}, err
	}

	resource := req.Resource
	if resource == (domain.ResourceProfile{}) {
		resource = campaign.Resource
	}

	kind, spot := selectBackend(req.BackendPreference, campaign)
	backend, ok := d.backends[kind]
	if !ok {
		return domain.Execution{}, fmt.Errorf("backend %q not configured", kind)
	}

	cred, err := d.ensureCredential(ctx, req.CampaignID, req.ConfigArtifact)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("configuration credential: %w", err)
	}

	machine, warning := DeriveProfile(resource, req.Parallelism, ShapesFor(kind))
	if warning != "" {
		log.Printf("dispatch: campaign=%d sizing warning: %s", req.CampaignID, warning)
	}

	now := d.clock().UTC()
	exec := domain.Execution{
		ID:            uuid.New(),
		CampaignID:    req.CampaignID,
		Backend:       kind,
		Spot:          spot,
		TaskCount:     req.TaskCount,
		Parallelism:   req.Parallelism,
		Machine:       machine,
		SizingWarning: warning,
		Credential:    cred,
		Status:        domain.ExecutionStatusSubmitted,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.store.InsertExecution(ctx, exec); err != nil {
		return domain.Execution{}, fmt.Errorf("insert execution: %w", err)
	}

	breq := BackendRequest{
		ExecutionID: exec.ID,
		CampaignID:  exec.CampaignID,
		TaskCount:   exec.TaskCount,
		Parallelism: exec.Parallelism,
		Machine:     exec.Machine,
		Spot:        spot,
		ConfigURL:   cred.Ref,
	}

	handle, attempts, err := d.submitWithRetries(ctx, backend, breq)
	if err != nil && spot && campaign.AllowOnDemandFallback {
		log.Printf("dispatch: execution=%s spot submission failed, falling back to on-demand: %v", exec.ID, err)
		breq.Spot = false
		exec.Spot = false
		var fallbackAttempts int
		handle, fallbackAttempts, err = d.submitWithRetries(ctx, backend, breq)
		attempts += fallbackAttempts
	}
	exec.Attempts = attempts

	if err != nil {
		if updateErr := d.store.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionStatusFailed); updateErr != nil {
			log.Printf("dispatch: execution=%s failed to mark failed: %v", exec.ID, updateErr)
		}
		if d.metrics != nil {
			d.metrics.SubmissionOutcome(string(kind), "failed")
		}
		exec.Status = domain.ExecutionStatusFailed
		return exec, fmt.Errorf("submit to %s after %d attempts: %w", kind, attempts, err)
	}

	exec.Handle = handle
	if err := d.store.MarkExecutionSubmitted(ctx, exec.ID, handle, attempts, exec.Spot); err != nil {
		return exec, fmt.Errorf("record submission: %w", err)
	}
	if d.metrics != nil {
		d.metrics.SubmissionOutcome(string(kind), "submitted")
	}
	log.Printf("dispatch: execution=%s campaign=%d backend=%s spot=%t tasks=%d parallelism=%d handle=%s",
		exec.ID, exec.CampaignID, kind, exec.Spot, exec.TaskCount, exec.Parallelism, handle)
	return exec, nil
}

func (d *Dispatcher) submitWithRetries(ctx context.Context, backend Backend, req BackendRequest) (string, int, error) {
	key := breakerKey(backend.Kind(), req.Spot)
	var lastErr error

	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		if attempt > 1 {
			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			timer := time.NewTimer(d.backoff[idx])
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				return "", attempt - 1, ctx.Err()
			case <-timer.C:
			}
		}

		if d.breaker != nil {
			if err := d.breaker.Allow(key); err != nil {
				lastErr = err
				continue
			}
		}
		if d.metrics != nil {
			d.metrics.SubmissionAttempt(string(backend.Kind()), req.Spot)
		}

		handle, err := backend.Submit(ctx, req)
		if err == nil {
			if d.breaker != nil {
				d.breaker.RecordSuccess(key)
			}
			return handle, attempt, nil
		}
		if d.breaker != nil {
			d.breaker.RecordFailure(key)
		}
		lastErr = err
		log.Printf("dispatch: backend=%s spot=%t attempt=%d failed: %v", backend.Kind(), req.Spot, attempt, err)
	}
	return "", maxSubmitAttempts, lastErr
}

// ensureCredential reuses the campaign's latest credential when it was
// issued for the same artifact and its remaining lifetime clears the refresh
// threshold, otherwise reissues. A credential signed over a different
// artifact is useless to this run no matter how fresh it is. A single issue
// failure is retried once; repeated failure is a hard error.
func (d *Dispatcher) ensureCredential(ctx context.Context, campaignID int64, artifact string) (domain.Credential, error) {
	cred, err := d.store.LatestCredential(ctx, campaignID)
	if err != nil {
		log.Printf("dispatch: campaign=%d latest credential lookup failed, reissuing: %v", campaignID, err)
	} else if cred.Ref != "" && cred.Artifact == artifact && d.issuer.Fresh(cred) {
		return cred, nil
	}

	cred, err = d.issuer.Issue(ctx, artifact)
	if err != nil {
		log.Printf("dispatch: campaign=%d credential issue failed, retrying once: %v", campaignID, err)
		cred, err = d.issuer.Issue(ctx, artifact)
		if err != nil {
			return domain.Credential{}, err
		}
	}
	if d.metrics != nil {
		d.metrics.CredentialReissued()
	}
	return cred, nil
}

// Cancel requests teardown of an execution. Idempotent: cancelling an
// already-finished or already-cancelled execution returns its terminal
// status without error and without altering ended_at.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) (domain.ExecutionStatus, error) {
	exec, err := d.store.GetExecution(ctx, id)
	if err != nil {
		return "", err
	}
	if exec.Status.IsTerminal() {
		return exec.Status, nil
	}

	if exec.Handle != "" {
		if backend, ok := d.backends[exec.Backend]; ok {
			if err := backend.Cancel(ctx, exec.Handle); err != nil {
				// Cancellation is best-effort; the reconciliation sweep
				// settles runs the backend fails to stop now.
				log.Printf("dispatch: execution=%s backend cancel failed: %v", id, err)
			}
		}
	}

	if err := d.store.UpdateExecutionStatus(ctx, id, domain.ExecutionStatusCancelled); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			exec, getErr := d.store.GetExecution(ctx, id)
			if getErr != nil {
				return "", getErr
			}
			return exec.Status, nil
		}
		return "", err
	}
	if d.metrics != nil {
		d.metrics.ExecutionCancelled()
	}
	log.Printf("dispatch: execution=%s cancelled", id)
	return domain.ExecutionStatusCancelled, nil
}

// List returns executions for a campaign, most recent first.
func (d *Dispatcher) List(ctx context.Context, campaignID int64, limit, offset int) ([]domain.Execution, error) {
	return d.store.ListExecutions(ctx, campaignID, limit, offset)
}

func validateSubmit(req SubmitRequest, campaign domain.Campaign) error {
	if !campaign.Enabled {
		return fmt.Errorf("campaign %d is disabled", campaign.ID)
	}
	if req.TaskCount <= 0 {
		return fmt.Errorf("task count must be positive, got %d", req.TaskCount)
	}
	if req.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive, got %d", req.Parallelism)
	}
	if req.Parallelism > req.TaskCount {
		return fmt.Errorf("parallelism %d exceeds task count %d", req.Parallelism, req.TaskCount)
	}
	if req.ConfigArtifact == "" {
		return fmt.Errorf("config artifact is required")
	}
	switch req.BackendPreference {
	case "", domain.BackendQuickServerless, domain.BackendBatchPool:
	default:
		return fmt.Errorf("unknown backend preference %q", req.BackendPreference)
	}
	return nil
}

// selectBackend picks the backend kind and spot flag from the request
// preference and the campaign's flags. Spot applies to the batch pool only.
func selectBackend(preference domain.BackendKind, campaign domain.Campaign) (domain.BackendKind, bool) {
	kind := preference
	if kind == "" {
		if campaign.PreferSpot {
			kind = domain.BackendBatchPool
		} else {
			kind = domain.BackendQuickServerless
		}
	}
	spot := kind == domain.BackendBatchPool && campaign.PreferSpot
	return kind, spot
}

func breakerKey(kind domain.BackendKind, spot bool) string {
	if spot {
		return string(kind) + ":spot"
	}
	return string(kind)
}
