package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
	"github.com/neurify-goto/fs-runner-sub001/internal/predicate"
)

// memStore is an in-memory Store fake with the same atomicity guarantees as
// the SQL store: every operation runs under one lock, so concurrent claims
// can never hand out overlapping rows.
type memStore struct {
	mu sync.Mutex

	items       map[string]*domain.WorkItem
	completions []domain.CompletionRecord

	// Candidate universes configured by tests. attempted marks entities
	// with completion history; succeeded marks those with a success.
	fresh          []int64
	backfill       []int64
	policyDetected map[int64]bool

	failSelect error
}

func newMemStore() *memStore {
	return &memStore{
		items:          make(map[string]*domain.WorkItem),
		policyDetected: make(map[int64]bool),
	}
}

func itemKey(date time.Time, campaignID, entityID int64) string {
	return fmt.Sprintf("%s|%d|%d", date.Format("2006-01-02"), campaignID, entityID)
}

func (s *memStore) SelectFreshCandidates(ctx context.Context, campaignID int64, pred predicate.Expr, exclusions []string, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSelect != nil {
		return nil, s.failSelect
	}
	return takeSorted(s.fresh, limit), nil
}

func (s *memStore) SelectBackfillCandidates(ctx context.Context, targetDate time.Time, campaignID int64, pred predicate.Expr, exclusions []string, attemptedSince time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSelect != nil {
		return nil, s.failSelect
	}
	var eligible []int64
	for _, id := range s.backfill {
		if _, enqueued := s.items[itemKey(targetDate, campaignID, id)]; enqueued {
			continue
		}
		eligible = append(eligible, id)
	}
	return takeSorted(eligible, limit), nil
}

func takeSorted(ids []int64, limit int) []int64 {
	out := append([]int64{}, ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memStore) MaxPriority(ctx context.Context, targetDate time.Time, campaignID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, item := range s.items {
		if item.TargetDate.Equal(targetDate) && item.CampaignID == campaignID && item.Priority > max {
			max = item.Priority
		}
	}
	return max, nil
}

func (s *memStore) InsertWorkItems(ctx context.Context, items []domain.WorkItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, item := range items {
		key := itemKey(item.TargetDate, item.CampaignID, item.EntityID)
		if _, exists := s.items[key]; exists {
			continue
		}
		copied := item
		s.items[key] = &copied
		inserted++
	}
	return inserted, nil
}

func (s *memStore) ClaimPending(ctx context.Context, targetDate time.Time, campaignID int64, shard *int, holderID string, leasedAt time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.WorkItem
	for _, item := range s.items {
		if !item.TargetDate.Equal(targetDate) || item.CampaignID != campaignID {
			continue
		}
		if item.Status != domain.WorkItemStatusPending {
			continue
		}
		if shard != nil && item.Shard != *shard {
			continue
		}
		pending = append(pending, item)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].EntityID < pending[j].EntityID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	ids := make([]int64, 0, len(pending))
	for _, item := range pending {
		item.Status = domain.WorkItemStatusAssigned
		item.LeaseHolder = holderID
		item.LeasedAt = leasedAt
		ids = append(ids, item.EntityID)
	}
	return ids, nil
}

func (s *memStore) RecordCompletion(ctx context.Context, targetDate time.Time, rec domain.CompletionRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.items[itemKey(targetDate, rec.CampaignID, rec.EntityID)]
	if item == nil {
		// Out-of-queue run: outcome is still recorded.
		s.appendLocked(rec)
		return 0, nil
	}

	if !domain.CanComplete(item.Status, item.LeaseHolder, rec.HolderID) {
		return 0, ErrLeaseConflict
	}

	if rec.Success {
		item.Status = domain.WorkItemStatusDone
	} else {
		item.Status = domain.WorkItemStatusFailed
	}
	item.Attempts++
	item.LeaseHolder = ""
	item.LeasedAt = time.Time{}
	s.appendLocked(rec)
	return 1, nil
}

func (s *memStore) appendLocked(rec domain.CompletionRecord) {
	s.completions = append(s.completions, rec)
	if rec.PolicyFlag {
		s.policyDetected[rec.EntityID] = true
	}
}

func (s *memStore) ReclaimStale(ctx context.Context, targetDate time.Time, campaignID int64, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for _, item := range s.items {
		if !item.TargetDate.Equal(targetDate) || item.CampaignID != campaignID {
			continue
		}
		reset += s.resetIfStaleLocked(item, cutoff)
	}
	return reset, nil
}

func (s *memStore) ReclaimStaleAll(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for _, item := range s.items {
		reset += s.resetIfStaleLocked(item, cutoff)
	}
	return reset, nil
}

func (s *memStore) resetIfStaleLocked(item *domain.WorkItem, cutoff time.Time) int {
	if item.Status != domain.WorkItemStatusAssigned || !item.LeasedAt.Before(cutoff) {
		return 0
	}
	item.Status = domain.WorkItemStatusPending
	item.LeaseHolder = ""
	item.LeasedAt = time.Time{}
	return 1
}

func (s *memStore) item(date time.Time, campaignID, entityID int64) domain.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.items[itemKey(date, campaignID, entityID)]
	if item == nil {
		return domain.WorkItem{}
	}
	return *item
}

func (s *memStore) allCompletions() []domain.CompletionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CompletionRecord, len(s.completions))
	copy(out, s.completions)
	return out
}

// Compile-time interface assertions
var (
	_ BuilderStore    = (*memStore)(nil)
	_ LeaseStore      = (*memStore)(nil)
	_ CompletionStore = (*memStore)(nil)
	_ ReclaimStore    = (*memStore)(nil)
)
