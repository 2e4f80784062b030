// Package queue implements the work-item backlog: building the daily queue
// for a campaign, leasing items to workers, recording completions and
// reclaiming stale leases.
//
// All cross-worker coordination happens through the store's atomic
// claim/complete/reclaim operations. Nothing in this package holds state
// that matters for correctness; workers may run in separate processes.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
	"github.com/neurify-goto/fs-runner-sub001/internal/predicate"
)

// ErrLeaseConflict is returned by the store when a completion call does not
// own the lease (or the item is already terminal). The recorder treats it
// as "this item was already reassigned": logged, not fatal, no mutation.
var ErrLeaseConflict = errors.New("work item leased by another holder or already terminal")

// Claim limits. A claim asking for more than MaxClaimLimit is rejected
// before touching the store.
const (
	DefaultClaimLimit = 1
	MaxClaimLimit     = 100
)

// BuilderStore is the store surface the queue builder needs.
type BuilderStore interface {
	// SelectFreshCandidates returns entity ids matching the predicate that
	// have never been attempted for this campaign, are not blacklisted or
	// policy-detected, and whose name is not excluded. Ordered by entity id
	// ascending, limited to limit.
	SelectFreshCandidates(ctx context.Context, campaignID int64, pred predicate.Expr, exclusions []string, limit int) ([]int64, error)

	// SelectBackfillCandidates returns entity ids with a completion history
	// but no success, excluding any attempted after attemptedSince and any
	// already enqueued for targetDate. Same predicate and exclusions as
	// stage one. Ordered by entity id ascending, limited to limit.
	SelectBackfillCandidates(ctx context.Context, targetDate time.Time, campaignID int64, pred predicate.Expr, exclusions []string, attemptedSince time.Time, limit int) ([]int64, error)

	// MaxPriority returns the highest priority currently enqueued for
	// (targetDate, campaignID), or 0 when the queue is empty.
	MaxPriority(ctx context.Context, targetDate time.Time, campaignID int64) (int, error)

	// InsertWorkItems inserts rows with insert-or-ignore semantics and
	// returns how many were actually inserted. Duplicate (date, campaign,
	// entity) rows are silently skipped.
	InsertWorkItems(ctx context.Context, items []domain.WorkItem) (int, error)
}

// LeaseStore is the store surface the lease manager needs.
type LeaseStore interface {
	// ClaimPending atomically transitions up to limit pending rows to
	// assigned, stamping holder and lease time, and returns exactly the
	// transitioned entity ids ordered by priority then entity id.
	// Concurrent callers never receive overlapping sets.
	ClaimPending(ctx context.Context, targetDate time.Time, campaignID int64, shard *int, holderID string, leasedAt time.Time, limit int) ([]int64, error)
}

// CompletionStore is the store surface the completion recorder needs.
type CompletionStore interface {
	// RecordCompletion applies a completion in a single transaction:
	// conditional work-item transition, append-only completion row, and the
	// policy-detected stamp when flagged. Returns the number of work items
	// updated (0 or 1). Returns ErrLeaseConflict, with no mutation at all,
	// when the item exists but domain.CanComplete rejects the holder
	// (terminal item, or leased by someone else). When no matching item
	// exists the completion row is still appended and 0 is returned.
	RecordCompletion(ctx context.Context, targetDate time.Time, rec domain.CompletionRecord) (int, error)
}

// ReclaimStore is the store surface the stale-lease reclaimer needs.
type ReclaimStore interface {
	// ReclaimStale resets assigned rows of (targetDate, campaignID) with a
	// lease older than cutoff back to pending, clearing the lease. Returns
	// the number of rows reset.
	ReclaimStale(ctx context.Context, targetDate time.Time, campaignID int64, cutoff time.Time) (int, error)

	// ReclaimStaleAll is the background-sweep variant covering every date
	// and campaign.
	ReclaimStaleAll(ctx context.Context, cutoff time.Time) (int, error)
}

// MetricsSink records queue metrics. All methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	BuildCompleted(fresh, backfill int, duration time.Duration)
	ClaimCompleted(granted int, duration time.Duration)
	ClaimEmpty()
	CompletionRecorded(outcome string)
	CompletionRejected()
	StaleReclaimed(count int)
}

// AnalyticsSink receives best-effort completion counters. Implementations
// handle their own errors; analytics never affects queue correctness.
type AnalyticsSink interface {
	Record(ctx context.Context, campaignID int64, day time.Time, success bool)
}
