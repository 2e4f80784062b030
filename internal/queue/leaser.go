package queue

import (
	"context"
	"fmt"
	"time"
)

// Leaser hands pending work items to workers. The transition is a single
// indivisible store operation, so concurrent claimers never receive
// overlapping entity sets. A short (or empty) result is not an error; it
// signals backlog exhaustion and callers should back off before retrying.
type Leaser struct {
	store   LeaseStore
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func NewLeaser(store LeaseStore) *Leaser {
	return &Leaser{store: store, clock: time.Now}
}

// WithMetrics attaches a metrics sink to the leaser.
func (l *Leaser) WithMetrics(sink MetricsSink) *Leaser {
	l.metrics = sink
	return l
}

// Claim atomically leases up to limit pending items of (targetDate,
// campaignID) to holderID, optionally restricted to one shard, and returns
// the claimed entity ids in priority order.
func (l *Leaser) Claim(ctx context.Context, targetDate time.Time, campaignID int64, shard *int, holderID string, limit int) ([]int64, error) {
	if holderID == "" {
		return nil, fmt.Errorf("claim: holder id is required")
	}
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	if limit > MaxClaimLimit {
		return nil, fmt.Errorf("claim: limit %d exceeds maximum of %d", limit, MaxClaimLimit)
	}
	if shard != nil && *shard < 0 {
		return nil, fmt.Errorf("claim: shard must be non-negative, got %d", *shard)
	}

	start := l.clock()
	ids, err := l.store.ClaimPending(ctx, targetDate, campaignID, shard, holderID, start.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	if l.metrics != nil {
		if len(ids) == 0 {
			l.metrics.ClaimEmpty()
		} else {
			l.metrics.ClaimCompleted(len(ids), l.clock().Sub(start))
		}
	}
	return ids, nil
}
