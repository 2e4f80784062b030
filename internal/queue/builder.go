package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
	"github.com/neurify-goto/fs-runner-sub001/internal/predicate"
)

// DefaultBackfillLookback is the trailing window within which a previously
// attempted entity is not re-enqueued by stage two.
const DefaultBackfillLookback = 14 * 24 * time.Hour

// policyExclusions is the fixed name list excluded from every build,
// independent of campaign configuration.
var policyExclusions = []string{
	"do-not-contact",
	"opt-out",
	"legal-hold",
}

// Builder materializes the daily backlog for a campaign in two stages:
// fresh never-attempted candidates first, then backfill from entities with
// an unsuccessful history. The whole operation is idempotent; re-running an
// identical build inserts zero rows.
type Builder struct {
	store    BuilderStore
	metrics  MetricsSink // optional, nil = disabled
	lookback time.Duration
	clock    func() time.Time
}

func NewBuilder(store BuilderStore) *Builder {
	return &Builder{
		store:    store,
		lookback: DefaultBackfillLookback,
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the builder.
func (b *Builder) WithMetrics(sink MetricsSink) *Builder {
	b.metrics = sink
	return b
}

// WithLookback overrides the backfill lookback window.
func (b *Builder) WithLookback(d time.Duration) *Builder {
	b.lookback = d
	return b
}

// Build populates the work-item queue for (targetDate, campaign) and
// returns the number of rows inserted. Validation failures reject the build
// before any store mutation.
func (b *Builder) Build(ctx context.Context, targetDate time.Time, campaign domain.Campaign) (int, error) {
	start := b.clock()
	targetDate = domain.Day(targetDate)

	pred, err := predicate.Parse(campaign.Predicate)
	if err != nil {
		return 0, fmt.Errorf("campaign %d: %w", campaign.ID, err)
	}
	capacity := campaign.DailyCapacity
	if capacity <= 0 {
		return 0, fmt.Errorf("campaign %d: daily capacity must be positive, got %d", campaign.ID, capacity)
	}
	shardCount := campaign.ShardCount
	if shardCount <= 0 {
		shardCount = 1
	}

	exclusions := append(append([]string{}, policyExclusions...), campaign.Exclusions...)

	// Stage one: fresh candidates, never attempted for this campaign.
	freshIDs, err := b.store.SelectFreshCandidates(ctx, campaign.ID, pred, exclusions, capacity)
	if err != nil {
		return 0, fmt.Errorf("select fresh candidates: %w", err)
	}

	basePriority, err := b.store.MaxPriority(ctx, targetDate, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("max priority: %w", err)
	}

	freshInserted, err := b.insert(ctx, targetDate, campaign.ID, freshIDs, basePriority, shardCount)
	if err != nil {
		return 0, fmt.Errorf("insert stage one: %w", err)
	}

	// Stage two runs only when stage one left capacity on the table.
	backfillInserted := 0
	if remaining := capacity - freshInserted; remaining > 0 {
		attemptedSince := targetDate.Add(-b.lookback)
		backfillIDs, err := b.store.SelectBackfillCandidates(ctx, targetDate, campaign.ID, pred, exclusions, attemptedSince, remaining)
		if err != nil {
			return 0, fmt.Errorf("select backfill candidates: %w", err)
		}

		// Continue the priority sequence from the current maximum so
		// backfill rows drain after everything already enqueued.
		basePriority, err = b.store.MaxPriority(ctx, targetDate, campaign.ID)
		if err != nil {
			return 0, fmt.Errorf("max priority: %w", err)
		}
		backfillInserted, err = b.insert(ctx, targetDate, campaign.ID, backfillIDs, basePriority, shardCount)
		if err != nil {
			return 0, fmt.Errorf("insert stage two: %w", err)
		}
	}

	log.Printf("builder: campaign=%d date=%s fresh=%d backfill=%d capacity=%d",
		campaign.ID, targetDate.Format("2006-01-02"), freshInserted, backfillInserted, capacity)
	if b.metrics != nil {
		b.metrics.BuildCompleted(freshInserted, backfillInserted, b.clock().Sub(start))
	}
	return freshInserted + backfillInserted, nil
}

func (b *Builder) insert(ctx context.Context, targetDate time.Time, campaignID int64, entityIDs []int64, basePriority, shardCount int) (int, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	now := b.clock().UTC()
	items := make([]domain.WorkItem, len(entityIDs))
	for i, entityID := range entityIDs {
		items[i] = domain.WorkItem{
			TargetDate: targetDate,
			CampaignID: campaignID,
			EntityID:   entityID,
			Priority:   basePriority + i + 1,
			Shard:      domain.ShardFor(entityID, shardCount),
			Status:     domain.WorkItemStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return b.store.InsertWorkItems(ctx, items)
}
