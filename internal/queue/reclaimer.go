package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

// ReclaimerConfig holds stale-lease sweep configuration.
type ReclaimerConfig struct {
	// Interval is how often the background sweep runs. Default: 1 minute.
	Interval time.Duration

	// StaleAfter is how long an assigned row may hold its lease before the
	// sweep returns it to pending. Must comfortably exceed the executor's
	// worst-case run time. Default: 10 minutes.
	StaleAfter time.Duration
}

// DefaultReclaimerConfig returns the default sweep configuration.
func DefaultReclaimerConfig() ReclaimerConfig {
	return ReclaimerConfig{
		Interval:   time.Minute,
		StaleAfter: 10 * time.Minute,
	}
}

// Reclaimer returns long-held assigned rows to pending so items leased by
// crashed workers become claimable again. Only assigned rows with a lease
// older than the threshold are touched; pending, done and failed rows never
// are. It runs on a fixed interval independent of any worker's lifetime.
type Reclaimer struct {
	config  ReclaimerConfig
	store   ReclaimStore
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func NewReclaimer(config ReclaimerConfig, store ReclaimStore) *Reclaimer {
	if config.Interval <= 0 {
		config.Interval = DefaultReclaimerConfig().Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultReclaimerConfig().StaleAfter
	}
	return &Reclaimer{
		config: config,
		store:  store,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reclaimer.
func (r *Reclaimer) WithMetrics(sink MetricsSink) *Reclaimer {
	r.metrics = sink
	return r
}

// Reclaim resets stale leases for one (targetDate, campaignID) pair and
// returns the number of rows reset. staleAfter overrides the configured
// threshold when positive.
func (r *Reclaimer) Reclaim(ctx context.Context, targetDate time.Time, campaignID int64, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = r.config.StaleAfter
	}
	cutoff := r.clock().UTC().Add(-staleAfter)
	reset, err := r.store.ReclaimStale(ctx, domain.Day(targetDate), campaignID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if reset > 0 {
		log.Printf("reclaimer: campaign=%d date=%s reset=%d (stale_after=%s)",
			campaignID, domain.Day(targetDate).Format("2006-01-02"), reset, staleAfter)
		if r.metrics != nil {
			r.metrics.StaleReclaimed(reset)
		}
	}
	return reset, nil
}

// Run starts the background sweep across all dates and campaigns. It blocks
// until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reclaimer: started (interval=%s, stale_after=%s)",
		r.config.Interval, r.config.StaleAfter)

	// Sweep immediately on startup, then on ticker.
	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reclaimer: stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reclaimer) sweep(ctx context.Context) {
	cutoff := r.clock().UTC().Add(-r.config.StaleAfter)
	reset, err := r.store.ReclaimStaleAll(ctx, cutoff)
	if err != nil {
		// Store error: log and abort the cycle. Will retry next interval.
		log.Printf("reclaimer: sweep failed: %v", err)
		return
	}
	if reset == 0 {
		return
	}
	log.Printf("reclaimer: sweep reset %d stale leases", reset)
	if r.metrics != nil {
		r.metrics.StaleReclaimed(reset)
	}
}
