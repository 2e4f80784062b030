package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetention keeps per-day counters long enough to cover the backfill
// lookback plus reporting lag.
const DefaultRetention = 30 * 24 * time.Hour

// RedisSink keeps per-campaign, per-day success and failure counters in
// Redis. Best-effort: failures are logged and swallowed, never propagated
// into the completion path.
type RedisSink struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, retention: DefaultRetention}
}

// WithRetention overrides the counter TTL.
func (s *RedisSink) WithRetention(retention time.Duration) *RedisSink {
	if retention > 0 {
		s.retention = retention
	}
	return s
}

// Record increments the campaign's counter for the outcome bucket.
func (s *RedisSink) Record(ctx context.Context, campaignID int64, day time.Time, success bool) {
	key := buildKey(campaignID, day, success)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: campaign=%d increment failed: %v", campaignID, err)
	}
}

// Counts returns the success and failure counters for a campaign day.
// Missing keys read as zero.
func (s *RedisSink) Counts(ctx context.Context, campaignID int64, day time.Time) (successes, failures int64, err error) {
	pipe := s.client.Pipeline()
	successCmd := pipe.Get(ctx, buildKey(campaignID, day, true))
	failureCmd := pipe.Get(ctx, buildKey(campaignID, day, false))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("redis pipeline: %w", err)
	}

	successes, _ = successCmd.Int64()
	failures, _ = failureCmd.Int64()
	return successes, failures, nil
}

func buildKey(campaignID int64, day time.Time, success bool) string {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	return fmt.Sprintf("c:%d:%s:%s", campaignID, day.UTC().Format("20060102"), outcome)
}
