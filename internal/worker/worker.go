// Package worker implements the claim/execute/complete loop that drains a
// campaign's daily backlog. Workers coordinate only through the queue
// service; any number of them may run against the same (date, campaign).
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// QueueClient is the queue-service surface the worker needs.
type QueueClient interface {
	// Claim leases up to limit pending entities for holderID. An empty
	// result signals backlog exhaustion, not an error.
	Claim(ctx context.Context, holderID string, limit int) ([]int64, error)

	// Complete reports one executor verdict back to the queue.
	Complete(ctx context.Context, report CompletionReport) error
}

// Executor runs the actual per-entity work (browser automation, external).
type Executor interface {
	Execute(ctx context.Context, entityID int64, configURL string) ExecResult
}

// ExecResult is the executor's verdict for one entity.
type ExecResult struct {
	Success    bool
	ErrorClass string
	Result     json.RawMessage
	PolicyFlag bool

	// Error is set when the executor could not be reached at all; the
	// worker classifies it and reports a failure.
	Error    error
	Duration time.Duration
}

// CompletionReport is one outcome forwarded to the queue service.
type CompletionReport struct {
	HolderID   string
	EntityID   int64
	Success    bool
	ErrorClass string
	Result     json.RawMessage
	PolicyFlag bool
}

type Config struct {
	HolderID  string
	BatchSize int

	// ConfigURL is the credentialed run-configuration reference handed to
	// the executor with every entity.
	ConfigURL string

	// Backoff bounds for the empty-claim wait. The wait doubles on every
	// consecutive empty claim and resets on the first granted one.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// DrainTimeout bounds the final completion report when shutdown
	// interrupts a batch mid-flight.
	DrainTimeout time.Duration
}

// DefaultConfig returns the default worker loop configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    10,
		MinBackoff:   time.Second,
		MaxBackoff:   time.Minute,
		DrainTimeout: 30 * time.Second,
	}
}

type Worker struct {
	config   Config
	queue    QueueClient
	executor Executor
}

func New(config Config, queue QueueClient, executor Executor) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = DefaultConfig().MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultConfig().DrainTimeout
	}
	return &Worker{config: config, queue: queue, executor: executor}
}

// Run claims and processes batches until the context is cancelled. Items
// already executed when cancellation hits are still reported, bounded by
// DrainTimeout; unexecuted leases are left for the stale-lease sweep.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("worker: started holder=%s batch=%d", w.config.HolderID, w.config.BatchSize)

	backoff := w.config.MinBackoff
	for {
		if ctx.Err() != nil {
			log.Println("worker: stopped")
			return
		}

		ids, err := w.queue.Claim(ctx, w.config.HolderID, w.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("worker: stopped")
				return
			}
			log.Printf("worker: claim error: %v", err)
			if !w.wait(ctx, backoff) {
				log.Println("worker: stopped")
				return
			}
			backoff = w.nextBackoff(backoff)
			continue
		}

		if len(ids) == 0 {
			if !w.wait(ctx, backoff) {
				log.Println("worker: stopped")
				return
			}
			backoff = w.nextBackoff(backoff)
			continue
		}
		backoff = w.config.MinBackoff

		for _, entityID := range ids {
			if ctx.Err() != nil {
				// Remaining leases go back to pending via the reclaim sweep.
				log.Printf("worker: shutdown mid-batch, %d leases left for reclaim", remaining(ids, entityID))
				log.Println("worker: stopped")
				return
			}
			w.process(ctx, entityID)
		}
	}
}

func (w *Worker) process(ctx context.Context, entityID int64) {
	res := w.executor.Execute(ctx, entityID, w.config.ConfigURL)
	if res.Error != nil {
		if ctx.Err() != nil {
			// Interrupted, no verdict to report. The lease expires and the
			// item is retried.
			return
		}
		res.Success = false
		if res.ErrorClass == "" {
			res.ErrorClass = classifyError(res.Error)
		}
		log.Printf("worker: entity=%d executor error: %v", entityID, res.Error)
	}

	completeCtx := ctx
	if ctx.Err() != nil {
		// The verdict exists; report it even though shutdown has started.
		var cancel context.CancelFunc
		completeCtx, cancel = context.WithTimeout(context.Background(), w.config.DrainTimeout)
		defer cancel()
	}

	report := CompletionReport{
		HolderID:   w.config.HolderID,
		EntityID:   entityID,
		Success:    res.Success,
		ErrorClass: res.ErrorClass,
		Result:     res.Result,
		PolicyFlag: res.PolicyFlag,
	}
	if err := w.queue.Complete(completeCtx, report); err != nil {
		// The lease stays held until the reclaim sweep frees it; the next
		// attempt re-runs the entity.
		log.Printf("worker: entity=%d complete error: %v", entityID, err)
		return
	}
	log.Printf("worker: entity=%d success=%t class=%s duration=%s",
		entityID, res.Success, res.ErrorClass, res.Duration)
}

// wait sleeps for d or until ctx is cancelled. Returns false on cancel.
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.config.MaxBackoff {
		next = w.config.MaxBackoff
	}
	return next
}

func remaining(ids []int64, current int64) int {
	for i, id := range ids {
		if id == current {
			return len(ids) - i
		}
	}
	return 0
}
