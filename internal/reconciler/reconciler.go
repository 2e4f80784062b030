// Package reconciler settles executions whose backend run finished without
// the dispatcher hearing about it.
//
// A submitted or running execution goes unsettled when the backend finishes,
// preempts or loses the run while this service is down or unreachable. The
// sweep periodically asks the owning backend to describe each unsettled run
// and applies the terminal status it reports. Idempotency is guaranteed by
// the store's terminal state guard: a sweep racing a cancel loses cleanly.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/neurify-goto/fs-runner-sub001/internal/dispatch"
	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

// Store defines the persistence surface the sweep needs.
type Store interface {
	// ListUnsettledExecutions returns non-terminal executions last updated
	// before olderThan, oldest first, limited to maxResults.
	ListUnsettledExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Execution, error)
	// UpdateExecutionStatus must reject terminal-to-anything transitions
	// with dispatch.ErrStatusTransitionDenied.
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus) error
}

// MetricsSink records sweep metrics. Optional; nil disables.
type MetricsSink interface {
	UnsettledExecutionsUpdate(count int)
	ExecutionSettled(status string)
}

// Config holds sweep configuration.
type Config struct {
	// CronSpec is the sweep schedule in standard 5-field cron syntax.
	// Default: every 5 minutes.
	CronSpec string

	// Threshold is the age after which a non-terminal execution is polled.
	// Executions updated more recently are assumed healthy.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of executions to poll per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() Config {
	return Config{
		CronSpec:  "*/5 * * * *",
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler polls backends for unsettled executions and applies the
// terminal status they report.
type Reconciler struct {
	config   Config
	store    Store
	backends map[domain.BackendKind]dispatch.Backend
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
	cron     *cron.Cron
}

// New creates a new Reconciler over the dispatcher's backend set.
func New(config Config, store Store, backends map[domain.BackendKind]dispatch.Backend) *Reconciler {
	return &Reconciler{
		config:   config,
		store:    store,
		backends: backends,
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Start schedules the sweep. Cycles run until Stop is called; ctx bounds the
// work done inside each cycle.
func (r *Reconciler) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.config.CronSpec, func() { r.runCycle(ctx) }); err != nil {
		return fmt.Errorf("parse cron spec %q: %w", r.config.CronSpec, err)
	}
	r.cron = c
	c.Start()
	log.Printf("reconciler: started (schedule=%q, threshold=%s, batch=%d)",
		r.config.CronSpec, r.config.Threshold, r.config.BatchSize)
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
		log.Println("reconciler: stopped")
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	execs, err := r.store.ListUnsettledExecutions(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to list unsettled executions: %v", err)
		return
	}
	if r.metrics != nil {
		r.metrics.UnsettledExecutionsUpdate(len(execs))
	}

	if len(execs) == 0 {
		// Nothing to do. Silent success.
		return
	}

	log.Printf("reconciler: found %d unsettled executions", len(execs))

	settled := 0
	for _, exec := range execs {
		// Check context before each poll to allow graceful shutdown.
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, settled %d/%d", settled, len(execs))
			return
		}
		if r.settle(ctx, exec, now) {
			settled++
		}
	}

	log.Printf("reconciler: cycle complete, settled=%d/%d", settled, len(execs))
}

// settle polls the backend for one execution and applies the result.
// Returns true when the execution reached a terminal status.
func (r *Reconciler) settle(ctx context.Context, exec domain.Execution, now time.Time) bool {
	if exec.Handle == "" {
		// Inserted but never submitted: the process died mid-dispatch. The
		// run never started, so failing it is safe.
		return r.apply(ctx, exec, domain.ExecutionStatusFailed, now)
	}

	backend, ok := r.backends[exec.Backend]
	if !ok {
		log.Printf("reconciler: execution=%s backend %q not configured, skipping", exec.ID, exec.Backend)
		return false
	}

	status, err := backend.Describe(ctx, exec.Handle)
	if errors.Is(err, dispatch.ErrRunNotFound) {
		// The backend no longer knows the run: preempted, expired or torn
		// down behind our back.
		return r.apply(ctx, exec, domain.ExecutionStatusFailed, now)
	}
	if err != nil {
		// Backend unreachable: log and continue. Will retry next cycle.
		log.Printf("reconciler: execution=%s describe failed: %v", exec.ID, err)
		return false
	}

	if !status.IsTerminal() {
		if status == domain.ExecutionStatusRunning && exec.Status == domain.ExecutionStatusSubmitted {
			if err := r.store.UpdateExecutionStatus(ctx, exec.ID, status); err != nil &&
				!errors.Is(err, dispatch.ErrStatusTransitionDenied) {
				log.Printf("reconciler: execution=%s progress update failed: %v", exec.ID, err)
			}
		}
		return false
	}

	return r.apply(ctx, exec, status, now)
}

func (r *Reconciler) apply(ctx context.Context, exec domain.Execution, status domain.ExecutionStatus, now time.Time) bool {
	err := r.store.UpdateExecutionStatus(ctx, exec.ID, status)
	if errors.Is(err, dispatch.ErrStatusTransitionDenied) {
		// Raced with a cancel or another sweep. Already settled.
		return false
	}
	if err != nil {
		log.Printf("reconciler: execution=%s settle to %s failed: %v", exec.ID, status, err)
		return false
	}

	if r.metrics != nil {
		r.metrics.ExecutionSettled(string(status))
	}
	log.Printf("reconciler: settled execution=%s campaign=%d backend=%s status=%s (age=%s)",
		exec.ID, exec.CampaignID, exec.Backend, status,
		now.Sub(exec.UpdatedAt).Round(time.Second))
	return true
}
