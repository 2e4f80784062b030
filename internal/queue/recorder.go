package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/neurify-goto/fs-runner-sub001/internal/domain"
)

// Outcome labels for completion metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// CompletionInput is one executor verdict reported by a worker.
type CompletionInput struct {
	TargetDate time.Time
	CampaignID int64
	EntityID   int64

	Success       bool
	ErrorClass    string
	ResultPayload json.RawMessage
	PolicyFlag    bool

	HolderID string
}

// Recorder persists completion outcomes and closes leases. The queue-state
// update and the outcome row are written together in one store transaction;
// a completion from a holder that no longer owns the lease mutates nothing.
type Recorder struct {
	store     CompletionStore
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	clock     func() time.Time
}

func NewRecorder(store CompletionStore) *Recorder {
	return &Recorder{store: store, clock: time.Now}
}

// WithAnalytics attaches a completion-counter sink to the recorder.
func (r *Recorder) WithAnalytics(sink AnalyticsSink) *Recorder {
	r.analytics = sink
	return r
}

// WithMetrics attaches a metrics sink to the recorder.
func (r *Recorder) WithMetrics(sink MetricsSink) *Recorder {
	r.metrics = sink
	return r
}

// Complete records one outcome and returns the number of work items updated.
//
// Returns 0 without error in two benign cases: no matching work item exists
// (out-of-queue run; the outcome row is still appended) and the lease is
// held by someone else or the item is already terminal (nothing is written,
// including on exact replay of an earlier completion from the same holder).
func (r *Recorder) Complete(ctx context.Context, in CompletionInput) (int, error) {
	if in.HolderID == "" {
		return 0, fmt.Errorf("complete: holder id is required")
	}
	if in.EntityID <= 0 {
		return 0, fmt.Errorf("complete: entity id is required")
	}
	if !in.Success && in.ErrorClass == "" {
		in.ErrorClass = domain.ErrorClassUnknown
	}

	targetDate := domain.Day(in.TargetDate)
	rec := domain.CompletionRecord{
		ID:            uuid.New(),
		CampaignID:    in.CampaignID,
		EntityID:      in.EntityID,
		Success:       in.Success,
		ErrorClass:    in.ErrorClass,
		ResultPayload: in.ResultPayload,
		PolicyFlag:    in.PolicyFlag,
		HolderID:      in.HolderID,
		RecordedAt:    r.clock().UTC(),
	}

	updated, err := r.store.RecordCompletion(ctx, targetDate, rec)
	if err != nil {
		if errors.Is(err, ErrLeaseConflict) {
			// The item was reassigned (or this is a replay). Not fatal.
			log.Printf("recorder: campaign=%d entity=%d holder=%s rejected: %v",
				in.CampaignID, in.EntityID, in.HolderID, err)
			if r.metrics != nil {
				r.metrics.CompletionRejected()
			}
			return 0, nil
		}
		return 0, fmt.Errorf("record completion: %w", err)
	}

	if r.metrics != nil {
		outcome := OutcomeFailed
		if in.Success {
			outcome = OutcomeSuccess
		}
		r.metrics.CompletionRecorded(outcome)
	}
	if r.analytics != nil {
		r.analytics.Record(ctx, in.CampaignID, targetDate, in.Success)
	}
	if in.PolicyFlag {
		log.Printf("recorder: campaign=%d entity=%d policy signal detected, entity excluded from future builds",
			in.CampaignID, in.EntityID)
	}
	return updated, nil
}
