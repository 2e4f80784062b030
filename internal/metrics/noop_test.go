package metrics

import (
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	// Queue metrics
	s.BuildCompleted(10, 3, 500*time.Millisecond)
	s.ClaimCompleted(5, 10*time.Millisecond)
	s.ClaimEmpty()
	s.CompletionRecorded("success")
	s.CompletionRecorded("failed")
	s.CompletionRejected()
	s.StaleReclaimed(2)

	// Dispatcher metrics
	s.SubmissionAttempt("batch-pool", true)
	s.SubmissionAttempt("quick-serverless", false)
	s.SubmissionOutcome("batch-pool", "submitted")
	s.SubmissionOutcome("batch-pool", "failed")
	s.CredentialReissued()
	s.ExecutionCancelled()

	// Reconciler metrics
	s.UnsettledExecutionsUpdate(3)
	s.ExecutionSettled("succeeded")

	// Leader election metrics
	s.LeaderStatusChanged(true)
	s.LeaderAcquired()
	s.LeaderLost("conn_lost")
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
