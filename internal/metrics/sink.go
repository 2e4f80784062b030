package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Queue metrics
	BuildCompleted(fresh, backfill int, duration time.Duration)
	ClaimCompleted(granted int, duration time.Duration)
	ClaimEmpty()
	CompletionRecorded(outcome string)
	CompletionRejected()
	StaleReclaimed(count int)

	// Dispatcher metrics
	SubmissionAttempt(backend string, spot bool)
	SubmissionOutcome(backend, outcome string)
	CredentialReissued()
	ExecutionCancelled()

	// Reconciler metrics
	UnsettledExecutionsUpdate(count int)
	ExecutionSettled(status string)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}
