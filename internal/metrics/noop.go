package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) BuildCompleted(fresh, backfill int, duration time.Duration) {}
func (n *NoopSink) ClaimCompleted(granted int, duration time.Duration)         {}
func (n *NoopSink) ClaimEmpty()                                                {}
func (n *NoopSink) CompletionRecorded(outcome string)                          {}
func (n *NoopSink) CompletionRejected()                                        {}
func (n *NoopSink) StaleReclaimed(count int)                                   {}
func (n *NoopSink) SubmissionAttempt(backend string, spot bool)                {}
func (n *NoopSink) SubmissionOutcome(backend, outcome string)                  {}
func (n *NoopSink) CredentialReissued()                                        {}
func (n *NoopSink) ExecutionCancelled()                                        {}
func (n *NoopSink) UnsettledExecutionsUpdate(count int)                        {}
func (n *NoopSink) ExecutionSettled(status string)                             {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                          {}
func (n *NoopSink) LeaderAcquired()                                            {}
func (n *NoopSink) LeaderLost(reason string)                                   {}
