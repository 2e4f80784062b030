package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Queue metrics
	buildsTotal         prometheus.Counter
	buildRowsTotal      *prometheus.CounterVec
	buildDuration       prometheus.Histogram
	claimsTotal         *prometheus.CounterVec
	claimGrantedTotal   prometheus.Counter
	claimDuration       prometheus.Histogram
	completionsTotal    *prometheus.CounterVec
	completionsRejected prometheus.Counter
	staleReclaimedTotal prometheus.Counter

	// Dispatcher metrics
	submissionAttemptsTotal *prometheus.CounterVec
	submissionOutcomesTotal *prometheus.CounterVec
	credentialReissuesTotal prometheus.Counter
	cancellationsTotal      prometheus.Counter

	// Reconciler metrics
	unsettledExecutions    prometheus.Gauge
	executionsSettledTotal *prometheus.CounterVec

	// Leader election metrics
	leaderIsLeader          prometheus.Gauge
	leaderAcquisitionsTotal prometheus.Counter
	leaderLossesTotal       *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initQueueMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.buildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsrunner_queue_builds_total",
		Help: "Total number of completed queue builds.",
	})
	s.buildRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fsrunner_queue_build_rows_total",
		Help: "Total number of work items enqueued, by build stage.",
	}, []string{"stage"})
	s.buildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fsrunner_queue_build_duration_seconds",
		Help:    "Duration of each queue build in seconds.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
	s.claimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fsrunner_queue_claims_total",
		Help: "Total number of claim calls, by result.",
	}, []string{"result"})
	s.claimGrantedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsrunner_queue_claim_granted_total",
		Help: "Total number of work items leased out.",
	})
	s.claimDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fsrunner_queue_claim_duration_seconds",
		Help:    "Claim latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})
	s.completionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fsrunner_queue_completions_total",
		Help: "Total number of recorded completions, by outcome.",
	}, []string{"outcome"})
	s.completionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsrunner_queue_completions_rejected_total",
		Help: "Total number of completions rejected for lease conflicts.",
	})
	s.staleReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsrunner_queue_stale_reclaimed_total",
		Help: "Total number of stale leases reset to pending.",
	})

	s.register(reg, s.buildsTotal, "fsrunner_queue_builds_total")
	s.register(reg, s.buildRowsTotal, "fsrunner_queue_build_rows_total")
	s.register(reg, s.buildDuration, "fsrunner_queue_build_duration_seconds")
	s.register(reg, s.claimsTotal, "fsrunner_queue_claims_total")
	s.register(reg, s.claimGrantedTotal, "fsrunner_queue_claim_granted_total")
	s.register(reg, s.claimDuration, "fsrunner_queue_claim_duration_seconds")
	s.register(reg, s.completionsTotal, "fsrunner_queue_completions_total")
	s.register(reg, s.completionsRejected, "fsrunner_queue_completions_rejected_total")
	s.register(reg, s.staleReclaimedTotal, "fsrunner_queue_stale_reclaimed_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.submissionAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fsrunner_dispatch_submission_attempts_total",
		Help: "Total number of backend submission attempts.",
	}, []string{"backend", "spot"})
	s.submissionOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fsrunner_dispatch_submission_outcomes_total",
		Help: "Total number of final submission outcomes per execution.",
	}, []string{"backend", "outcome"})
	s.credentialReissuesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsrunner_dispatch_credential_reissues_total",
		Help: "Total number of configuration credentials issued.",
	})
	s.cancellationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsrunner_dispatch_cancellations_total",
		Help: "Total number of executions cancelled.",
	})

	s.register(reg, s.submissionAttemptsTotal, "fsrunner_dispatch_submission_attempts_total")
	s.register(reg, s.submissionOutcomesTotal, "fsrunner_dispatch_submission_outcomes_total")
	s.register(reg, s.credentialReissuesTotal, "fsrunner_dispatch_credential_reissues_total")
	s.register(reg, s.cancellationsTotal, "fsrunner_dispatch_cancellations_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.unsettledExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fsrunner_reconciler_unsettled_executions",
		Help: "Number of non-terminal executions seen by the last sweep.",
	})
	s.executionsSettledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fsrunner_reconciler_executions_settled_total",
		Help: "Total number of executions settled by the sweep, by final status.",
	}, []string{"status"})

	s.register(reg, s.unsettledExecutions, "fsrunner_reconciler_unsettled_executions")
	s.register(reg, s.executionsSettledTotal, "fsrunner_reconciler_executions_settled_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fsrunner_leader_is_leader",
		Help: "1 if this instance currently holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquisitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsrunner_leader_acquisitions_total",
		Help: "Total number of times this instance acquired the leader lock.",
	})
	s.leaderLossesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fsrunner_leader_losses_total",
		Help: "Total number of times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderIsLeader, "fsrunner_leader_is_leader")
	s.register(reg, s.leaderAcquisitionsTotal, "fsrunner_leader_acquisitions_total")
	s.register(reg, s.leaderLossesTotal, "fsrunner_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Queue metrics implementation

func (s *PrometheusSink) BuildCompleted(fresh, backfill int, duration time.Duration) {
	s.buildsTotal.Inc()
	s.buildRowsTotal.WithLabelValues("fresh").Add(float64(fresh))
	s.buildRowsTotal.WithLabelValues("backfill").Add(float64(backfill))
	s.buildDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ClaimCompleted(granted int, duration time.Duration) {
	s.claimsTotal.WithLabelValues("granted").Inc()
	s.claimGrantedTotal.Add(float64(granted))
	s.claimDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ClaimEmpty() {
	s.claimsTotal.WithLabelValues("empty").Inc()
}

func (s *PrometheusSink) CompletionRecorded(outcome string) {
	s.completionsTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) CompletionRejected() {
	s.completionsRejected.Inc()
}

func (s *PrometheusSink) StaleReclaimed(count int) {
	s.staleReclaimedTotal.Add(float64(count))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) SubmissionAttempt(backend string, spot bool) {
	label := "false"
	if spot {
		label = "true"
	}
	s.submissionAttemptsTotal.WithLabelValues(backend, label).Inc()
}

func (s *PrometheusSink) SubmissionOutcome(backend, outcome string) {
	s.submissionOutcomesTotal.WithLabelValues(backend, outcome).Inc()
}

func (s *PrometheusSink) CredentialReissued() {
	s.credentialReissuesTotal.Inc()
}

func (s *PrometheusSink) ExecutionCancelled() {
	s.cancellationsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) UnsettledExecutionsUpdate(count int) {
	s.unsettledExecutions.Set(float64(count))
}

func (s *PrometheusSink) ExecutionSettled(status string) {
	s.executionsSettledTotal.WithLabelValues(status).Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderIsLeader.Set(1)
	} else {
		s.leaderIsLeader.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisitionsTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLossesTotal.WithLabelValues(reason).Inc()
}
