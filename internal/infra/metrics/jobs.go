package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		draftJobTransitionsTotal,
		draftJobsEnqueuedTotal,
		draftJobsRecoveredTotal,
		draftJobsShortCircuitTotal,
		draftWorkerCycleSeconds,
	)
}

var (
	draftJobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draft_job_transitions_total",
			Help: "Draft job status transitions, labeled by target status.",
		},
		[]string{"status"}, // pending, generating, completed, failed, sent
	)

	draftJobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draft_jobs_enqueued_total",
			Help: "Enqueue calls by outcome.",
		},
		[]string{"result"}, // created, existing, retargeted
	)

	draftJobsRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draft_jobs_recovered_total",
			Help: "Stuck generating jobs reclaimed by the sweep.",
		},
		[]string{"outcome"}, // pending, failed
	)

	draftJobsShortCircuitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "draft_jobs_short_circuit_total",
			Help: "Jobs completed by copying the outcome of another job on the same thread.",
		},
	)

	draftWorkerCycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "draft_worker_cycle_seconds",
			Help:    "Duration of one worker cycle.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

func IncDraftJobTransition(status string) {
	draftJobTransitionsTotal.WithLabelValues(norm(status)).Inc()
}

func IncDraftJobEnqueued(result string) {
	draftJobsEnqueuedTotal.WithLabelValues(norm(result)).Inc()
}

func IncDraftJobRecovered(outcome string) {
	draftJobsRecoveredTotal.WithLabelValues(norm(outcome)).Inc()
}

func IncDraftJobShortCircuit() {
	draftJobsShortCircuitTotal.Inc()
}

func ObserveWorkerCycle(d time.Duration) {
	draftWorkerCycleSeconds.Observe(d.Seconds())
}
