// Package metrics defines the Prometheus collectors for the job scheduler.
// All collectors are registered on the default registry at init and
// exposed by the API server at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_polls_total",
			Help: "Candidate polls by category and order (priority or fifo)",
		},
		[]string{"category", "order"},
	)

	PollErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_poll_errors_total",
			Help: "Datastore errors seen by the poll loop",
		},
		[]string{"category"},
	)

	ErrorBackoffSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobrunner_error_backoff_seconds",
			Help: "Current error backoff of the poll loop",
		},
		[]string{"category"},
	)

	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_jobs_claimed_total",
			Help: "Jobs claimed by this worker",
		},
		[]string{"category"},
	)

	ClaimContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_claim_contention_total",
			Help: "Claims lost to another worker or a state change",
		},
		[]string{"category"},
	)

	RoutingSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_routing_skipped_total",
			Help: "Candidates skipped because their routing tag does not match this host",
		},
		[]string{"category"},
	)

	JobOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_job_outcomes_total",
			Help: "Finished jobs by category and recorded outcome",
		},
		[]string{"category", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobrunner_job_duration_seconds",
			Help:    "Handler execution time",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"category"},
	)

	QueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobrunner_queue_wait_seconds",
			Help:    "Time from creation to first claim",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"category"},
	)

	StaleClaimsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_stale_claims_recovered_total",
			Help: "Claimed jobs requeued by the stale-claim sweeper",
		},
	)

	WorkerInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobrunner_worker_info",
			Help: "Static identity of this worker process (always 1)",
		},
		[]string{"hostname", "debug", "on_prem"},
	)
)

func init() {
	prometheus.MustRegister(
		PollsTotal,
		PollErrorsTotal,
		ErrorBackoffSeconds,
		JobsClaimedTotal,
		ClaimContentionTotal,
		RoutingSkippedTotal,
		JobOutcomesTotal,
		JobDuration,
		QueueWait,
		StaleClaimsRecoveredTotal,
		WorkerInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFirstClaim records queue wait when a claim was the job's first.
func ObserveFirstClaim(category string, createdAt time.Time, firstClaimedAt *time.Time, attempt int32) {
	if firstClaimedAt == nil || attempt != 1 {
		return
	}
	QueueWait.WithLabelValues(category).Observe(firstClaimedAt.Sub(createdAt).Seconds())
}
