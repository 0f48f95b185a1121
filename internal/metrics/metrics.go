// Package metrics exposes Prometheus instrumentation for the engine and an
// optional scrape endpoint. Collectors are fed from the event stream so the
// engine core stays metrics-agnostic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsStarted counts job executions launched by the polling loop.
	JobsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronod_jobs_started_total",
			Help: "The total number of job executions started.",
		},
		[]string{"job"},
	)

	// JobsCompleted counts executions that finished with exit code zero.
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronod_jobs_completed_total",
			Help: "The total number of job executions that completed successfully.",
		},
		[]string{"job"},
	)

	// JobsFailed counts executions that ended with a failure verdict.
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronod_jobs_failed_total",
			Help: "The total number of job executions that failed.",
		},
		[]string{"job"},
	)

	// JobsTimedOut counts executions killed at their timeout.
	JobsTimedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronod_jobs_timed_out_total",
			Help: "The total number of job executions killed at their timeout.",
		},
		[]string{"job"},
	)

	// EngineErrors counts infrastructure errors reported by the engine loop.
	EngineErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronod_engine_errors_total",
			Help: "The total number of infrastructure errors in the engine loop.",
		},
	)

	// JobsInFlight shows the number of currently running job executions.
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronod_jobs_in_flight",
			Help: "The number of job executions currently running.",
		},
	)

	// DispatchesSent counts outbound deliveries made by the dispatcher.
	DispatchesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronod_dispatches_sent_total",
			Help: "The total number of outbound deliveries sent.",
		},
		[]string{"channel"},
	)

	// DispatchesFailed counts outbound deliveries whose send command failed.
	DispatchesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronod_dispatches_failed_total",
			Help: "The total number of outbound deliveries that failed to send.",
		},
		[]string{"channel"},
	)
)
