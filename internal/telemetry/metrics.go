package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DeferredJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_deferred_total", Help: "Jobs handed to the queue engine",
	}, []string{"queue"})
	DeferFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_defer_failures_total", Help: "Jobs that could not be deferred",
	}, []string{"queue"})
	CancelledJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_cancelled_total", Help: "Jobs removed or flagged for abort by cancellation",
	}, []string{"action"})
	TaskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_task_outcomes_total", Help: "Task executions by outcome",
	}, []string{"task", "outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_rate_limit_rejects_total", Help: "Defer requests rejected by the rate limiter",
	})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobs_inflight", Help: "Jobs currently executing in this process",
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DeferredJobs,
			DeferFailures,
			CancelledJobs,
			TaskOutcomes,
			RateLimitRejects,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
