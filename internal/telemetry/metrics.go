package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total jobs enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	JobsSucceeded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs finished successfully"}, []string{"job_type"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs finished in failure"}, []string{"job_type"})
	JobsCancelled    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs cancelled by the user"}, []string{"job_type"})
	Fallbacks        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_fallbacks_total", Help: "Generative stages that fell back to the classical path"}, []string{"stage"})
	SafetyFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "safety_gate_failures_total", Help: "Safety gate rejections by reason"}, []string{"reason"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsSucceeded,
			JobsFailed,
			JobsCancelled,
			Fallbacks,
			SafetyFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
