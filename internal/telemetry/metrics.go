package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "batches_submitted_total", Help: "Batches accepted for processing"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "batches_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	BatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "batches_completed_total", Help: "Batches processed successfully"})
	BatchesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "batches_failed_total", Help: "Processing attempts that failed and were requeued"})
	MessagesDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "batches_messages_dropped_total", Help: "Queue messages dropped (missing batch or malformed body)"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "batches_queue_depth", Help: "Messages waiting in the processing queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "batches_inflight", Help: "Messages currently being processed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesSubmitted,
			RateLimitRejects,
			BatchesCompleted,
			BatchesFailed,
			MessagesDropped,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
