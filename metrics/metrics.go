package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_env_requests_total",
			Help: "Environment requests handled, by action and final status",
		},
		[]string{"action", "status"}, // create|delete, Success|Failure
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_env_failures_total",
			Help: "Failed environment requests by error kind",
		},
		[]string{"action", "kind"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preview_env_request_duration_seconds",
			Help:    "Duration of environment request processing, excluding queue wait",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"action"},
	)

	DeletionWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preview_env_deletion_wait_seconds",
			Help:    "Time spent waiting for a previous service to release its name",
			Buckets: []float64{0, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	DeletionWaitPolls = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preview_env_deletion_wait_polls",
			Help:    "State lookups made while waiting for a deletion",
			Buckets: prometheus.LinearBuckets(1, 5, 10),
		},
	)

	QueueWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_env_queue_waiting",
			Help: "Requests queued behind another request for the same service",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(FailuresTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DeletionWaitDuration)
	prometheus.MustRegister(DeletionWaitPolls)
	prometheus.MustRegister(QueueWaiting)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
