package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics exposed for external monitoring. No consumer is coupled
// to these beyond scraping /metrics.
var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Orders reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	SagaDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Duration of order placement sagas from submission to terminal status",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensations_total",
			Help: "Compensation runs, by outcome (released, stuck)",
		},
		[]string{"outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "route", "status_code"},
	)
)

// Register registers all metrics on the default registry.
func Register() {
	prometheus.MustRegister(OrdersTotal)
	prometheus.MustRegister(SagaDuration)
	prometheus.MustRegister(CompensationsTotal)
	prometheus.MustRegister(RequestDuration)
}
