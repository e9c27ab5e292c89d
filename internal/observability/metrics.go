package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector owns the private Prometheus registry. Presence, call,
// messaging, signaling and hub metrics register on Registry from their own
// packages; the collectors below cover billing adapter calls and HTTP.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Billing adapter metrics.
	BillingOpsTotal   *prometheus.CounterVec
	BillingOpDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		BillingOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "billing",
			Name:      "operations_total",
			Help:      "Billing adapter calls by operation and result.",
		}, []string{"op", "result"}),

		BillingOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "discreet",
			Subsystem: "billing",
			Name:      "operation_duration_seconds",
			Help:      "Billing adapter call duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "discreet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "discreet",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.BillingOpsTotal,
		m.BillingOpDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
