package presence

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the connection registry.
type Metrics struct {
	Connections  prometheus.Gauge
	OnlineUsers  prometheus.Gauge
	Transitions  *prometheus.CounterVec
	SendFailures prometheus.Counter
}

// NewMetrics creates and registers presence metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "discreet",
			Subsystem: "presence",
			Name:      "connections",
			Help:      "Number of live client connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "discreet",
			Subsystem: "presence",
			Name:      "online_users",
			Help:      "Number of users with at least one live connection.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "presence",
			Name:      "transitions_total",
			Help:      "Total presence transitions by direction.",
		}, []string{"direction"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "presence",
			Name:      "send_failures_total",
			Help:      "Total outbound events a connection refused.",
		}),
	}

	reg.MustRegister(m.Connections, m.OnlineUsers, m.Transitions, m.SendFailures)
	return m
}

func (m *Metrics) observe(conns, online int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(conns))
	m.OnlineUsers.Set(float64(online))
}

func (m *Metrics) transition(direction string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(direction).Inc()
}

func (m *Metrics) sendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}
