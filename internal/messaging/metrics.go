package messaging

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for message routing.
type Metrics struct {
	MessagesRouted *prometheus.CounterVec
	StatusUpdates  *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
}

// NewMetrics creates and registers messaging metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "messaging",
			Name:      "routed_total",
			Help:      "Messages accepted, by whether the recipient had a live connection.",
		}, []string{"recipient_online"}),

		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "messaging",
			Name:      "status_updates_total",
			Help:      "Forward status transitions by target status.",
		}, []string{"status"}),

		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "messaging",
			Name:      "rejected_total",
			Help:      "Messages rejected before routing, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.MessagesRouted, m.StatusUpdates, m.Rejected)
	return m
}

func (m *Metrics) routed(online bool) {
	if m == nil {
		return
	}
	label := "false"
	if online {
		label = "true"
	}
	m.MessagesRouted.WithLabelValues(label).Inc()
}

func (m *Metrics) statusUpdated(s Status) {
	if m == nil {
		return
	}
	m.StatusUpdates.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}
