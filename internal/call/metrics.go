package call

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the call state machine.
type Metrics struct {
	CallsStarted    *prometheus.CounterVec
	CallsEnded      *prometheus.CounterVec
	ActiveCalls     prometheus.Gauge
	BillingTicks    *prometheus.CounterVec
	SettledAmount   prometheus.Counter
	CallDuration    prometheus.Histogram
	SettlementFails prometheus.Counter
}

// NewMetrics creates and registers call metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		CallsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "call",
			Name:      "started_total",
			Help:      "Total calls initiated by kind.",
		}, []string{"kind"}),

		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "call",
			Name:      "ended_total",
			Help:      "Total calls ended by reason.",
		}, []string{"reason"}),

		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "discreet",
			Subsystem: "call",
			Name:      "active",
			Help:      "Calls not yet ended.",
		}),

		BillingTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "call",
			Name:      "billing_ticks_total",
			Help:      "Per-minute charge attempts by result.",
		}, []string{"result"}),

		SettledAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "call",
			Name:      "settled_minor_units_total",
			Help:      "Sum of settled call amounts in minor currency units.",
		}),

		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "discreet",
			Subsystem: "call",
			Name:      "billed_minutes",
			Help:      "Billed minutes per ended call.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 30, 60, 120},
		}),

		SettlementFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "call",
			Name:      "settlement_failures_total",
			Help:      "Settlements the billing adapter rejected.",
		}),
	}

	reg.MustRegister(
		m.CallsStarted,
		m.CallsEnded,
		m.ActiveCalls,
		m.BillingTicks,
		m.SettledAmount,
		m.CallDuration,
		m.SettlementFails,
	)
	return m
}

func (m *Metrics) started(kind Kind) {
	if m == nil {
		return
	}
	m.CallsStarted.WithLabelValues(string(kind)).Inc()
	m.ActiveCalls.Inc()
}

func (m *Metrics) ended(s *Session) {
	if m == nil {
		return
	}
	m.CallsEnded.WithLabelValues(s.Reason.Label()).Inc()
	m.ActiveCalls.Dec()
	m.SettledAmount.Add(float64(s.Amount.Amount))
	m.CallDuration.Observe(float64(s.Minutes))
}

func (m *Metrics) tick(result string) {
	if m == nil {
		return
	}
	m.BillingTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) settlementFailed() {
	if m == nil {
		return
	}
	m.SettlementFails.Inc()
}
