package sweeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the call sweeper.
type Metrics struct {
	Runs          prometheus.Counter
	CallsEnded    prometheus.Counter
	CallsFailed   prometheus.Counter
	BucketsPruned prometheus.Counter
	RunDuration   prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Total sweeper passes.",
		}),
		CallsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "sweeper",
			Name:      "calls_ended_total",
			Help:      "Orphaned calls ended by the sweeper.",
		}),
		CallsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "sweeper",
			Name:      "calls_failed_total",
			Help:      "Orphaned calls the sweeper could not end.",
		}),
		BucketsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "sweeper",
			Name:      "ratelimit_buckets_pruned_total",
			Help:      "Idle rate limiter buckets dropped.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "discreet",
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of each sweeper pass.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Runs,
		m.CallsEnded,
		m.CallsFailed,
		m.BucketsPruned,
		m.RunDuration,
	)

	return m
}

func (m *Metrics) observe(res Result, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.Inc()
	m.CallsEnded.Add(float64(res.Ended))
	m.CallsFailed.Add(float64(res.Failed))
	m.BucketsPruned.Add(float64(res.Pruned))
	m.RunDuration.Observe(d.Seconds())
}
