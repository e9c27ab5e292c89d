// Package signaling forwards call negotiation payloads (offers, answers,
// ICE candidates, ringing) between two users. Payloads are opaque.
package signaling

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
)

// Notifier delivers events to every live connection of a user.
type Notifier interface {
	SendToUser(userID string, env *protocol.Envelope) int
}

// Relay forwards signaling events.
type Relay struct {
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
}

// NewRelay creates a Relay. metrics may be nil.
func NewRelay(notifier Notifier, metrics *Metrics, logger *slog.Logger) *Relay {
	return &Relay{notifier: notifier, metrics: metrics, logger: logger}
}

// Relay sends payload to toUserID annotated with fromUserID and returns the
// number of connections reached. An offline target drops the event.
func (r *Relay) Relay(eventType protocol.MessageType, fromUserID, toUserID string, payload protocol.SignalPayload) int {
	payload.From = fromUserID
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		r.logger.Error("encoding signal", slog.String("type", string(eventType)), slog.String("error", err.Error()))
		return 0
	}
	n := r.notifier.SendToUser(toUserID, env)
	if n == 0 {
		r.metrics.observe(eventType, "dropped")
		r.logger.Debug("signal target offline",
			slog.String("type", string(eventType)),
			slog.String("from", fromUserID),
			slog.String("to", toUserID),
		)
		return 0
	}
	r.metrics.observe(eventType, "relayed")
	return n
}

// Metrics counts relayed and dropped signals.
type Metrics struct {
	Signals *prometheus.CounterVec
}

// NewMetrics creates and registers signaling metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "signaling",
			Name:      "events_total",
			Help:      "Signaling events by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(m.Signals)
	return m
}

func (m *Metrics) observe(t protocol.MessageType, outcome string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(string(t), outcome).Inc()
}
