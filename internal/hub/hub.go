// Package hub dispatches inbound WebSocket events to the presence,
// messaging, signaling and call components, and replies to the
// originating connection.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/messaging"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/presence"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ratelimit"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/signaling"
)

// Hub wires connection lifecycle and inbound events to the domain components.
type Hub struct {
	registry *presence.Registry
	presence *presence.Broadcaster
	router   *messaging.Router
	relay    *signaling.Relay
	calls    *call.Manager
	metrics  *Metrics
	logger   *slog.Logger

	// Per-user locks order a presence crossing with its broadcast and call
	// hook, so a racing disconnect and reconnect apply in registry order.
	usersMu sync.Mutex
	users   map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Hub. metrics may be nil.
func New(
	registry *presence.Registry,
	broadcaster *presence.Broadcaster,
	router *messaging.Router,
	relay *signaling.Relay,
	calls *call.Manager,
	metrics *Metrics,
	logger *slog.Logger,
) *Hub {
	return &Hub{
		registry: registry,
		presence: broadcaster,
		router:   router,
		relay:    relay,
		calls:    calls,
		metrics:  metrics,
		logger:   logger,
		users:    make(map[string]*userLock),
	}
}

func (h *Hub) lockUser(userID string) func() {
	h.usersMu.Lock()
	l, ok := h.users[userID]
	if !ok {
		l = &userLock{}
		h.users[userID] = l
	}
	l.refs++
	h.usersMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.usersMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(h.users, userID)
		}
		h.usersMu.Unlock()
	}
}

// Connect registers a new connection, sends it the online snapshot and
// announces the user if this is their first connection.
func (h *Hub) Connect(_ context.Context, c presence.Conn) {
	unlock := h.lockUser(c.UserID())
	defer unlock()

	online := h.registry.Register(c.UserID(), c)
	if err := h.presence.SendSnapshot(c); err != nil {
		h.logger.Warn("sending presence snapshot",
			slog.String("conn_id", c.ID()),
			slog.String("error", err.Error()),
		)
	}
	if online {
		h.presence.OnPresenceChange(c.UserID(), true)
		h.calls.PartyReconnected(c.UserID())
	}
}

// Disconnect unregisters a connection and announces the user offline if it
// was their last one.
func (h *Hub) Disconnect(_ context.Context, c presence.Conn) {
	unlock := h.lockUser(c.UserID())
	defer unlock()

	if h.registry.Unregister(c.UserID(), c) {
		h.presence.OnPresenceChange(c.UserID(), false)
		h.calls.PartyDisconnected(c.UserID())
	}
}

// Handle processes one inbound envelope from c.
func (h *Hub) Handle(ctx context.Context, c presence.Conn, env *protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.MsgMessageSend:
		err = h.handleMessageSend(ctx, c, env)
	case protocol.MsgMessageDelivered:
		err = h.handleMessageStatus(ctx, c, env, h.router.MarkDelivered)
	case protocol.MsgMessageRead:
		err = h.handleMessageStatus(ctx, c, env, h.router.MarkRead)
	case protocol.MsgCallOffer:
		err = h.handleCallOffer(ctx, c, env)
	case protocol.MsgCallAnswer:
		err = h.handleCallAnswer(ctx, c, env)
	case protocol.MsgCallStartBilling:
		err = h.handleStartBilling(ctx, c, env)
	case protocol.MsgCallICE:
		err = h.handleICE(c, env)
	case protocol.MsgCallRinging:
		err = h.handleRinging(c, env)
	case protocol.MsgCallEnd:
		err = h.handleCallEnd(ctx, c, env)
	default:
		h.metrics.observe(env.Type, "unknown")
		h.reply(c, env, protocol.EvtError, protocol.ErrorPayload{
			Code:    "unknown_type",
			Message: "unsupported message type " + string(env.Type),
		})
		return
	}

	if err != nil {
		h.metrics.observe(env.Type, "error")
		h.logger.Debug("event rejected",
			slog.String("type", string(env.Type)),
			slog.String("user_id", c.UserID()),
			slog.String("conn_id", c.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	h.metrics.observe(env.Type, "ok")
}

func (h *Hub) handleMessageSend(ctx context.Context, c presence.Conn, env *protocol.Envelope) error {
	var p protocol.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return h.invalidPayload(c, env, err)
	}
	msg, err := h.router.Send(ctx, c.UserID(), p.RecipientID, p.Text, p.CallID)
	if err != nil {
		h.reply(c, env, protocol.EvtError, protocol.ErrorPayload{Code: errorCode(err), Message: err.Error()})
		return err
	}
	h.reply(c, env, protocol.EvtMessageAck, messaging.ToPayload(msg))
	return nil
}

type markFunc func(ctx context.Context, userID string, messageIDs []string) ([]*messaging.Message, error)

func (h *Hub) handleMessageStatus(ctx context.Context, c presence.Conn, env *protocol.Envelope, mark markFunc) error {
	var p protocol.MessageStatusRequest
	if err := env.Decode(&p); err != nil {
		return h.invalidPayload(c, env, err)
	}
	if _, err := mark(ctx, c.UserID(), p.MessageID.Unique()); err != nil {
		h.reply(c, env, protocol.EvtError, protocol.ErrorPayload{Code: errorCode(err), Message: err.Error()})
		return err
	}
	return nil
}

func (h *Hub) handleCallOffer(ctx context.Context, c presence.Conn, env *protocol.Envelope) error {
	var p protocol.CallOfferPayload
	if err := env.Decode(&p); err != nil {
		return h.invalidPayload(c, env, err)
	}
	kind, err := call.ParseKind(p.CallType)
	if err != nil {
		h.callError(c, env, "", "invalid_call_type", err)
		return err
	}
	s, err := h.calls.Initiate(ctx, c.UserID(), p.To, kind)
	if err != nil {
		h.callError(c, env, "", errorCode(err), err)
		return err
	}
	h.reply(c, env, protocol.EvtCallInitiated, protocol.CallInitiatedPayload{CallID: s.ID, Status: s.Status})
	h.relay.Relay(protocol.EvtCallOffer, c.UserID(), s.CalleeID, protocol.SignalPayload{
		CallID:   s.ID,
		CallType: string(s.Kind),
		Data:     p.Offer,
	})
	return nil
}

func (h *Hub) handleCallAnswer(ctx context.Context, c presence.Conn, env *protocol.Envelope) error {
	var p protocol.CallAnswerPayload
	if err := env.Decode(&p); err != nil {
		return h.invalidPayload(c, env, err)
	}
	s, err := h.calls.Answer(ctx, p.CallID, c.UserID())
	if err != nil {
		h.callError(c, env, p.CallID, errorCode(err), err)
		return err
	}
	h.relay.Relay(protocol.EvtCallAnswer, c.UserID(), s.CallerID, protocol.SignalPayload{
		CallID:   s.ID,
		CallType: string(s.Kind),
		Data:     p.Answer,
	})
	return nil
}

func (h *Hub) handleStartBilling(ctx context.Context, c presence.Conn, env *protocol.Envelope) error {
	var p protocol.CallStartBillingPayload
	if err := env.Decode(&p); err != nil {
		return h.invalidPayload(c, env, err)
	}
	if err := h.requireParty(ctx, p.CallID, c.UserID()); err != nil {
		h.callError(c, env, p.CallID, errorCode(err), err)
		return err
	}
	if _, err := h.calls.StartBilling(ctx, p.CallID, p.CallerID, p.CalleeID); err != nil {
		h.callError(c, env, p.CallID, errorCode(err), err)
		return err
	}
	return nil
}

func (h *Hub) handleICE(c presence.Conn, env *protocol.Envelope) error {
	var p protocol.CallICEPayload
	if err := env.Decode(&p); err != nil {
		return h.invalidPayload(c, env, err)
	}
	h.relay.Relay(protocol.EvtCallICE, c.UserID(), p.To, protocol.SignalPayload{CallID: p.CallID, Data: p.Candidate})
	return nil
}

func (h *Hub) handleRinging(c presence.Conn, env *protocol.Envelope) error {
	var p protocol.CallRingingPayload
	if err := env.Decode(&p); err != nil {
		return h.invalidPayload(c, env, err)
	}
	h.relay.Relay(protocol.EvtCallRinging, c.UserID(), p.To, protocol.SignalPayload{CallID: p.CallID})
	return nil
}

func (h *Hub) handleCallEnd(ctx context.Context, c presence.Conn, env *protocol.Envelope) error {
	var p protocol.CallEndPayload
	if err := env.Decode(&p); err != nil {
		return h.invalidPayload(c, env, err)
	}
	if err := h.requireParty(ctx, p.CallID, c.UserID()); err != nil {
		h.callError(c, env, p.CallID, errorCode(err), err)
		return err
	}
	out, err := h.calls.End(ctx, p.CallID, call.ParseReason(p.Reason), p.Duration)
	if err != nil {
		h.callError(c, env, p.CallID, errorCode(err), err)
		return err
	}
	if out.Repeated {
		s := out.Session
		h.reply(c, env, protocol.EvtCallEnd, protocol.CallEndedPayload{
			CallID:   s.ID,
			Status:   s.Status,
			Reason:   string(s.Reason),
			Minutes:  s.Minutes,
			Amount:   s.Amount.Amount,
			Currency: s.Amount.Currency,
			Repeat:   true,
		})
	}
	return nil
}

func (h *Hub) requireParty(ctx context.Context, callID, userID string) error {
	s, err := h.calls.Get(ctx, callID)
	if err != nil {
		return err
	}
	if !s.HasParty(userID) {
		return call.ErrNotParty
	}
	return nil
}

func (h *Hub) invalidPayload(c presence.Conn, env *protocol.Envelope, err error) error {
	h.reply(c, env, protocol.EvtError, protocol.ErrorPayload{Code: "invalid_payload", Message: err.Error()})
	return err
}

func (h *Hub) callError(c presence.Conn, env *protocol.Envelope, callID, code string, err error) {
	h.reply(c, env, protocol.EvtCallError, protocol.CallErrorPayload{CallID: callID, Code: code, Message: err.Error()})
}

// reply sends to the originating connection only, correlated by request ID.
func (h *Hub) reply(c presence.Conn, req *protocol.Envelope, msgType protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		h.logger.Error("encoding reply", slog.String("type", string(msgType)), slog.String("error", err.Error()))
		return
	}
	if req.ID != "" {
		env.ID = req.ID
	}
	if err := c.Send(env); err != nil {
		h.logger.Warn("reply dropped",
			slog.String("conn_id", c.ID()),
			slog.String("type", string(msgType)),
			slog.String("error", err.Error()),
		)
	}
}

func errorCode(err error) string {
	var ended *call.EndedError
	switch {
	case errors.As(err, &ended):
		return "call_ended"
	case errors.Is(err, call.ErrPartyNotFound):
		return "party_not_found"
	case errors.Is(err, billing.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, billing.ErrAdapterFailure):
		return "billing_unavailable"
	case errors.Is(err, call.ErrCallNotFound):
		return "call_not_found"
	case errors.Is(err, call.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, call.ErrNotParty):
		return "not_party"
	case errors.Is(err, call.ErrSelfCall):
		return "self_call"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, messaging.ErrInvalidMessage):
		return "invalid_message"
	default:
		return "internal"
	}
}

// Metrics counts inbound events by type and result.
type Metrics struct {
	Events *prometheus.CounterVec
}

// NewMetrics creates and registers hub metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discreet",
			Subsystem: "gateway",
			Name:      "inbound_events_total",
			Help:      "Inbound WebSocket events by type and result.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(m.Events)
	return m
}

func (m *Metrics) observe(t protocol.MessageType, result string) {
	if m == nil {
		return
	}
	if result == "unknown" {
		t = "unknown"
	}
	m.Events.WithLabelValues(string(t), result).Inc()
}
