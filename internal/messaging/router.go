package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ids"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ratelimit"
)

// Notifier delivers events to every live connection of a user.
type Notifier interface {
	SendToUser(userID string, env *protocol.Envelope) int
}

// Router creates messages, fans them out to recipients and relays status
// acknowledgements back to senders.
type Router struct {
	store     Store
	users     directory.Resolver
	notifier  Notifier
	limiter   *ratelimit.Limiter
	textLimit int
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewRouter creates a Router. limiter and metrics may be nil.
func NewRouter(
	store Store,
	users directory.Resolver,
	notifier Notifier,
	limiter *ratelimit.Limiter,
	textLimit int,
	metrics *Metrics,
	logger *slog.Logger,
) *Router {
	return &Router{
		store:     store,
		users:     users,
		notifier:  notifier,
		limiter:   limiter,
		textLimit: textLimit,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send stores a new message in status sent and pushes message:new to the
// recipient's connections. The caller acknowledges the sender.
func (r *Router) Send(ctx context.Context, senderID, recipientID, text, callID string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	if r.textLimit > 0 && utf8.RuneCountInString(text) > r.textLimit {
		return nil, fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, r.textLimit)
	}
	if err := r.limiter.Allow(senderID); err != nil {
		r.metrics.rejected("rate_limited")
		return nil, err
	}
	if _, err := r.users.Lookup(ctx, senderID); err != nil {
		return nil, fmt.Errorf("sender %q: %w", senderID, err)
	}
	if _, err := r.users.Lookup(ctx, recipientID); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", recipientID, err)
	}

	now := r.now()
	msg := &Message{
		ID:          ids.New(ids.Message),
		SenderID:    senderID,
		RecipientID: recipientID,
		Text:        text,
		CallID:      callID,
		Status:      StatusSent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}

	env, err := protocol.NewEnvelope(protocol.EvtMessageNew, ToPayload(msg))
	if err != nil {
		return nil, err
	}
	delivered := r.notifier.SendToUser(recipientID, env)
	r.metrics.routed(delivered > 0)

	r.logger.Debug("message routed",
		slog.String("message_id", msg.ID),
		slog.String("sender_id", senderID),
		slog.String("recipient_id", recipientID),
		slog.Int("connections", delivered),
	)
	return msg, nil
}

// MarkDelivered acknowledges delivery of messageIDs on behalf of userID.
func (r *Router) MarkDelivered(ctx context.Context, userID string, messageIDs []string) ([]*Message, error) {
	return r.mark(ctx, userID, messageIDs, StatusDelivered)
}

// MarkRead acknowledges reading messageIDs on behalf of userID.
func (r *Router) MarkRead(ctx context.Context, userID string, messageIDs []string) ([]*Message, error) {
	return r.mark(ctx, userID, messageIDs, StatusRead)
}

// mark advances each message userID received and emits one message:status
// to its sender per message that actually changed. Unknown messages and
// messages addressed to someone else are skipped.
func (r *Router) mark(ctx context.Context, userID string, messageIDs []string, to Status) ([]*Message, error) {
	var changed []*Message
	for _, id := range messageIDs {
		msg, err := r.store.GetMessage(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			r.logger.Debug("status update for unknown message", slog.String("message_id", id))
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("loading message %s: %w", id, err)
		}
		if msg.RecipientID != userID {
			r.logger.Warn("status update from non-recipient",
				slog.String("message_id", id),
				slog.String("user_id", userID),
			)
			continue
		}

		msg, ok, err := r.store.AdvanceStatus(ctx, id, to, r.now())
		if err != nil {
			return changed, fmt.Errorf("updating message %s: %w", id, err)
		}
		if !ok {
			continue
		}
		r.metrics.statusUpdated(to)
		changed = append(changed, msg)

		env, err := protocol.NewEnvelope(protocol.EvtMessageStatus, protocol.MessageStatusPayload{
			MessageID: msg.ID,
			Status:    string(msg.Status),
			UpdatedAt: msg.UpdatedAt,
		})
		if err != nil {
			return changed, err
		}
		r.notifier.SendToUser(msg.SenderID, env)
	}
	return changed, nil
}

// ToPayload converts a message to its wire form.
func ToPayload(m *Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Text,
		CallID:      m.CallID,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
	}
}
