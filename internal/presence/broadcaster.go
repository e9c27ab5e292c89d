package presence

import (
	"fmt"
	"log/slog"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
)

// Broadcaster announces presence transitions. Events go to every live
// connection in the process, not to a contact list.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger}
}

// OnPresenceChange broadcasts user:online or user:offline for userID.
func (b *Broadcaster) OnPresenceChange(userID string, online bool) {
	msgType := protocol.EvtUserOffline
	if online {
		msgType = protocol.EvtUserOnline
	}
	env, err := protocol.NewEnvelope(msgType, protocol.UserPresencePayload{UserID: userID})
	if err != nil {
		b.logger.Error("building presence event",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	n := b.registry.Broadcast(env)
	b.logger.Info("presence changed",
		slog.String("user_id", userID),
		slog.Bool("online", online),
		slog.Int("recipients", n),
	)
}

// SendSnapshot sends the current users:online list to a single connection.
func (b *Broadcaster) SendSnapshot(c Conn) error {
	env, err := protocol.NewEnvelope(protocol.EvtUsersOnline, protocol.UsersOnlinePayload{
		UserIDs: b.registry.OnlineUsers(),
	})
	if err != nil {
		b.logger.Error("building presence snapshot",
			slog.String("conn_id", c.ID()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("building presence snapshot: %w", err)
	}
	return c.Send(env)
}
