// Package presence tracks which users are reachable over a live connection
// and announces online/offline transitions.
//
// A user is online iff at least one of their connections is registered.
// Register and Unregister report the empty→non-empty and non-empty→empty
// crossings under the registry write lock, so concurrent connects and
// disconnects of the same user produce exactly one event per crossing.
package presence

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
)

// ErrSendQueueFull is returned by Conn.Send when the connection cannot accept
// more outbound messages without blocking.
var ErrSendQueueFull = errors.New("send queue full")

// Conn is a live client connection. Send must not block on network I/O;
// implementations queue the envelope and write it from their own goroutine.
type Conn interface {
	ID() string
	UserID() string
	Send(env *protocol.Envelope) error
}

// Connection is a registered Conn with its open timestamp.
type Connection struct {
	Conn     Conn
	OpenedAt time.Time
}

// UserPresence summarises one online user.
type UserPresence struct {
	UserID      string    `json:"user_id"`
	Connections int       `json:"connections"`
	Since       time.Time `json:"since"` // Open time of the oldest live connection.
}

// Registry maps user IDs to their live connections.
type Registry struct {
	mu      sync.RWMutex
	users   map[string]map[string]*Connection
	conns   int
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		users:   make(map[string]map[string]*Connection),
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds c to userID's presence set. Returns true when the user
// transitioned from offline to online. Registering the same connection
// twice is a no-op.
func (r *Registry) Register(userID string, c Conn) (becameOnline bool) {
	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]*Connection, 1)
		r.users[userID] = set
	}
	if _, dup := set[c.ID()]; dup {
		r.mu.Unlock()
		return false
	}
	set[c.ID()] = &Connection{Conn: c, OpenedAt: r.now()}
	r.conns++
	becameOnline = len(set) == 1
	conns, online := r.conns, len(r.users)
	r.mu.Unlock()

	r.metrics.observe(conns, online)
	if becameOnline {
		r.metrics.transition("online")
	}
	r.logger.Debug("connection registered",
		slog.String("user_id", userID),
		slog.String("conn_id", c.ID()),
		slog.Bool("became_online", becameOnline),
	)
	return becameOnline
}

// Unregister removes c from userID's presence set. Returns true when the
// user's last connection was removed. Unknown connections are ignored.
func (r *Registry) Unregister(userID string, c Conn) (becameOffline bool) {
	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := set[c.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, c.ID())
	r.conns--
	if len(set) == 0 {
		delete(r.users, userID)
		becameOffline = true
	}
	conns, online := r.conns, len(r.users)
	r.mu.Unlock()

	r.metrics.observe(conns, online)
	if becameOffline {
		r.metrics.transition("offline")
	}
	r.logger.Debug("connection unregistered",
		slog.String("user_id", userID),
		slog.String("conn_id", c.ID()),
		slog.Bool("became_offline", becameOffline),
	)
	return becameOffline
}

// ConnectionsFor returns a snapshot of userID's live connections.
// An empty result means the user is unreachable.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c.Conn)
	}
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineUsers returns the sorted IDs of all online users.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Presence returns a per-user summary sorted by user ID.
func (r *Registry) Presence() []UserPresence {
	r.mu.RLock()
	out := make([]UserPresence, 0, len(r.users))
	for id, set := range r.users {
		p := UserPresence{UserID: id, Connections: len(set)}
		for _, c := range set {
			if p.Since.IsZero() || c.OpenedAt.Before(p.Since) {
				p.Since = c.OpenedAt
			}
		}
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, r.conns)
	for _, set := range r.users {
		for _, c := range set {
			out = append(out, c.Conn)
		}
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns
}

// SendToUser delivers env to every connection of userID and returns the
// number of connections that accepted it. Delivery is best effort.
func (r *Registry) SendToUser(userID string, env *protocol.Envelope) int {
	return r.deliver(r.ConnectionsFor(userID), env)
}

// Broadcast delivers env to every live connection.
func (r *Registry) Broadcast(env *protocol.Envelope) int {
	return r.deliver(r.All(), env)
}

func (r *Registry) deliver(conns []Conn, env *protocol.Envelope) int {
	delivered := 0
	for _, c := range conns {
		if err := c.Send(env); err != nil {
			r.metrics.sendFailed()
			r.logger.Warn("dropping outbound event",
				slog.String("conn_id", c.ID()),
				slog.String("user_id", c.UserID()),
				slog.String("type", string(env.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}
	return delivered
}
