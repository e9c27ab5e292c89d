package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/presence"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
)

// ErrConnClosed is returned by Conn.Send after the connection has closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is one authenticated client socket. Outbound envelopes are queued by
// Send and written by the connection's writer goroutine.
type Conn struct {
	id       string
	userID   string
	ws       *websocket.Conn
	queue    chan *protocol.Envelope
	done     chan struct{}
	once     sync.Once
	openedAt time.Time
}

var _ presence.Conn = (*Conn)(nil)

func newConn(id, userID string, ws *websocket.Conn, queueSize int) *Conn {
	return &Conn{
		id:       id,
		userID:   userID,
		ws:       ws,
		queue:    make(chan *protocol.Envelope, queueSize),
		done:     make(chan struct{}),
		openedAt: time.Now().UTC(),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Conn) UserID() string { return c.userID }

// OpenedAt returns when the socket was accepted.
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// Send queues env without blocking. It returns presence.ErrSendQueueFull
// when the client is not draining its socket fast enough.
func (c *Conn) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.queue <- env:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return presence.ErrSendQueueFull
	}
}

func (c *Conn) markClosed() {
	c.once.Do(func() { close(c.done) })
}
