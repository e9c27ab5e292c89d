// Package ws implements the client-facing WebSocket server. Each accepted
// socket is authenticated to a user, registered with the hub, and served
// by a read loop plus a writer goroutine that drains the connection's
// send queue and emits heartbeats.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ids"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/presence"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
)

var errUnauthorized = errors.New("unauthorized")

// Hub receives connection lifecycle and inbound envelopes.
type Hub interface {
	Connect(ctx context.Context, c presence.Conn)
	Disconnect(ctx context.Context, c presence.Conn)
	Handle(ctx context.Context, c presence.Conn, env *protocol.Envelope)
}

// Server upgrades HTTP requests to WebSocket connections.
type Server struct {
	hub      Hub
	resolver directory.Resolver
	cfg      *config.WebSocketGatewayConfig
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer creates a WebSocket server. A nil cfg uses defaults with no
// token map.
func NewServer(hub Hub, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = &config.WebSocketGatewayConfig{}
	}
	return &Server{
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// WithResolver rejects connections whose user the resolver does not know.
// With auto-registration enabled on the directory, the first connection
// creates the user.
func (s *Server) WithResolver(r directory.Resolver) *Server {
	s.resolver = r
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// ConnectionCount returns the number of open sockets.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll closes every open socket with StatusGoingAway. Hijacked
// connections are not closed by http.Server.Shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.markClosed()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.resolver != nil {
		if _, err := s.resolver.Lookup(r.Context(), userID); err != nil {
			if errors.Is(err, directory.ErrUserNotFound) {
				http.Error(w, "unknown user", http.StatusForbidden)
				return
			}
			s.logger.Error("resolving websocket user",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	wsConn.SetReadLimit(s.cfg.WSMaxMessageBytes())

	c := newConn(ids.New(ids.Connection), userID, wsConn, s.cfg.WSSendQueueSize())
	s.serve(r.Context(), c)
}

// authenticate resolves the connecting user. A presented token must be in
// the token map; otherwise the identity header set by the upstream proxy is
// trusted, then the userId query parameter when explicitly allowed.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token != "" && len(s.cfg.Tokens) > 0 {
		if userID, ok := s.cfg.Tokens[token]; ok {
			return userID, nil
		}
		return "", errUnauthorized
	}

	if userID := r.Header.Get(s.cfg.WSUserHeader()); userID != "" {
		return userID, nil
	}
	if s.cfg.AllowQueryUser {
		if userID := r.URL.Query().Get("userId"); userID != "" {
			return userID, nil
		}
	}
	return "", errUnauthorized
}

func (s *Server) serve(ctx context.Context, c *Conn) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, c)
		// A failed write ends the read loop too.
		cancel()
	}()

	s.logger.Debug("websocket connected",
		slog.String("user_id", c.userID),
		slog.String("conn_id", c.id),
	)
	s.hub.Connect(ctx, c)

	err := s.readLoop(ctx, c)

	c.markClosed()
	s.hub.Disconnect(context.WithoutCancel(ctx), c)
	cancel()
	<-writerDone

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		s.logger.Debug("websocket disconnected",
			slog.String("user_id", c.userID),
			slog.String("conn_id", c.id),
		)
		_ = c.ws.CloseNow()
	case errors.Is(err, websocket.ErrMessageTooBig):
		s.logger.Warn("websocket message too big",
			slog.String("user_id", c.userID),
			slog.String("conn_id", c.id),
		)
		_ = c.ws.CloseNow()
	default:
		s.logger.Debug("websocket connection error",
			slog.String("user_id", c.userID),
			slog.String("conn_id", c.id),
			slog.String("error", err.Error()),
		)
		_ = c.ws.Close(websocket.StatusInternalError, "connection error")
	}
}

func (s *Server) readLoop(ctx context.Context, c *Conn) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.malformed(c, err)
			continue
		}
		if env.Type == "" {
			s.malformed(c, errors.New("missing type"))
			continue
		}
		s.hub.Handle(ctx, c, &env)
	}
}

func (s *Server) malformed(c *Conn, err error) {
	env, encErr := protocol.NewEnvelope(protocol.EvtError, protocol.ErrorPayload{
		Code:    "malformed",
		Message: fmt.Sprintf("malformed envelope: %s", err),
	})
	if encErr != nil {
		return
	}
	if err := c.Send(env); err != nil {
		s.logger.Debug("error reply dropped",
			slog.String("conn_id", c.id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) writeLoop(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case env := <-c.queue:
			if err := s.write(ctx, c, env); err != nil {
				s.logger.Debug("websocket write failed",
					slog.String("conn_id", c.id),
					slog.String("type", string(env.Type)),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.EvtPing, nil)
			if err := s.write(ctx, c, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("conn_id", c.id),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WSWriteTimeout())
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
