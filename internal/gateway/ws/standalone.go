package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// StandaloneGateway serves the WebSocket endpoint on its own listener when
// the HTTP API gateway is disabled.
type StandaloneGateway struct {
	server     *Server
	addr       string
	path       string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewStandaloneGateway creates a gateway serving server at addr and path.
func NewStandaloneGateway(server *Server, addr, path string, logger *slog.Logger) *StandaloneGateway {
	return &StandaloneGateway{
		server: server,
		addr:   addr,
		path:   path,
		logger: logger,
	}
}

// Start listens until Stop is called.
func (g *StandaloneGateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(g.path, g.server.Handler())

	g.httpServer = &http.Server{
		Addr:              g.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("standalone websocket gateway starting",
		slog.String("addr", g.addr),
		slog.String("path", g.path),
	)
	if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket gateway: %w", err)
	}
	return nil
}

// Stop shuts the listener down and closes open sockets.
func (g *StandaloneGateway) Stop(ctx context.Context) error {
	g.server.CloseAll()
	if g.httpServer != nil {
		return g.httpServer.Shutdown(ctx)
	}
	return nil
}
