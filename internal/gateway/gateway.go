// Package gateway defines the interface for network entry points.
package gateway

import "context"

// Gateway is a network entry point (HTTP API, standalone WebSocket).
type Gateway interface {
	// Start launches the gateway's listener and blocks until the gateway
	// exits. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}
