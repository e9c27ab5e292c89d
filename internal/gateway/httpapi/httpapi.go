// Package httpapi implements the operator HTTP API.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Per-operator rate limiting via token bucket
//   - Health, readiness and metrics endpoints are unauthenticated
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/observability"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/presence"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → operator ID.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	Currency       string            // Currency of wallet deposits.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// PresenceSource reports who is online.
type PresenceSource interface {
	Presence() []presence.UserPresence
	Count() int
}

// CallService reads and ends call sessions.
type CallService interface {
	Get(ctx context.Context, callID string) (*call.Session, error)
	Active() []*call.Session
	End(ctx context.Context, callID string, reason call.Reason, explicitMinutes *int) (*call.Outcome, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	presence PresenceSource
	calls    CallService
	wallets  billing.Wallets // nil = wallet endpoints disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, p PresenceSource, calls CallService, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		presence: p,
		calls:    calls,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithWallets enables the wallet endpoints.
func (g *Gateway) WithWallets(w billing.Wallets) *Gateway {
	g.wallets = w
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Discreet Gateway",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used to serve the WebSocket endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Get("/presence", g.handlePresence,
		okapi.DocSummary("List online users"),
		okapi.DocTags("Presence"),
		okapi.DocResponse(PresenceResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/calls", g.handleCallList,
		okapi.DocSummary("List calls that have not ended"),
		okapi.DocTags("Calls"),
		okapi.DocResponse([]call.Session{}),
	)
	g.group.Get("/calls/{id}", g.handleCallGet,
		okapi.DocSummary("Get a call session"),
		okapi.DocTags("Calls"),
		okapi.DocPathParam("id", "string", "Call ID"),
		okapi.DocResponse(call.Session{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/calls/{id}/end", g.handleCallEnd,
		okapi.DocSummary("End a call and settle it"),
		okapi.DocTags("Calls"),
		okapi.DocPathParam("id", "string", "Call ID"),
		okapi.DocRequestBody(EndCallRequest{}),
		okapi.DocResponse(EndCallResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Wallet endpoints (only if a wallet-capable billing backend is configured).
	if g.wallets != nil {
		g.group.Get("/wallets/{id}", g.handleWalletGet,
			okapi.DocSummary("Get a user's wallet"),
			okapi.DocTags("Wallets"),
			okapi.DocPathParam("id", "string", "User ID"),
			okapi.DocResponse(WalletResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/wallets/{id}/deposit", g.handleWalletDeposit,
			okapi.DocSummary("Credit a user's wallet"),
			okapi.DocTags("Wallets"),
			okapi.DocPathParam("id", "string", "User ID"),
			okapi.DocRequestBody(DepositRequest{}),
			okapi.DocResponse(WalletResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., WebSocket endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	// No WriteTimeout: upgraded WebSocket connections share this server.
	server := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(server)
}

// --- Handlers ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// PresenceResponse is the JSON response for GET /v1/presence.
type PresenceResponse struct {
	Online      []presence.UserPresence `json:"online"`
	Users       int                     `json:"users"`
	Connections int                     `json:"connections"`
}

func (g *Gateway) handlePresence(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	online := g.presence.Presence()
	return c.OK(PresenceResponse{
		Online:      online,
		Users:       len(online),
		Connections: g.presence.Count(),
	})
}

func (g *Gateway) handleCallList(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	return c.OK(g.calls.Active())
}

func (g *Gateway) handleCallGet(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	s, err := g.calls.Get(c.Context(), c.Param("id"))
	if err != nil {
		return g.callError(c, err)
	}
	return c.OK(s)
}

// EndCallRequest is the JSON body for POST /v1/calls/{id}/end.
type EndCallRequest struct {
	// Minutes overrides the billed duration. Omit to bill elapsed time.
	Minutes *int `json:"minutes,omitempty"`
}

// EndCallResponse is the JSON response for POST /v1/calls/{id}/end.
type EndCallResponse struct {
	Call *call.Session `json:"call"`
	// AlreadyEnded is set when the call had ended before this request.
	AlreadyEnded bool `json:"already_ended"`
}

func (g *Gateway) handleCallEnd(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req EndCallRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Minutes != nil && *req.Minutes < 0 {
		return c.AbortBadRequest("minutes must not be negative")
	}

	callID := c.Param("id")
	out, err := g.calls.End(c.Context(), callID, call.ReasonEnded, req.Minutes)
	if err != nil {
		return g.callError(c, err)
	}

	g.logger.Info("call ended by operator",
		slog.String("operator_id", c.GetString("operatorID")),
		slog.String("call_id", callID),
		slog.Bool("already_ended", out.Repeated),
	)
	return c.OK(EndCallResponse{Call: out.Session, AlreadyEnded: out.Repeated})
}

// WalletResponse is the JSON response for wallet endpoints.
type WalletResponse struct {
	UserID    string        `json:"user_id"`
	Balance   billing.Money `json:"balance"`
	Held      billing.Money `json:"held"`
	Available billing.Money `json:"available"`
}

func toWalletResponse(w billing.Wallet) WalletResponse {
	return WalletResponse{
		UserID:    w.UserID,
		Balance:   w.Balance,
		Held:      w.Held,
		Available: w.Available(),
	}
}

func (g *Gateway) handleWalletGet(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	w, err := g.wallets.Wallet(c.Context(), c.Param("id"))
	if err != nil {
		return g.walletError(c, err)
	}
	return c.OK(toWalletResponse(w))
}

// DepositRequest is the JSON body for POST /v1/wallets/{id}/deposit.
type DepositRequest struct {
	Amount int64 `json:"amount"` // Minor units.
}

func (g *Gateway) handleWalletDeposit(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req DepositRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Amount <= 0 {
		return c.AbortBadRequest("amount must be positive")
	}

	userID := c.Param("id")
	if err := g.wallets.Deposit(c.Context(), userID, billing.NewMoney(req.Amount, g.config.Currency)); err != nil {
		return g.walletError(c, err)
	}
	w, err := g.wallets.Wallet(c.Context(), userID)
	if err != nil {
		return g.walletError(c, err)
	}

	g.logger.Info("wallet credited",
		slog.String("operator_id", c.GetString("operatorID")),
		slog.String("user_id", userID),
		slog.Int64("amount", req.Amount),
	)
	return c.OK(toWalletResponse(w))
}

// authenticate validates the API key and stores the mapped operator ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		operatorID, ok := g.operatorFor(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("operatorID", operatorID)
		return next(c)
	}
}

// operatorFor maps an Authorization header to an operator ID.
func (g *Gateway) operatorFor(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	operatorID := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			operatorID = id
		}
	}
	return operatorID, operatorID != ""
}

func (g *Gateway) allow(c *okapi.Context) error {
	if err := g.limiter.Allow(c.GetString("operatorID")); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// --- Helpers ---

func (g *Gateway) callError(c *okapi.Context, err error) error {
	code, msg := callStatus(err)
	if code == http.StatusInternalServerError {
		g.logger.Error("call request failed", slog.String("error", err.Error()))
	}
	return c.JSON(code, okapi.M{"error": msg})
}

func (g *Gateway) walletError(c *okapi.Context, err error) error {
	code, msg := walletStatus(err)
	if code == http.StatusInternalServerError {
		g.logger.Error("wallet request failed", slog.String("error", err.Error()))
	}
	return c.JSON(code, okapi.M{"error": msg})
}

// callStatus maps call errors to an HTTP status and a client message.
func callStatus(err error) (int, string) {
	var ended *call.EndedError
	switch {
	case errors.Is(err, call.ErrCallNotFound):
		return http.StatusNotFound, "call not found"
	case errors.As(err, &ended):
		return http.StatusConflict, "call already ended"
	case errors.Is(err, call.ErrInvalidTransition):
		return http.StatusConflict, "invalid call state"
	case errors.Is(err, billing.ErrAdapterFailure):
		return http.StatusServiceUnavailable, "billing unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// walletStatus maps billing errors to an HTTP status and a client message.
func walletStatus(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrWalletNotFound):
		return http.StatusNotFound, "wallet not found"
	case errors.Is(err, billing.ErrCurrencyMismatch):
		return http.StatusBadRequest, "currency mismatch"
	case errors.Is(err, billing.ErrAdapterFailure):
		return http.StatusServiceUnavailable, "billing unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
