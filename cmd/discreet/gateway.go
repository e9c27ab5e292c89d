package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/gateway"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/gateway/httpapi"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/gateway/ws"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ratelimit"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/sweeper"
)

var (
	gatewayConfigPath string
	gatewayPort       string
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the WebSocket gateway and operator HTTP API",
	RunE:  runGateway,
}

func init() {
	// Register flags on both root and gateway so that
	// `discreet --config path` and `discreet gateway --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, gatewayCmd} {
		cmd.Flags().StringVar(&gatewayConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&gatewayPort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runGateway starts the gateways and the call sweeper and blocks until a
// shutdown signal or the first gateway failure.
func runGateway(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("DISCREET_CONFIG", gatewayConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	// Apply CLI overrides.
	if gatewayPort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = gatewayPort
	}

	logger.Info("starting gateway",
		slog.String("config", gatewayConfigPath),
		slog.String("version", version),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := initComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Cleanup()

	var apiLimiter *ratelimit.Limiter
	if cfg.Gateways.HTTP != nil {
		apiLimiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateways.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Gateways.HTTP.RateLimit.BurstSize,
		})
	}

	// Orphaned call sweeper.
	if cfg.Sweeper != nil && cfg.Sweeper.Enabled {
		sw := sweeper.New(comps.Calls, comps.Registry, sweeper.NewMetrics(comps.Obs.Registry()), logger, cfg.Sweeper).
			WithLimiters(comps.MessageLimiter, apiLimiter)
		stopSweeper, err := sw.Start(ctx)
		if err != nil {
			return err
		}
		defer stopSweeper()
	}

	gateways, wsServer := buildGateways(cfg, comps, apiLimiter)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if wsServer != nil {
		wsServer.CloseAll()
	}
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways creates the enabled gateways. The WebSocket endpoint is
// mounted on the HTTP gateway when both are enabled, otherwise it gets a
// standalone listener. An absent websocket section means enabled with
// defaults.
func buildGateways(cfg *config.Config, comps *Components, apiLimiter *ratelimit.Limiter) ([]gateway.Gateway, *ws.Server) {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways
	logger := comps.Logger

	if gwCfg.WebSocket == nil {
		gwCfg.WebSocket = &config.WebSocketGatewayConfig{Enabled: true}
	}

	var wsServer *ws.Server
	if gwCfg.WebSocket != nil && gwCfg.WebSocket.Enabled {
		wsServer = ws.NewServer(comps.Hub, gwCfg.WebSocket, logger).WithResolver(comps.Directory)
		logger.Debug("websocket server initialized",
			slog.String("path", gwCfg.WebSocket.WSPath()),
			slog.Int("tokens", len(gwCfg.WebSocket.Tokens)),
			slog.Bool("allow_query_user", gwCfg.WebSocket.AllowQueryUser),
		)
	}

	var (
		httpGW   *httpapi.Gateway
		httpAddr string
	)
	if gwCfg.HTTP != nil && gwCfg.HTTP.Enabled {
		httpCfg := httpapi.Config{
			ListenAddr:     gwCfg.HTTP.ListenAddr,
			EnableDocs:     gwCfg.HTTP.EnableDocs,
			APIKeys:        gwCfg.HTTP.APIKeyUserMapping,
			MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
			Currency:       cfg.Billing.BillingCurrency(),
			HealthChecker:  comps.Health,
		}
		if httpCfg.ListenAddr == "" {
			httpCfg.ListenAddr = ":8080"
		}
		httpAddr = httpCfg.ListenAddr
		if obs := comps.Obs; obs != nil {
			if obs.Metrics != nil {
				httpCfg.MetricsRegistry = obs.Metrics.Registry
				httpCfg.Metrics = obs.Metrics
				if cfg.Observability.Metrics != nil {
					httpCfg.MetricsPath = cfg.Observability.Metrics.Path
				}
			}
			if obs.Tracer != nil {
				httpCfg.Tracer = obs.Tracer.Tracer()
			}
		}
		httpGW = httpapi.NewGateway(httpCfg, comps.Registry, comps.Calls, apiLimiter, logger).
			WithWallets(comps.Wallets)
	}

	if wsServer != nil {
		wsPath := gwCfg.WebSocket.WSPath()
		if httpGW != nil {
			httpGW.WithHandler(wsPath, wsServer.Handler())
			logger.Debug("websocket endpoint mounted on http gateway",
				slog.String("path", wsPath),
			)
		} else {
			addr := gwCfg.WebSocket.ListenAddr
			if addr == "" {
				addr = ":8081"
			}
			gws = append(gws, ws.NewStandaloneGateway(wsServer, addr, wsPath, logger))
			logger.Debug("gateway enabled",
				slog.String("type", "websocket"),
				slog.String("addr", addr),
				slog.String("path", wsPath),
			)
		}
	}

	if httpGW != nil {
		gws = append(gws, httpGW)
		logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", httpAddr),
			slog.Bool("docs", gwCfg.HTTP.EnableDocs),
			slog.Bool("websocket", wsServer != nil),
		)
	}

	return gws, wsServer
}
