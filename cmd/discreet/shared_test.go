package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/gateway/httpapi"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/gateway/ws"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ratelimit"
	sqlitestore "github.com/discreetgg/discreet-upgraded-sub001/internal/storage/sqlite"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Storage: &config.StorageConfig{
			Driver: "sqlite",
			SQLite: &config.SQLiteStorageConfig{Path: sqlitestore.MemoryPath},
		},
		Billing: config.BillingConfig{
			Backend:              backend,
			Currency:             "usd",
			DefaultRatePerMinute: 50,
		},
		Directory: config.DirectoryConfig{
			Users: []config.UserConfig{
				{ID: "alice", DisplayName: "Alice", Balance: 1000},
				{ID: "bob", RatePerMinute: 200},
			},
		},
	}
}

func testComponents(t *testing.T, cfg *config.Config) *Components {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	comps, err := initComponents(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("initComponents: %v", err)
	}
	t.Cleanup(comps.Cleanup)
	return comps
}

func TestInitComponents_SeedsDirectory(t *testing.T) {
	for _, backend := range []string{"store", "memory"} {
		t.Run(backend, func(t *testing.T) {
			comps := testComponents(t, testConfig(backend))
			ctx := context.Background()

			alice, err := comps.Directory.Lookup(ctx, "alice")
			if err != nil {
				t.Fatalf("Lookup alice: %v", err)
			}
			if alice.RatePerMinute.Amount != 50 || alice.RatePerMinute.Currency != "USD" {
				t.Errorf("alice rate = %+v, want 50 USD", alice.RatePerMinute)
			}
			bob, err := comps.Directory.Lookup(ctx, "bob")
			if err != nil {
				t.Fatalf("Lookup bob: %v", err)
			}
			if bob.RatePerMinute.Amount != 200 {
				t.Errorf("bob rate = %d, want 200", bob.RatePerMinute.Amount)
			}

			w, err := comps.Wallets.Wallet(ctx, "alice")
			if err != nil {
				t.Fatalf("Wallet: %v", err)
			}
			if w.Balance.Amount != 1000 {
				t.Errorf("alice balance = %d, want 1000", w.Balance.Amount)
			}
		})
	}
}

func TestInitComponents_DatabaseHealthCheck(t *testing.T) {
	comps := testComponents(t, testConfig("store"))

	status := comps.Health.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("ready status = %q, want ok", status.Status)
	}
	if _, ok := status.Checks["database"]; !ok {
		t.Errorf("checks = %v, want database", status.Checks)
	}
}

func TestBuildGateways(t *testing.T) {
	noLimit := ratelimit.NewLimiter(ratelimit.Config{})

	t.Run("standalone websocket", func(t *testing.T) {
		cfg := testConfig("memory")
		comps := testComponents(t, cfg)

		gws, wsServer := buildGateways(cfg, comps, noLimit)
		if wsServer == nil {
			t.Fatal("websocket server not built")
		}
		if len(gws) != 1 {
			t.Fatalf("gateways = %d, want 1", len(gws))
		}
		if _, ok := gws[0].(*ws.StandaloneGateway); !ok {
			t.Errorf("gateway = %T, want *ws.StandaloneGateway", gws[0])
		}
	})

	t.Run("websocket mounted on http", func(t *testing.T) {
		cfg := testConfig("memory")
		cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		comps := testComponents(t, cfg)

		gws, wsServer := buildGateways(cfg, comps, noLimit)
		if wsServer == nil {
			t.Fatal("websocket server not built")
		}
		if len(gws) != 1 {
			t.Fatalf("gateways = %d, want 1", len(gws))
		}
		if _, ok := gws[0].(*httpapi.Gateway); !ok {
			t.Errorf("gateway = %T, want *httpapi.Gateway", gws[0])
		}
	})

	t.Run("websocket disabled", func(t *testing.T) {
		cfg := testConfig("memory")
		cfg.Gateways.WebSocket = &config.WebSocketGatewayConfig{Enabled: false}
		comps := testComponents(t, cfg)

		gws, wsServer := buildGateways(cfg, comps, noLimit)
		if wsServer != nil || len(gws) != 0 {
			t.Errorf("got %d gateways, server %v; want none", len(gws), wsServer)
		}
	})
}
