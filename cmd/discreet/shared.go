package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/hub"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/messaging"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/observability"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/presence"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ratelimit"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/signaling"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/storage"
	pgstore "github.com/discreetgg/discreet-upgraded-sub001/internal/storage/postgres"
	sqlitestore "github.com/discreetgg/discreet-upgraded-sub001/internal/storage/sqlite"
)

// Components holds the initialized subsystems. Built once by
// initComponents, torn down by Cleanup.
type Components struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite or PostgreSQL).

	Obs       *observability.Observability // nil = observability disabled.
	Health    *observability.HealthChecker
	Wallets   billing.Wallets
	Billing   billing.Adapter
	Directory *directory.Directory
	Registry  *presence.Registry
	Calls     *call.Manager
	Hub       *hub.Hub

	// MessageLimiter throttles message.send per user; pruned by the sweeper.
	MessageLimiter *ratelimit.Limiter

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Log.SlogLevel()
	if logLevel != "" {
		level = config.LogConfig{Level: logLevel}.SlogLevel()
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// initComponents builds storage, billing, presence, messaging and calls.
// Callers must call Cleanup when done.
func initComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	c.Health = observability.NewHealthChecker(logger)
	if obs != nil {
		c.Health = obs.Health
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}
	reg := obs.Registry()

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(ctx); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if cfg.Observability == nil || cfg.Observability.Health == nil || cfg.Observability.Health.IncludeDB {
		c.Health.AddCheck("database", store.Ping)
	}

	// Billing.
	currency := cfg.Billing.BillingCurrency()
	switch cfg.Billing.BillingBackend() {
	case "memory":
		ledger := billing.NewLedger(currency, logger)
		c.Wallets, c.Billing = ledger, ledger
	default:
		ledger := billing.NewStoreLedger(store.Wallets(), currency, logger)
		c.Wallets, c.Billing = ledger, ledger
	}
	if obs != nil {
		c.Billing = observability.NewInstrumentedBilling(c.Billing, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	logger.Debug("billing initialized",
		slog.String("backend", cfg.Billing.BillingBackend()),
		slog.String("currency", currency),
	)

	// Directory.
	defaultRate := billing.NewMoney(cfg.Billing.RatePerMinute(), currency)
	c.Directory = directory.New(store.Users(), c.Wallets, directory.Options{
		AutoRegister:   cfg.Directory.AutoRegister,
		DefaultRate:    defaultRate,
		InitialBalance: billing.NewMoney(cfg.Billing.InitialBalance, currency),
	}, logger)
	if err := seedDirectory(ctx, c.Directory, cfg, defaultRate); err != nil {
		c.Cleanup()
		return nil, err
	}

	// Presence, messaging, signaling, calls.
	c.Registry = presence.NewRegistry(presence.NewMetrics(reg), logger)

	c.Calls = call.NewManager(c.Billing, store.Calls(), c.Directory, c.Registry, call.NewMetrics(reg), logger, call.Config{
		WaitroomTimeout: cfg.Calls.WaitroomTimeout(),
		BillingInterval: cfg.Calls.BillingInterval(),
		MinimumMinutes:  cfg.Calls.MinimumMinutes(),
		DisconnectGrace: cfg.Calls.DisconnectGrace(),
	}).WithPresence(c.Registry)

	c.MessageLimiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Messaging.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Messaging.RateLimit.BurstSize,
	})
	router := messaging.NewRouter(
		store.Messages(),
		c.Directory,
		c.Registry,
		c.MessageLimiter,
		cfg.Messaging.TextLimit(),
		messaging.NewMetrics(reg),
		logger,
	)

	c.Hub = hub.New(
		c.Registry,
		presence.NewBroadcaster(c.Registry, logger),
		router,
		signaling.NewRelay(c.Registry, signaling.NewMetrics(reg), logger),
		c.Calls,
		hub.NewMetrics(reg),
		logger,
	)

	return c, nil
}

// seedDirectory upserts configured users and funds new wallets.
func seedDirectory(ctx context.Context, d *directory.Directory, cfg *config.Config, defaultRate billing.Money) error {
	if len(cfg.Directory.Users) == 0 {
		return nil
	}
	users := make([]directory.User, 0, len(cfg.Directory.Users))
	balances := make(map[string]billing.Money, len(cfg.Directory.Users))
	for _, u := range cfg.Directory.Users {
		rate := defaultRate
		if u.RatePerMinute > 0 {
			rate = billing.NewMoney(u.RatePerMinute, defaultRate.Currency)
		}
		users = append(users, directory.User{
			ID:            u.ID,
			DisplayName:   u.DisplayName,
			RatePerMinute: rate,
		})
		if u.Balance > 0 {
			balances[u.ID] = billing.NewMoney(u.Balance, defaultRate.Currency)
		}
	}
	if err := d.Seed(ctx, users, balances); err != nil {
		return fmt.Errorf("seeding directory: %w", err)
	}
	return nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
		Currency:    cfg.Billing.BillingCurrency(),
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or DISCREET_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB, cfg.Billing.BillingCurrency()), nil
}
