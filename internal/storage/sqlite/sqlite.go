// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - A single connection serializes transactions in place of SELECT FOR UPDATE
//   - ":memory:" opens a private in-process database
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/messaging"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/storage"
	pgstore "github.com/discreetgg/discreet-upgraded-sub001/internal/storage/postgres"
)

// MemoryPath opens an in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path, or MemoryPath.
	JournalMode string // WAL mode by default.
	Currency    string // Currency of wallets created by the store.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db       *gorm.DB
	logger   *slog.Logger
	path     string
	currency string

	// Sub-store instances (created lazily on first access).
	mu       sync.Mutex
	users    directory.Store
	wallets  billing.Store
	calls    call.LedgerStore
	messages messaging.Store
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := cfg.Path
	if cfg.Path == MemoryPath {
		journalMode = "memory"
	} else {
		// Ensure parent directory exists.
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}
	dsn = fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dsn, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		logger:   slogger,
		path:     cfg.Path,
		currency: cfg.Currency,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate with the PostgreSQL backend's models.
func (s *Store) Migrate(_ context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// All sub-stores reuse the PostgreSQL repositories. GORM's SQLite dialect
// handles the SQL differences and drops row locking clauses.

func (s *Store) Users() directory.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = pgstore.NewUserRepository(s.db)
	}
	return s.users
}

func (s *Store) Wallets() billing.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallets == nil {
		s.wallets = pgstore.NewWalletRepository(s.db, s.currency)
	}
	return s.wallets
}

func (s *Store) Calls() call.LedgerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = pgstore.NewCallRepository(s.db)
	}
	return s.calls
}

func (s *Store) Messages() messaging.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = pgstore.NewMessageRepository(s.db)
	}
	return s.messages
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
