package postgres

import (
	"context"
	"sync"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/messaging"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps an open DB and lazily creates the repositories.
type Store struct {
	pgDB     *DB
	currency string

	mu       sync.Mutex
	users    directory.Store
	wallets  billing.Store
	calls    call.LedgerStore
	messages messaging.Store
}

// NewStore wraps an existing DB as a unified Store. Wallets created by the
// store are denominated in currency.
func NewStore(pgDB *DB, currency string) *Store {
	return &Store{pgDB: pgDB, currency: currency}
}

// Migrate is a no-op: Open already ran AutoMigrate.
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) Users() directory.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = NewUserRepository(s.pgDB.GormDB())
	}
	return s.users
}

func (s *Store) Wallets() billing.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallets == nil {
		s.wallets = NewWalletRepository(s.pgDB.GormDB(), s.currency)
	}
	return s.wallets
}

func (s *Store) Calls() call.LedgerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = NewCallRepository(s.pgDB.GormDB())
	}
	return s.calls
}

func (s *Store) Messages() messaging.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = NewMessageRepository(s.pgDB.GormDB())
	}
	return s.messages
}

var _ storage.Store = (*Store)(nil)
