// Package directory resolves user IDs to known users and their call rates.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
)

// ErrUserNotFound is returned when a user ID is not known.
var ErrUserNotFound = errors.New("user not found")

// User is a party that can send messages and place or receive calls.
type User struct {
	ID            string        `json:"id"`
	DisplayName   string        `json:"display_name,omitempty"`
	RatePerMinute billing.Money `json:"rate_per_minute"` // Charged to callers of this user.
	CreatedAt     time.Time     `json:"created_at"`
}

// Resolver looks users up by ID.
type Resolver interface {
	Lookup(ctx context.Context, id string) (*User, error)
}

// Store persists users.
type Store interface {
	GetUser(ctx context.Context, id string) (*User, error)
	SaveUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context) ([]*User, error)
}

// Options controls Directory behaviour.
type Options struct {
	// AutoRegister creates unknown users on first lookup with DefaultRate.
	AutoRegister bool
	DefaultRate  billing.Money
	// InitialBalance is deposited into auto-registered users' wallets.
	InitialBalance billing.Money
}

// Directory is a Resolver over a Store.
type Directory struct {
	store   Store
	wallets billing.Wallets // nil disables initial deposits
	opts    Options
	logger  *slog.Logger
}

// New creates a Directory.
func New(store Store, wallets billing.Wallets, opts Options, logger *slog.Logger) *Directory {
	return &Directory{store: store, wallets: wallets, opts: opts, logger: logger}
}

// Lookup returns the user with the given ID. Unknown IDs yield
// ErrUserNotFound unless auto-registration is enabled.
func (d *Directory) Lookup(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUserNotFound)
	}
	u, err := d.store.GetUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) || !d.opts.AutoRegister {
		return nil, err
	}

	u = &User{ID: id, RatePerMinute: d.opts.DefaultRate, CreatedAt: time.Now().UTC()}
	if err := d.store.SaveUser(ctx, u); err != nil {
		return nil, fmt.Errorf("registering user %q: %w", id, err)
	}
	if d.wallets != nil && d.opts.InitialBalance.Amount > 0 {
		if err := d.wallets.Deposit(ctx, id, d.opts.InitialBalance); err != nil {
			return nil, fmt.Errorf("funding user %q: %w", id, err)
		}
	}
	d.logger.Info("user auto-registered", slog.String("user_id", id))
	return u, nil
}

// Seed upserts users and, when balance is positive, deposits it into their
// wallet. Deposits are only made for users not already present.
func (d *Directory) Seed(ctx context.Context, users []User, balances map[string]billing.Money) error {
	for i := range users {
		u := users[i]
		_, err := d.store.GetUser(ctx, u.ID)
		existed := err == nil
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			return fmt.Errorf("looking up user %q: %w", u.ID, err)
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
		if err := d.store.SaveUser(ctx, &u); err != nil {
			return fmt.Errorf("saving user %q: %w", u.ID, err)
		}
		if existed || d.wallets == nil {
			continue
		}
		if b, ok := balances[u.ID]; ok && b.Amount > 0 {
			if err := d.wallets.Deposit(ctx, u.ID, b); err != nil {
				return fmt.Errorf("funding user %q: %w", u.ID, err)
			}
		}
	}
	return nil
}

// List returns all known users.
func (d *Directory) List(ctx context.Context) ([]*User, error) {
	return d.store.ListUsers(ctx)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore creates a MemoryStore holding users.
func NewMemoryStore(users ...User) *MemoryStore {
	s := &MemoryStore{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return &u, nil
}

func (s *MemoryStore) SaveUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		u := u
		out = append(out, &u)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
