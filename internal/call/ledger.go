package call

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LedgerStore persists call records.
type LedgerStore interface {
	// Save inserts or replaces the record with s.ID.
	Save(ctx context.Context, s *Session) error
	// FindByID returns ErrCallNotFound for unknown IDs.
	FindByID(ctx context.Context, id string) (*Session, error)
	// ListOpen returns non-terminal records last updated before cutoff.
	ListOpen(ctx context.Context, updatedBefore time.Time) ([]*Session, error)
}

// MemoryLedger is an in-process LedgerStore.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*Session
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Session)}
}

func (l *MemoryLedger) Save(_ context.Context, s *Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[s.ID] = s.clone()
	return nil
}

func (l *MemoryLedger) FindByID(_ context.Context, id string) (*Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	return s.clone(), nil
}

func (l *MemoryLedger) ListOpen(_ context.Context, updatedBefore time.Time) ([]*Session, error) {
	l.mu.RLock()
	var out []*Session
	for _, s := range l.records {
		if !s.State.Terminal() && s.UpdatedAt.Before(updatedBefore) {
			out = append(out, s.clone())
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
