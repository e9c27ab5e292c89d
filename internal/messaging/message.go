// Package messaging routes chat messages between users and tracks their
// delivery and read acknowledgements.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
)

var (
	// ErrPartyNotFound is returned when the sender or recipient is unknown.
	ErrPartyNotFound = directory.ErrUserNotFound
	// ErrMessageNotFound is returned for unknown message IDs.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidMessage is returned for empty or oversized text.
	ErrInvalidMessage = errors.New("invalid message")
)

// Status is a message's delivery state. It only moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// After reports whether s is strictly later than other.
func (s Status) After(other Status) bool { return s.rank() > other.rank() }

// Message is a chat message between two users.
type Message struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Text        string     `json:"text"`
	CallID      string     `json:"call_id,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Store persists messages.
type Store interface {
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// AdvanceStatus moves a message to status to if that is later than its
	// current status. changed is false when the update was a regression or
	// repeat.
	AdvanceStatus(ctx context.Context, id string, to Status, at time.Time) (m *Message, changed bool, err error)
}

// Advance applies a forward-only status change to m in place.
func Advance(m *Message, to Status, at time.Time) bool {
	if !to.After(m.Status) {
		return false
	}
	if m.DeliveredAt == nil {
		t := at
		m.DeliveredAt = &t
	}
	if to == StatusRead {
		t := at
		m.ReadAt = &t
	}
	m.Status = to
	m.UpdatedAt = at
	return true
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, id string, to Status, at time.Time) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	changed := Advance(m, to, at)
	cp := *m
	return &cp, changed, nil
}
