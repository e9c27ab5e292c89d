// Package call drives the per-call state machine: fund reservation on
// initiation, a waitroom window after answer, per-minute charging while
// ongoing, and a single teardown path that settles and persists the call.
package call

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
)

var (
	// ErrCallNotFound is returned for unknown call IDs.
	ErrCallNotFound = errors.New("call not found")
	// ErrInvalidTransition is returned when an operation is not allowed in the call's state.
	ErrInvalidTransition = errors.New("invalid call state transition")
	// ErrSelfCall is returned when caller and callee are the same user.
	ErrSelfCall = errors.New("cannot call yourself")
	// ErrNotParty is returned when a user acts on a call they are not part of.
	ErrNotParty = errors.New("user is not a party to the call")
	// ErrPartyNotFound is returned when the caller or callee does not exist.
	ErrPartyNotFound = directory.ErrUserNotFound
)

// EndedError is returned by operations on a call that has already ended.
// It carries the final record.
type EndedError struct {
	Session *Session
}

func (e *EndedError) Error() string {
	return fmt.Sprintf("call %s already ended (%s)", e.Session.ID, e.Session.Reason)
}

func (e *EndedError) Unwrap() error { return ErrInvalidTransition }

// Kind is the media type of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind parses a call type. Empty defaults to audio.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "audio":
		return KindAudio, nil
	case "video":
		return KindVideo, nil
	default:
		return "", fmt.Errorf("unknown call type %q", s)
	}
}

// State is a call lifecycle state.
type State string

const (
	StateInitiated  State = "INITIATED"
	StateInWaitroom State = "IN_WAITROOM"
	StateOngoing    State = "ONGOING"
	StateEnded      State = "ENDED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateEnded }

// Reason is the human-readable cause of a call ending.
type Reason string

const (
	ReasonEnded           Reason = "Call ended"
	ReasonMissed          Reason = "Missed"
	ReasonCancelled       Reason = "Cancelled"
	ReasonDeclined        Reason = "Declined"
	ReasonWaitroomTimeout Reason = "Waitroom timeout"
	ReasonBillingFailure  Reason = "Billing failure"
	ReasonDisconnected    Reason = "Disconnected"
)

// ParseReason maps a client-supplied reason onto the reasons a client may
// claim. Anything unrecognised is treated as a normal hang-up.
func ParseReason(s string) Reason {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "missed":
		return ReasonMissed
	case "cancelled", "canceled":
		return ReasonCancelled
	case "declined", "rejected":
		return ReasonDeclined
	default:
		return ReasonEnded
	}
}

// Status returns the terminal status stored for a call ended with r.
func (r Reason) Status() string {
	switch r {
	case ReasonDeclined:
		return "declined"
	case ReasonCancelled:
		return "cancelled"
	case ReasonMissed, ReasonWaitroomTimeout:
		return "missed"
	default:
		return "ended"
	}
}

// Label is a metric-safe form of r.
func (r Reason) Label() string {
	return strings.ReplaceAll(strings.ToLower(string(r)), " ", "_")
}

var transitions = map[State][]State{
	StateInitiated:  {StateInWaitroom, StateEnded},
	StateInWaitroom: {StateOngoing, StateEnded},
	StateOngoing:    {StateEnded},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the persisted record of one call.
type Session struct {
	ID             string        `json:"id"`
	CallerID       string        `json:"caller_id"`
	CalleeID       string        `json:"callee_id"`
	Kind           Kind          `json:"kind"`
	State          State         `json:"state"`
	Status         string        `json:"status"`
	Reason         Reason        `json:"reason,omitempty"`
	Rate           billing.Money `json:"rate"` // Per minute.
	Minutes        int           `json:"minutes"`
	MinutesCharged int           `json:"minutes_charged"`
	Amount         billing.Money `json:"amount"` // Settled total.
	ReservationID  string        `json:"reservation_id,omitempty"`
	SettlementID   string        `json:"settlement_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	AnsweredAt     *time.Time    `json:"answered_at,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// HasParty reports whether userID is the caller or the callee.
func (s *Session) HasParty(userID string) bool {
	return userID == s.CallerID || userID == s.CalleeID
}

func (s *Session) clone() *Session {
	cp := *s
	cp.AnsweredAt = cloneTime(s.AnsweredAt)
	cp.StartedAt = cloneTime(s.StartedAt)
	cp.EndedAt = cloneTime(s.EndedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
