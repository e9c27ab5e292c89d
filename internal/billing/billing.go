// Package billing reserves, charges and settles call minutes against user
// wallets. Amounts are integer minor units; floats are never used.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInsufficientFunds is returned when the payer cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAdapterFailure wraps any store or provider failure that is not a funds problem.
	ErrAdapterFailure = errors.New("billing adapter failure")
	// ErrCurrencyMismatch is returned when an amount's currency differs from the ledger's.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrWalletNotFound is returned by balance lookups for unknown users.
	ErrWalletNotFound = errors.New("wallet not found")
)

// Money is an amount in minor units of Currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// NewMoney creates a Money with the currency upper-cased.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

// Times returns m multiplied by n.
func (m Money) Times(n int) Money {
	return Money{Amount: m.Amount * int64(n), Currency: m.Currency}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// Meta ties a reservation to a call.
type Meta struct {
	CallID  string
	PayeeID string
}

// Reservation is a hold placed on the payer's wallet when a call is initiated.
type Reservation struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	PayerID   string    `json:"payer_id"`
	PayeeID   string    `json:"payee_id"`
	Amount    Money     `json:"amount"`
	Remaining int64     `json:"remaining"` // Portion not yet consumed by charges.
	CreatedAt time.Time `json:"created_at"`
}

// ChargeRequest asks for one billed minute. (CallID, Minute) is the
// idempotency key: repeating a request returns the original charge.
type ChargeRequest struct {
	CallID  string
	PayerID string
	PayeeID string
	Minute  int
	Amount  Money
}

// Charge is a committed minute charge.
type Charge struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	PayerID   string    `json:"payer_id"`
	PayeeID   string    `json:"payee_id"`
	Minute    int       `json:"minute"`
	Amount    Money     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Settlement is the final reconciliation of a call. Adjustment is the
// difference between the settled amount and what per-minute charges already
// collected; a negative adjustment is refunded to the payer.
type Settlement struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	PayerID    string    `json:"payer_id"`
	PayeeID    string    `json:"payee_id"`
	Amount     Money     `json:"amount"`
	Charged    Money     `json:"charged"`
	Adjustment Money     `json:"adjustment"`
	CreatedAt  time.Time `json:"created_at"`
}

// Wallet is a user's balance and the part of it held by open reservations.
type Wallet struct {
	UserID  string `json:"user_id"`
	Balance Money  `json:"balance"`
	Held    Money  `json:"held"`
}

// Available returns the spendable part of the balance.
func (w Wallet) Available() Money {
	return Money{Amount: w.Balance.Amount - w.Held.Amount, Currency: w.Balance.Currency}
}

// Adapter is the billing provider contract used by the call machine.
type Adapter interface {
	ReserveFunds(ctx context.Context, payerID string, amount Money, meta Meta) (*Reservation, error)
	ChargeMinute(ctx context.Context, req ChargeRequest) (*Charge, error)
	SettleFinal(ctx context.Context, callID string, amount Money) (*Settlement, error)
}

// Releaser is implemented by adapters that can drop a reservation that was
// never followed by a settlement.
type Releaser interface {
	ReleaseReservation(ctx context.Context, reservationID string) error
}

// Wallets is implemented by adapters that expose balances.
type Wallets interface {
	Deposit(ctx context.Context, userID string, amount Money) error
	Wallet(ctx context.Context, userID string) (Wallet, error)
}
