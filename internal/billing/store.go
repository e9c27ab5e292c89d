package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/ids"
)

// Store persists wallets, reservations, charges and settlements.
// Implementations must apply each method atomically.
type Store interface {
	Deposit(ctx context.Context, userID string, amount Money) error
	Wallet(ctx context.Context, userID string) (Wallet, error)
	// Reserve holds r.Amount on the payer's wallet or fails with ErrInsufficientFunds.
	Reserve(ctx context.Context, r *Reservation) error
	// ApplyCharge commits c unless a charge for (c.CallID, c.Minute) exists,
	// in which case the existing charge is returned.
	ApplyCharge(ctx context.Context, c *Charge) (*Charge, error)
	// ApplySettlement fills in the payer, payee, charged and adjustment
	// fields, releases the call's reservation and commits s. An existing
	// settlement for s.CallID is returned unchanged.
	ApplySettlement(ctx context.Context, s *Settlement) (*Settlement, error)
	ReleaseReservation(ctx context.Context, reservationID string) error
}

// StoreLedger is an Adapter backed by a Store.
type StoreLedger struct {
	store    Store
	currency string
	logger   *slog.Logger
}

// NewStoreLedger creates a StoreLedger.
func NewStoreLedger(store Store, currency string, logger *slog.Logger) *StoreLedger {
	return &StoreLedger{store: store, currency: NewMoney(0, currency).Currency, logger: logger}
}

func (l *StoreLedger) check(m Money) error {
	if m.Currency != l.currency {
		return fmt.Errorf("%w: got %s, ledger is %s", ErrCurrencyMismatch, m.Currency, l.currency)
	}
	return nil
}

// wrap leaves funds and lookup errors untouched and marks everything else
// as an adapter failure.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrWalletNotFound) || errors.Is(err, ErrAdapterFailure) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrAdapterFailure, err)
}

// Deposit credits userID's wallet.
func (l *StoreLedger) Deposit(ctx context.Context, userID string, amount Money) error {
	if err := l.check(amount); err != nil {
		return err
	}
	return wrap("deposit", l.store.Deposit(ctx, userID, amount))
}

// Wallet returns userID's balance.
func (l *StoreLedger) Wallet(ctx context.Context, userID string) (Wallet, error) {
	w, err := l.store.Wallet(ctx, userID)
	return w, wrap("wallet", err)
}

// ReserveFunds holds amount on the payer's wallet.
func (l *StoreLedger) ReserveFunds(ctx context.Context, payerID string, amount Money, meta Meta) (*Reservation, error) {
	if err := l.check(amount); err != nil {
		return nil, err
	}
	r := &Reservation{
		ID:        ids.New(ids.Reservation),
		CallID:    meta.CallID,
		PayerID:   payerID,
		PayeeID:   meta.PayeeID,
		Amount:    amount,
		Remaining: amount.Amount,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.Reserve(ctx, r); err != nil {
		return nil, wrap("reserve funds", err)
	}
	return r, nil
}

// ChargeMinute commits one minute's charge.
func (l *StoreLedger) ChargeMinute(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if err := l.check(req.Amount); err != nil {
		return nil, err
	}
	c, err := l.store.ApplyCharge(ctx, &Charge{
		ID:        ids.New(ids.Charge),
		CallID:    req.CallID,
		PayerID:   req.PayerID,
		PayeeID:   req.PayeeID,
		Minute:    req.Minute,
		Amount:    req.Amount,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, wrap("charge minute", err)
	}
	return c, nil
}

// SettleFinal reconciles a call against amount.
func (l *StoreLedger) SettleFinal(ctx context.Context, callID string, amount Money) (*Settlement, error) {
	if err := l.check(amount); err != nil {
		return nil, err
	}
	s, err := l.store.ApplySettlement(ctx, &Settlement{
		ID:        ids.New(ids.Settlement),
		CallID:    callID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, wrap("settle", err)
	}
	l.logger.Debug("call settled",
		slog.String("call_id", callID),
		slog.String("settlement_id", s.ID),
		slog.Int64("adjustment", s.Adjustment.Amount),
	)
	return s, nil
}

// ReleaseReservation drops a reservation.
func (l *StoreLedger) ReleaseReservation(ctx context.Context, reservationID string) error {
	return wrap("release reservation", l.store.ReleaseReservation(ctx, reservationID))
}
