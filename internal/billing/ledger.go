package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/ids"
)

type tickKey struct {
	callID string
	minute int
}

type account struct {
	balance int64
	held    int64
}

// Ledger is an in-memory Adapter. It is used when no database is
// configured and in tests.
type Ledger struct {
	currency string
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	accounts     map[string]*account
	reservations map[string]*Reservation // by reservation ID
	byCall       map[string]*Reservation // by call ID
	charges      map[tickKey]*Charge
	settlements  map[string]*Settlement
}

// NewLedger creates an empty in-memory ledger for currency.
func NewLedger(currency string, logger *slog.Logger) *Ledger {
	return &Ledger{
		currency:     NewMoney(0, currency).Currency,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		accounts:     make(map[string]*account),
		reservations: make(map[string]*Reservation),
		byCall:       make(map[string]*Reservation),
		charges:      make(map[tickKey]*Charge),
		settlements:  make(map[string]*Settlement),
	}
}

func (l *Ledger) check(m Money) error {
	if m.Currency != l.currency {
		return fmt.Errorf("%w: got %s, ledger is %s", ErrCurrencyMismatch, m.Currency, l.currency)
	}
	if m.Amount < 0 {
		return fmt.Errorf("%w: negative amount %s", ErrAdapterFailure, m)
	}
	return nil
}

func (l *Ledger) acct(userID string) *account {
	a, ok := l.accounts[userID]
	if !ok {
		a = &account{}
		l.accounts[userID] = a
	}
	return a
}

// Deposit credits userID's wallet.
func (l *Ledger) Deposit(_ context.Context, userID string, amount Money) error {
	if err := l.check(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acct(userID).balance += amount.Amount
	return nil
}

// Wallet returns userID's balance.
func (l *Ledger) Wallet(_ context.Context, userID string) (Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[userID]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	return Wallet{
		UserID:  userID,
		Balance: Money{Amount: a.balance, Currency: l.currency},
		Held:    Money{Amount: a.held, Currency: l.currency},
	}, nil
}

// ReserveFunds holds amount on the payer's wallet.
func (l *Ledger) ReserveFunds(_ context.Context, payerID string, amount Money, meta Meta) (*Reservation, error) {
	if err := l.check(amount); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.acct(payerID)
	if available := a.balance - a.held; available < amount.Amount {
		return nil, fmt.Errorf("%w: need %d, available %d", ErrInsufficientFunds, amount.Amount, available)
	}
	a.held += amount.Amount

	r := &Reservation{
		ID:        ids.New(ids.Reservation),
		CallID:    meta.CallID,
		PayerID:   payerID,
		PayeeID:   meta.PayeeID,
		Amount:    amount,
		Remaining: amount.Amount,
		CreatedAt: l.now(),
	}
	l.reservations[r.ID] = r
	if meta.CallID != "" {
		l.byCall[meta.CallID] = r
	}
	cp := *r
	return &cp, nil
}

// ChargeMinute moves one minute's amount from payer to payee, consuming the
// call's reservation first.
func (l *Ledger) ChargeMinute(_ context.Context, req ChargeRequest) (*Charge, error) {
	if err := l.check(req.Amount); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := tickKey{req.CallID, req.Minute}
	if c, ok := l.charges[key]; ok {
		cp := *c
		return &cp, nil
	}

	payer := l.acct(req.PayerID)
	var fromHold int64
	if r, ok := l.byCall[req.CallID]; ok {
		fromHold = min(r.Remaining, req.Amount.Amount)
	}
	if payer.balance-payer.held+fromHold < req.Amount.Amount {
		return nil, fmt.Errorf("%w: minute %d of %s", ErrInsufficientFunds, req.Minute, req.CallID)
	}

	if r, ok := l.byCall[req.CallID]; ok {
		r.Remaining -= fromHold
	}
	payer.held -= fromHold
	payer.balance -= req.Amount.Amount
	l.acct(req.PayeeID).balance += req.Amount.Amount

	c := &Charge{
		ID:        ids.New(ids.Charge),
		CallID:    req.CallID,
		PayerID:   req.PayerID,
		PayeeID:   req.PayeeID,
		Minute:    req.Minute,
		Amount:    req.Amount,
		CreatedAt: l.now(),
	}
	l.charges[key] = c
	cp := *c
	return &cp, nil
}

// SettleFinal reconciles a call against amount and releases what is left of
// its reservation. Settling the same call twice returns the first settlement.
func (l *Ledger) SettleFinal(_ context.Context, callID string, amount Money) (*Settlement, error) {
	if err := l.check(amount); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.settlements[callID]; ok {
		cp := *s
		return &cp, nil
	}

	var charged int64
	var payerID, payeeID string
	for k, c := range l.charges {
		if k.callID == callID {
			charged += c.Amount.Amount
			payerID, payeeID = c.PayerID, c.PayeeID
		}
	}
	if r, ok := l.byCall[callID]; ok {
		payerID, payeeID = r.PayerID, r.PayeeID
		l.acct(r.PayerID).held -= r.Remaining
		r.Remaining = 0
		delete(l.byCall, callID)
		delete(l.reservations, r.ID)
	}

	adjustment := amount.Amount - charged
	if adjustment != 0 {
		if payerID == "" {
			return nil, fmt.Errorf("%w: no reservation or charges for call %s", ErrAdapterFailure, callID)
		}
		l.acct(payerID).balance -= adjustment
		l.acct(payeeID).balance += adjustment
	}

	s := &Settlement{
		ID:         ids.New(ids.Settlement),
		CallID:     callID,
		PayerID:    payerID,
		PayeeID:    payeeID,
		Amount:     amount,
		Charged:    Money{Amount: charged, Currency: l.currency},
		Adjustment: Money{Amount: adjustment, Currency: l.currency},
		CreatedAt:  l.now(),
	}
	l.settlements[callID] = s
	l.logger.Debug("call settled",
		slog.String("call_id", callID),
		slog.Int64("amount", amount.Amount),
		slog.Int64("adjustment", adjustment),
	)
	cp := *s
	return &cp, nil
}

// ReleaseReservation drops a reservation. Unknown IDs are ignored.
func (l *Ledger) ReleaseReservation(_ context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return nil
	}
	l.acct(r.PayerID).held -= r.Remaining
	r.Remaining = 0
	delete(l.reservations, reservationID)
	if l.byCall[r.CallID] == r {
		delete(l.byCall, r.CallID)
	}
	return nil
}

// Charges returns the number of committed charges for callID.
func (l *Ledger) Charges(callID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.charges {
		if k.callID == callID {
			n++
		}
	}
	return n
}
