package billing

import (
	"context"
	"errors"
	"testing"
)

type failingStore struct {
	Store
	err error
}

func (s failingStore) Reserve(context.Context, *Reservation) error { return s.err }

func (s failingStore) ApplyCharge(context.Context, *Charge) (*Charge, error) { return nil, s.err }

func TestStoreLedger_WrapsStoreErrors(t *testing.T) {
	l := NewStoreLedger(failingStore{err: errors.New("connection reset")}, "USD", testLogger())

	_, err := l.ChargeMinute(context.Background(), ChargeRequest{CallID: "c", Minute: 1, Amount: usd(1)})
	if !errors.Is(err, ErrAdapterFailure) {
		t.Fatalf("err = %v, want ErrAdapterFailure", err)
	}
	if errors.Is(err, ErrInsufficientFunds) {
		t.Fatal("store failure must not look like a funds error")
	}
}

func TestStoreLedger_KeepsFundsErrors(t *testing.T) {
	l := NewStoreLedger(failingStore{err: ErrInsufficientFunds}, "USD", testLogger())

	_, err := l.ReserveFunds(context.Background(), "alice", usd(100), Meta{CallID: "c"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if errors.Is(err, ErrAdapterFailure) {
		t.Fatal("funds error should not be marked as adapter failure")
	}
}

func TestStoreLedger_RejectsForeignCurrency(t *testing.T) {
	l := NewStoreLedger(failingStore{}, "USD", testLogger())
	_, err := l.SettleFinal(context.Background(), "c", NewMoney(1, "EUR"))
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}
}
