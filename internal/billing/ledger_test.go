package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func usd(n int64) Money { return NewMoney(n, "usd") }

func fundedLedger(t *testing.T, balances map[string]int64) *Ledger {
	t.Helper()
	l := NewLedger("USD", testLogger())
	for user, amount := range balances {
		if err := l.Deposit(context.Background(), user, usd(amount)); err != nil {
			t.Fatalf("Deposit(%s): %v", user, err)
		}
	}
	return l
}

func TestMoney(t *testing.T) {
	m := NewMoney(150, "eur")
	if m.Currency != "EUR" {
		t.Errorf("Currency = %q, want EUR", m.Currency)
	}
	if got := m.Times(3); got.Amount != 450 || got.Currency != "EUR" {
		t.Errorf("Times(3) = %v", got)
	}
	if !NewMoney(0, "USD").IsZero() {
		t.Error("zero amount should be IsZero")
	}
}

func TestLedger_ReserveInsufficient(t *testing.T) {
	l := fundedLedger(t, map[string]int64{"alice": 50})
	_, err := l.ReserveFunds(context.Background(), "alice", usd(100), Meta{CallID: "call_1", PayeeID: "bob"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	w, _ := l.Wallet(context.Background(), "alice")
	if w.Held.Amount != 0 {
		t.Fatalf("held = %d, want 0", w.Held.Amount)
	}
}

func TestLedger_CurrencyMismatch(t *testing.T) {
	l := fundedLedger(t, map[string]int64{"alice": 500})
	_, err := l.ReserveFunds(context.Background(), "alice", NewMoney(10, "EUR"), Meta{})
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}
}

func TestLedger_ChargeIdempotentPerMinute(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, map[string]int64{"alice": 1000})
	if _, err := l.ReserveFunds(ctx, "alice", usd(100), Meta{CallID: "call_1", PayeeID: "bob"}); err != nil {
		t.Fatal(err)
	}

	req := ChargeRequest{CallID: "call_1", PayerID: "alice", PayeeID: "bob", Minute: 1, Amount: usd(100)}
	first, err := l.ChargeMinute(ctx, req)
	if err != nil {
		t.Fatalf("ChargeMinute: %v", err)
	}
	again, err := l.ChargeMinute(ctx, req)
	if err != nil {
		t.Fatalf("ChargeMinute retry: %v", err)
	}
	if first.ID != again.ID {
		t.Fatalf("retry produced a new charge: %s vs %s", first.ID, again.ID)
	}

	alice, _ := l.Wallet(ctx, "alice")
	bob, _ := l.Wallet(ctx, "bob")
	if alice.Balance.Amount != 900 || alice.Held.Amount != 0 {
		t.Errorf("alice = %+v, want balance 900 held 0", alice)
	}
	if bob.Balance.Amount != 100 {
		t.Errorf("bob balance = %d, want 100", bob.Balance.Amount)
	}
}

func TestLedger_ChargeInsufficient(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, map[string]int64{"alice": 150})
	if _, err := l.ReserveFunds(ctx, "alice", usd(100), Meta{CallID: "call_1", PayeeID: "bob"}); err != nil {
		t.Fatal(err)
	}
	req := ChargeRequest{CallID: "call_1", PayerID: "alice", PayeeID: "bob", Minute: 1, Amount: usd(100)}
	if _, err := l.ChargeMinute(ctx, req); err != nil {
		t.Fatalf("minute 1: %v", err)
	}
	req.Minute = 2
	if _, err := l.ChargeMinute(ctx, req); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("minute 2 err = %v, want ErrInsufficientFunds", err)
	}
	if n := l.Charges("call_1"); n != 1 {
		t.Fatalf("charges = %d, want 1", n)
	}
}

func TestLedger_SettleReleasesAndAdjusts(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, map[string]int64{"alice": 1000})
	if _, err := l.ReserveFunds(ctx, "alice", usd(200), Meta{CallID: "call_1", PayeeID: "bob"}); err != nil {
		t.Fatal(err)
	}
	req := ChargeRequest{CallID: "call_1", PayerID: "alice", PayeeID: "bob", Minute: 1, Amount: usd(100)}
	if _, err := l.ChargeMinute(ctx, req); err != nil {
		t.Fatal(err)
	}

	s, err := l.SettleFinal(ctx, "call_1", usd(200))
	if err != nil {
		t.Fatalf("SettleFinal: %v", err)
	}
	if s.Charged.Amount != 100 || s.Adjustment.Amount != 100 {
		t.Fatalf("settlement = %+v", s)
	}
	if s.PayerID != "alice" || s.PayeeID != "bob" {
		t.Fatalf("parties = %s/%s", s.PayerID, s.PayeeID)
	}

	alice, _ := l.Wallet(ctx, "alice")
	if alice.Balance.Amount != 800 || alice.Held.Amount != 0 {
		t.Errorf("alice = %+v, want balance 800 held 0", alice)
	}

	again, err := l.SettleFinal(ctx, "call_1", usd(999))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != s.ID || again.Amount.Amount != 200 {
		t.Fatalf("second settle = %+v, want original", again)
	}
	alice, _ = l.Wallet(ctx, "alice")
	if alice.Balance.Amount != 800 {
		t.Errorf("second settle moved funds: alice balance %d", alice.Balance.Amount)
	}
}

func TestLedger_SettleZeroReleasesReservation(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, map[string]int64{"alice": 300})
	if _, err := l.ReserveFunds(ctx, "alice", usd(300), Meta{CallID: "call_1", PayeeID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.SettleFinal(ctx, "call_1", usd(0)); err != nil {
		t.Fatal(err)
	}
	w, _ := l.Wallet(ctx, "alice")
	if w.Available().Amount != 300 {
		t.Fatalf("available = %d, want 300", w.Available().Amount)
	}
}

func TestLedger_ReleaseReservation(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, map[string]int64{"alice": 300})
	r, err := l.ReserveFunds(ctx, "alice", usd(300), Meta{CallID: "call_1", PayeeID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.ReleaseReservation(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if err := l.ReleaseReservation(ctx, r.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	w, _ := l.Wallet(ctx, "alice")
	if w.Held.Amount != 0 {
		t.Fatalf("held = %d, want 0", w.Held.Amount)
	}
}

func TestLedger_ConcurrentChargesSameMinute(t *testing.T) {
	ctx := context.Background()
	l := fundedLedger(t, map[string]int64{"alice": 10_000})
	req := ChargeRequest{CallID: "call_1", PayerID: "alice", PayeeID: "bob", Minute: 1, Amount: usd(100)}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.ChargeMinute(ctx, req); err != nil {
				t.Errorf("ChargeMinute: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := l.Charges("call_1"); n != 1 {
		t.Fatalf("charges = %d, want 1", n)
	}
	bob, _ := l.Wallet(ctx, "bob")
	if bob.Balance.Amount != 100 {
		t.Fatalf("bob balance = %d, want 100", bob.Balance.Amount)
	}
}
