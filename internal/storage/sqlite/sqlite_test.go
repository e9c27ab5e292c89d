package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/messaging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: MemoryPath, Currency: "USD"}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func usd(n int64) billing.Money { return billing.NewMoney(n, "USD") }

func balances(t *testing.T, l *billing.StoreLedger, userID string) (balance, held int64) {
	t.Helper()
	w, err := l.Wallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("Wallet(%s): %v", userID, err)
	}
	return w.Balance.Amount, w.Held.Amount
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_Driver(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != "sqlite" {
		t.Errorf("Driver() = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestUsers_SaveGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	users := s.Users()

	if _, err := users.GetUser(ctx, "ghost"); !errors.Is(err, directory.ErrUserNotFound) {
		t.Fatalf("GetUser(ghost) err = %v, want ErrUserNotFound", err)
	}

	u := &directory.User{ID: "alice", DisplayName: "Alice", RatePerMinute: usd(100), CreatedAt: time.Now().UTC()}
	if err := users.SaveUser(ctx, u); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	u.DisplayName = "Alice B."
	if err := users.SaveUser(ctx, u); err != nil {
		t.Fatalf("SaveUser upsert: %v", err)
	}

	got, err := users.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.DisplayName != "Alice B." || got.RatePerMinute != usd(100) {
		t.Errorf("got %+v", got)
	}

	list, err := users.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListUsers returned %d users, want 1", len(list))
	}
}

func TestWallets_ChargeAndSettle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ledger := billing.NewStoreLedger(s.Wallets(), "USD", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := ledger.Wallet(ctx, "alice"); !errors.Is(err, billing.ErrWalletNotFound) {
		t.Fatalf("Wallet before deposit err = %v, want ErrWalletNotFound", err)
	}
	if err := ledger.Deposit(ctx, "alice", usd(1000)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	res, err := ledger.ReserveFunds(ctx, "alice", usd(300), billing.Meta{CallID: "call_1", PayeeID: "bob"})
	if err != nil {
		t.Fatalf("ReserveFunds: %v", err)
	}
	if b, h := balances(t, ledger, "alice"); b != 1000 || h != 300 {
		t.Fatalf("after reserve: balance=%d held=%d", b, h)
	}

	req := billing.ChargeRequest{CallID: "call_1", PayerID: "alice", PayeeID: "bob", Minute: 1, Amount: usd(100)}
	first, err := ledger.ChargeMinute(ctx, req)
	if err != nil {
		t.Fatalf("ChargeMinute: %v", err)
	}
	again, err := ledger.ChargeMinute(ctx, req)
	if err != nil {
		t.Fatalf("repeated ChargeMinute: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("repeated charge ID = %s, want %s", again.ID, first.ID)
	}
	if b, h := balances(t, ledger, "alice"); b != 900 || h != 200 {
		t.Fatalf("after charge: balance=%d held=%d", b, h)
	}
	if b, _ := balances(t, ledger, "bob"); b != 100 {
		t.Fatalf("payee balance = %d, want 100", b)
	}

	st, err := ledger.SettleFinal(ctx, "call_1", usd(250))
	if err != nil {
		t.Fatalf("SettleFinal: %v", err)
	}
	if st.Charged.Amount != 100 || st.Adjustment.Amount != 150 || st.PayerID != "alice" {
		t.Errorf("settlement = %+v", st)
	}
	repeat, err := ledger.SettleFinal(ctx, "call_1", usd(250))
	if err != nil || repeat.ID != st.ID {
		t.Errorf("repeated settle = %v, %v; want %s", repeat, err, st.ID)
	}
	if b, h := balances(t, ledger, "alice"); b != 750 || h != 0 {
		t.Errorf("after settle: balance=%d held=%d", b, h)
	}
	if b, _ := balances(t, ledger, "bob"); b != 250 {
		t.Errorf("payee balance = %d, want 250", b)
	}

	// Releasing a settled reservation is a no-op.
	if err := ledger.ReleaseReservation(ctx, res.ID); err != nil {
		t.Errorf("ReleaseReservation: %v", err)
	}
}

func TestWallets_NegativeAdjustmentRefunds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ledger := billing.NewStoreLedger(s.Wallets(), "USD", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := ledger.Deposit(ctx, "alice", usd(500)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.ReserveFunds(ctx, "alice", usd(100), billing.Meta{CallID: "call_2", PayeeID: "bob"}); err != nil {
		t.Fatalf("ReserveFunds: %v", err)
	}
	for minute := 1; minute <= 2; minute++ {
		req := billing.ChargeRequest{CallID: "call_2", PayerID: "alice", PayeeID: "bob", Minute: minute, Amount: usd(100)}
		if _, err := ledger.ChargeMinute(ctx, req); err != nil {
			t.Fatalf("ChargeMinute(%d): %v", minute, err)
		}
	}
	st, err := ledger.SettleFinal(ctx, "call_2", usd(150))
	if err != nil {
		t.Fatalf("SettleFinal: %v", err)
	}
	if st.Adjustment.Amount != -50 {
		t.Errorf("adjustment = %d, want -50", st.Adjustment.Amount)
	}
	if b, h := balances(t, ledger, "alice"); b != 350 || h != 0 {
		t.Errorf("payer balance=%d held=%d, want 350/0", b, h)
	}
	if b, _ := balances(t, ledger, "bob"); b != 150 {
		t.Errorf("payee balance = %d, want 150", b)
	}
}

func TestWallets_InsufficientFunds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ledger := billing.NewStoreLedger(s.Wallets(), "USD", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := ledger.Deposit(ctx, "alice", usd(150)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.ReserveFunds(ctx, "alice", usd(200), billing.Meta{CallID: "call_3", PayeeID: "bob"}); !errors.Is(err, billing.ErrInsufficientFunds) {
		t.Fatalf("ReserveFunds err = %v, want ErrInsufficientFunds", err)
	}
	req := billing.ChargeRequest{CallID: "call_3", PayerID: "alice", PayeeID: "bob", Minute: 1, Amount: usd(100)}
	if _, err := ledger.ChargeMinute(ctx, req); err != nil {
		t.Fatalf("ChargeMinute(1): %v", err)
	}
	req.Minute = 2
	if _, err := ledger.ChargeMinute(ctx, req); !errors.Is(err, billing.ErrInsufficientFunds) {
		t.Fatalf("ChargeMinute(2) err = %v, want ErrInsufficientFunds", err)
	}
	if b, _ := balances(t, ledger, "alice"); b != 50 {
		t.Errorf("balance = %d, want 50", b)
	}
}

func TestWallets_SettleUnknownCall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ledger := billing.NewStoreLedger(s.Wallets(), "USD", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := ledger.SettleFinal(ctx, "call_ghost", usd(100)); !errors.Is(err, billing.ErrAdapterFailure) {
		t.Errorf("SettleFinal err = %v, want ErrAdapterFailure", err)
	}
	st, err := ledger.SettleFinal(ctx, "call_empty", usd(0))
	if err != nil {
		t.Fatalf("zero settle: %v", err)
	}
	if st.Adjustment.Amount != 0 {
		t.Errorf("adjustment = %d", st.Adjustment.Amount)
	}
}

func TestWallets_ReleaseReservation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ledger := billing.NewStoreLedger(s.Wallets(), "USD", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := ledger.Deposit(ctx, "alice", usd(500)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	res, err := ledger.ReserveFunds(ctx, "alice", usd(300), billing.Meta{CallID: "call_4", PayeeID: "bob"})
	if err != nil {
		t.Fatalf("ReserveFunds: %v", err)
	}
	if err := ledger.ReleaseReservation(ctx, res.ID); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if b, h := balances(t, ledger, "alice"); b != 500 || h != 0 {
		t.Errorf("balance=%d held=%d, want 500/0", b, h)
	}
	if err := ledger.ReleaseReservation(ctx, "res_unknown"); err != nil {
		t.Errorf("releasing unknown reservation: %v", err)
	}
}

func TestCalls_SaveFindListOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	calls := s.Calls()

	if _, err := calls.FindByID(ctx, "call_ghost"); !errors.Is(err, call.ErrCallNotFound) {
		t.Fatalf("FindByID err = %v, want ErrCallNotFound", err)
	}

	old := time.Now().UTC().Add(-time.Hour)
	sess := &call.Session{
		ID:        "call_1",
		CallerID:  "alice",
		CalleeID:  "bob",
		Kind:      call.KindAudio,
		State:     call.StateOngoing,
		Status:    "ongoing",
		Rate:      usd(100),
		CreatedAt: old,
		StartedAt: &old,
		UpdatedAt: old,
	}
	if err := calls.Save(ctx, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	open, err := calls.ListOpen(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 1 || open[0].ID != "call_1" {
		t.Fatalf("ListOpen = %v, want [call_1]", open)
	}

	now := time.Now().UTC()
	sess.State = call.StateEnded
	sess.Reason = call.ReasonEnded
	sess.Minutes = 3
	sess.Amount = usd(300)
	sess.EndedAt = &now
	sess.UpdatedAt = now
	if err := calls.Save(ctx, sess); err != nil {
		t.Fatalf("Save ended: %v", err)
	}

	got, err := calls.FindByID(ctx, "call_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.State != call.StateEnded || got.Minutes != 3 || got.Amount != usd(300) || got.EndedAt == nil {
		t.Errorf("FindByID = %+v", got)
	}
	open, err = calls.ListOpen(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("ListOpen after end = %d records, want 0", len(open))
	}
}

func TestMessages_AdvanceStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	msgs := s.Messages()

	now := time.Now().UTC()
	m := &messaging.Message{
		ID:          "msg_1",
		SenderID:    "alice",
		RecipientID: "bob",
		Text:        "hi",
		Status:      messaging.StatusSent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := msgs.CreateMessage(ctx, m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	got, changed, err := msgs.AdvanceStatus(ctx, "msg_1", messaging.StatusRead, now.Add(time.Second))
	if err != nil || !changed {
		t.Fatalf("AdvanceStatus(read) = %v, %v", changed, err)
	}
	if got.Status != messaging.StatusRead || got.DeliveredAt == nil || got.ReadAt == nil {
		t.Errorf("after read: %+v", got)
	}

	got, changed, err = msgs.AdvanceStatus(ctx, "msg_1", messaging.StatusDelivered, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("AdvanceStatus(delivered): %v", err)
	}
	if changed || got.Status != messaging.StatusRead {
		t.Errorf("status regressed: changed=%v status=%s", changed, got.Status)
	}

	stored, err := msgs.GetMessage(ctx, "msg_1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.Status != messaging.StatusRead {
		t.Errorf("stored status = %s", stored.Status)
	}

	if _, _, err := msgs.AdvanceStatus(ctx, "msg_ghost", messaging.StatusRead, now); !errors.Is(err, messaging.ErrMessageNotFound) {
		t.Errorf("AdvanceStatus(ghost) err = %v, want ErrMessageNotFound", err)
	}
}
