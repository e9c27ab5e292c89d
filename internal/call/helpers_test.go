package call

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
)

const (
	waitroom = 5 * time.Minute
	interval = time.Minute
	grace    = 30 * time.Second
	rate     = 100
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- scheduler ---

type fakeTimer struct {
	sched   *fakeScheduler
	d       time.Duration
	fn      func()
	fired   bool
	stopped bool
	stops   int
}

func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	t.stops++
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{sched: s, d: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// fire runs the oldest pending timer with duration d.
func (s *fakeScheduler) fire(t *testing.T, d time.Duration) {
	t.Helper()
	s.mu.Lock()
	var next *fakeTimer
	for _, tm := range s.timers {
		if tm.d == d && !tm.fired && !tm.stopped {
			next = tm
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		t.Fatalf("no pending %v timer", d)
	}
	next.fired = true
	s.mu.Unlock()
	next.fn()
}

func (s *fakeScheduler) pending(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tm := range s.timers {
		if tm.d == d && !tm.fired && !tm.stopped {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) all(d time.Duration) []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, tm := range s.timers {
		if tm.d == d {
			out = append(out, tm)
		}
	}
	return out
}

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- notifier ---

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Envelope
}

func (n *recordingNotifier) SendToUser(userID string, env *protocol.Envelope) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]*protocol.Envelope)
	}
	n.sent[userID] = append(n.sent[userID], env)
	return 1
}

func (n *recordingNotifier) count(userID string, typ protocol.MessageType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.sent[userID] {
		if e.Type == typ {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last(t *testing.T, userID string, typ protocol.MessageType, into any) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.sent[userID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Type == typ {
			if err := list[i].Decode(into); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
			return
		}
	}
	t.Fatalf("no %s sent to %s", typ, userID)
}

// --- billing ---

// countingAdapter records adapter calls and can fail a given minute.
type countingAdapter struct {
	*billing.Ledger

	mu         sync.Mutex
	charges    map[string]int // "call/minute" → invocations
	settles    map[string]int
	settled    map[string]billing.Money
	failMinute int
	failErr    error

	settleErr    error  // returned by SettleFinal when set
	beforeSettle func() // runs before SettleFinal
	settleCtxErr error  // ctx.Err() seen by the last SettleFinal
}

func newCountingAdapter(l *billing.Ledger) *countingAdapter {
	return &countingAdapter{
		Ledger:  l,
		charges: make(map[string]int),
		settles: make(map[string]int),
		settled: make(map[string]billing.Money),
	}
}

func (a *countingAdapter) ChargeMinute(ctx context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
	a.mu.Lock()
	a.charges[fmt.Sprintf("%s/%d", req.CallID, req.Minute)]++
	fail := a.failMinute != 0 && req.Minute == a.failMinute
	a.mu.Unlock()
	if fail {
		return nil, a.failErr
	}
	return a.Ledger.ChargeMinute(ctx, req)
}

func (a *countingAdapter) SettleFinal(ctx context.Context, callID string, amount billing.Money) (*billing.Settlement, error) {
	a.mu.Lock()
	a.settles[callID]++
	a.settled[callID] = amount
	hook, failErr := a.beforeSettle, a.settleErr
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	a.mu.Lock()
	a.settleCtxErr = ctx.Err()
	a.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	return a.Ledger.SettleFinal(ctx, callID, amount)
}

func (a *countingAdapter) chargeCalls(callID string) (total int, maxPerMinute int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, n := range a.charges {
		if strings.HasPrefix(k, callID+"/") {
			total += n
			maxPerMinute = max(maxPerMinute, n)
		}
	}
	return total, maxPerMinute
}

func (a *countingAdapter) settleCalls(callID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settles[callID]
}

// --- presence ---

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) set(userID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online == nil {
		p.online = make(map[string]bool)
	}
	p.online[userID] = online
}

func (p *fakePresence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

// --- fixture ---

type fixture struct {
	mgr      *Manager
	sched    *fakeScheduler
	clock    *fakeClock
	notifier *recordingNotifier
	adapter  *countingAdapter
	ledger   *MemoryLedger
}

func newFixture(t *testing.T, cfg Config, callerBalance int64) *fixture {
	t.Helper()
	ctx := context.Background()

	users := directory.New(directory.NewMemoryStore(
		directory.User{ID: "alice", RatePerMinute: billing.NewMoney(rate, "USD")},
		directory.User{ID: "bob", RatePerMinute: billing.NewMoney(rate, "USD")},
	), nil, directory.Options{}, testLogger())

	l := billing.NewLedger("USD", testLogger())
	if callerBalance > 0 {
		if err := l.Deposit(ctx, "alice", billing.NewMoney(callerBalance, "USD")); err != nil {
			t.Fatal(err)
		}
	}

	f := &fixture{
		sched:    &fakeScheduler{},
		clock:    &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		adapter:  newCountingAdapter(l),
		ledger:   NewMemoryLedger(),
	}
	if cfg.WaitroomTimeout == 0 {
		cfg.WaitroomTimeout = waitroom
	}
	if cfg.BillingInterval == 0 {
		cfg.BillingInterval = interval
	}
	f.mgr = NewManager(f.adapter, f.ledger, users, f.notifier, nil, testLogger(), cfg).
		WithScheduler(f.sched).
		WithClock(f.clock.now)
	return f
}

// ongoing drives a fresh call to ONGOING.
func (f *fixture) ongoing(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()
	s, err := f.mgr.Initiate(ctx, "alice", "bob", KindVideo)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := f.mgr.Answer(ctx, s.ID, "bob"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if _, err := f.mgr.StartBilling(ctx, s.ID, "alice", "bob"); err != nil {
		t.Fatalf("StartBilling: %v", err)
	}
	return s
}

func intPtr(n int) *int { return &n }
