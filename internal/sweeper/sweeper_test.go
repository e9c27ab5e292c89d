package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ratelimit"
)

type endCall struct {
	id      string
	reason  call.Reason
	minutes int
}

type fakeCalls struct {
	mu       sync.Mutex
	stale    []*call.Session
	live     map[string]bool
	repeated map[string]bool
	failing  map[string]bool
	listErr  error
	cutoff   time.Time
	ended    []endCall
}

func (f *fakeCalls) ListStale(_ context.Context, cutoff time.Time) ([]*call.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	return f.stale, f.listErr
}

func (f *fakeCalls) IsLive(callID string) bool {
	return f.live[callID]
}

func (f *fakeCalls) End(_ context.Context, callID string, reason call.Reason, explicitMinutes *int) (*call.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[callID] {
		return nil, errors.New("ledger unavailable")
	}
	minutes := -1
	if explicitMinutes != nil {
		minutes = *explicitMinutes
	}
	f.ended = append(f.ended, endCall{id: callID, reason: reason, minutes: minutes})
	return &call.Outcome{
		Session:  &call.Session{ID: callID, State: call.StateEnded},
		Repeated: f.repeated[callID],
	}, nil
}

type fakePresence map[string]bool

func (p fakePresence) IsOnline(userID string) bool { return p[userID] }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func session(id, caller, callee string, charged int) *call.Session {
	return &call.Session{
		ID:             id,
		CallerID:       caller,
		CalleeID:       callee,
		State:          call.StateOngoing,
		MinutesCharged: charged,
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return pb.GetCounter().GetValue()
}

func TestSweep_EndsOrphanedCalls(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := &fakeCalls{
		stale: []*call.Session{
			session("c1", "alice", "bob", 3),
			session("c2", "carol", "dave", 0),
		},
	}

	s := New(calls, fakePresence{}, nil, testLogger(), &config.SweeperConfig{StaleAfterMinutes: 15}).
		WithClock(func() time.Time { return now })

	res := s.Sweep(context.Background())
	if res.Examined != 2 || res.Ended != 2 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if want := now.Add(-15 * time.Minute); !calls.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", calls.cutoff, want)
	}
	if len(calls.ended) != 2 {
		t.Fatalf("expected 2 ended calls, got %d", len(calls.ended))
	}
	if e := calls.ended[0]; e.id != "c1" || e.reason != call.ReasonDisconnected || e.minutes != 3 {
		t.Errorf("first end = %+v", e)
	}
	if e := calls.ended[1]; e.id != "c2" || e.minutes != 0 {
		t.Errorf("second end = %+v", e)
	}
}

func TestSweep_SkipsLiveOrReachableCalls(t *testing.T) {
	calls := &fakeCalls{
		stale: []*call.Session{
			session("live", "a", "b", 1),
			session("caller-online", "alice", "x", 1),
			session("callee-online", "y", "bob", 1),
			session("orphan", "m", "n", 1),
		},
		live: map[string]bool{"live": true},
	}
	presence := fakePresence{"alice": true, "bob": true}

	res := New(calls, presence, nil, testLogger(), nil).Sweep(context.Background())
	if res.Examined != 4 || res.Skipped != 3 || res.Ended != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(calls.ended) != 1 || calls.ended[0].id != "orphan" {
		t.Fatalf("expected only orphan ended, got %+v", calls.ended)
	}
}

func TestSweep_RepeatedAndFailedEnds(t *testing.T) {
	calls := &fakeCalls{
		stale: []*call.Session{
			session("done", "a", "b", 0),
			session("broken", "c", "d", 0),
		},
		repeated: map[string]bool{"done": true},
		failing:  map[string]bool{"broken": true},
	}

	res := New(calls, fakePresence{}, nil, testLogger(), nil).Sweep(context.Background())
	if res.Ended != 0 || res.Skipped != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSweep_ListErrorStillPrunes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60}).
		WithClock(func() time.Time { return clock })
	if err := limiter.Allow("old"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	clock = now.Add(20 * time.Minute)
	if err := limiter.Allow("fresh"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	calls := &fakeCalls{listErr: errors.New("db down")}
	s := New(calls, fakePresence{}, nil, testLogger(), &config.SweeperConfig{StaleAfterMinutes: 10}).
		WithLimiters(limiter, nil)

	res := s.Sweep(context.Background())
	if res.Examined != 0 {
		t.Errorf("Examined = %d, want 0", res.Examined)
	}
	if res.Pruned != 1 {
		t.Errorf("Pruned = %d, want 1", res.Pruned)
	}
	if limiter.Len() != 1 {
		t.Errorf("limiter keys = %d, want 1", limiter.Len())
	}
}

func TestSweep_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	calls := &fakeCalls{
		stale:   []*call.Session{session("c1", "a", "b", 0), session("c2", "c", "d", 0)},
		failing: map[string]bool{"c2": true},
	}

	s := New(calls, fakePresence{}, m, testLogger(), nil)
	s.Sweep(context.Background())
	s.Sweep(context.Background())

	if got := counterValue(t, m.Runs); got != 2 {
		t.Errorf("runs = %v, want 2", got)
	}
	if got := counterValue(t, m.CallsEnded); got != 2 {
		t.Errorf("calls ended = %v, want 2", got)
	}
	if got := counterValue(t, m.CallsFailed); got != 2 {
		t.Errorf("calls failed = %v, want 2", got)
	}
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if m := NewMetrics(nil); m != nil {
		t.Fatal("expected nil metrics for nil registry")
	}
	var m *Metrics
	m.observe(Result{Ended: 1}, time.Second)
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(&fakeCalls{}, fakePresence{}, nil, testLogger(), &config.SweeperConfig{Schedule: "not a cron"})
	if _, err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStart_StopWaits(t *testing.T) {
	s := New(&fakeCalls{}, fakePresence{}, nil, testLogger(), &config.SweeperConfig{Schedule: "*/5 * * * *"})
	stop, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
