// Package sweeper runs a cron-driven reconciliation pass over the call
// ledger. It ends non-terminal calls that no process is driving and whose
// parties are both offline, settling them for the minutes already charged,
// and drops idle rate limiter buckets.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ratelimit"
)

// Calls is the part of call.Manager the sweeper drives.
type Calls interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]*call.Session, error)
	IsLive(callID string) bool
	End(ctx context.Context, callID string, reason call.Reason, explicitMinutes *int) (*call.Outcome, error)
}

// Presence reports whether a user has an open connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Result summarises one sweep.
type Result struct {
	Examined int
	Ended    int
	Skipped  int
	Failed   int
	Pruned   int
}

// Sweeper ends orphaned calls on a cron schedule.
type Sweeper struct {
	calls    Calls
	presence Presence
	limiters []*ratelimit.Limiter
	metrics  *Metrics
	logger   *slog.Logger
	config   *config.SweeperConfig
	now      func() time.Time
	parser   cron.Parser
}

// New creates a Sweeper. metrics may be nil.
func New(calls Calls, presence Presence, metrics *Metrics, logger *slog.Logger, cfg *config.SweeperConfig) *Sweeper {
	return &Sweeper{
		calls:    calls,
		presence: presence,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// WithLimiters registers rate limiters whose idle buckets are pruned on
// every sweep.
func (s *Sweeper) WithLimiters(limiters ...*ratelimit.Limiter) *Sweeper {
	s.limiters = append(s.limiters, limiters...)
	return s
}

// WithClock replaces the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start schedules Sweep on the configured cron expression. The returned
// function stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Start(ctx context.Context) (func(), error) {
	expr := s.config.CronSchedule()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(expr, func() { s.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", expr, err)
	}
	c.Start()

	s.logger.InfoContext(ctx, "call sweeper started",
		slog.String("schedule", expr),
		slog.String("stale_after", s.config.StaleAfter().String()),
	)

	return func() {
		<-c.Stop().Done()
		s.logger.Info("call sweeper stopped")
	}, nil
}

// Sweep runs a single reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	start := s.now()
	var res Result

	stale, err := s.calls.ListStale(ctx, start.UTC().Add(-s.config.StaleAfter()))
	if err != nil {
		s.logger.ErrorContext(ctx, "listing stale calls",
			slog.String("error", err.Error()),
		)
	}

	for _, rec := range stale {
		res.Examined++
		if s.calls.IsLive(rec.ID) || s.presence.IsOnline(rec.CallerID) || s.presence.IsOnline(rec.CalleeID) {
			res.Skipped++
			continue
		}

		// Settle for what was already charged; elapsed time since the
		// owning process died was never delivered.
		minutes := rec.MinutesCharged
		out, err := s.calls.End(ctx, rec.ID, call.ReasonDisconnected, &minutes)
		if err != nil {
			res.Failed++
			s.logger.WarnContext(ctx, "ending orphaned call",
				slog.String("call_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if out.Repeated {
			res.Skipped++
			continue
		}
		res.Ended++
		s.logger.InfoContext(ctx, "orphaned call ended",
			slog.String("call_id", rec.ID),
			slog.String("state", string(rec.State)),
			slog.Int("minutes", minutes),
		)
	}

	idle := s.config.StaleAfter()
	for _, l := range s.limiters {
		res.Pruned += l.Prune(idle)
	}

	s.metrics.observe(res, s.now().Sub(start))
	if res.Ended > 0 || res.Failed > 0 {
		s.logger.InfoContext(ctx, "call sweep finished",
			slog.Int("examined", res.Examined),
			slog.Int("ended", res.Ended),
			slog.Int("failed", res.Failed),
			slog.Int("pruned", res.Pruned),
		)
	}
	return res
}
