package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/ids"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/protocol"
)

// timerOpTimeout bounds adapter and store calls made from timer callbacks.
const timerOpTimeout = 30 * time.Second

// endedRetention is how long an ended call stays in memory to answer
// repeated end requests without a ledger lookup.
const endedRetention = 10 * time.Minute

// Config holds the call timing and pricing policy.
type Config struct {
	WaitroomTimeout time.Duration // Default: 5m.
	BillingInterval time.Duration // Length of one billed minute. Default: 1m.
	MinimumMinutes  int           // Minutes reserved up front. Default: 1.
	DisconnectGrace time.Duration // 0 leaves calls running when a party drops.
}

func (c Config) waitroomTimeout() time.Duration {
	if c.WaitroomTimeout <= 0 {
		return 5 * time.Minute
	}
	return c.WaitroomTimeout
}

func (c Config) billingInterval() time.Duration {
	if c.BillingInterval <= 0 {
		return time.Minute
	}
	return c.BillingInterval
}

func (c Config) minimumMinutes() int {
	if c.MinimumMinutes <= 0 {
		return 1
	}
	return c.MinimumMinutes
}

// Notifier delivers events to every live connection of a user.
type Notifier interface {
	SendToUser(userID string, env *protocol.Envelope) int
}

// Presence reports whether a user has a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Outcome is the result of End.
type Outcome struct {
	Session *Session
	// Repeated is set when the call had already ended; no billing or
	// notification happened on this request.
	Repeated bool
}

// session is the in-memory owner of one call. turn is a one-slot token
// serializing transitions, including their adapter and store calls; mu
// guards the fields and is never held across I/O.
type session struct {
	turn chan struct{}

	mu          sync.Mutex
	rec         *Session
	waitroom    Timer
	waitroomGen uint64
	tick        Timer
	tickGen     uint64
	grace       map[string]Timer
}

func newSession(rec *Session) *session {
	return &session{
		turn:  make(chan struct{}, 1),
		rec:   rec,
		grace: make(map[string]Timer),
	}
}

func (s *session) acquire(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) release() { <-s.turn }

func (s *session) snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.clone()
}

// Manager owns every live call in the process.
type Manager struct {
	billing  billing.Adapter
	ledger   LedgerStore
	users    directory.Resolver
	notifier Notifier
	presence Presence
	metrics  *Metrics
	logger   *slog.Logger
	config   Config
	sched    Scheduler
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	byUser   map[string]map[string]struct{} // user ID → open call IDs
}

// NewManager creates a call manager.
func NewManager(
	adapter billing.Adapter,
	ledger LedgerStore,
	users directory.Resolver,
	notifier Notifier,
	metrics *Metrics,
	logger *slog.Logger,
	config Config,
) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		billing:  adapter,
		ledger:   ledger,
		users:    users,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		sched:    TimeScheduler{},
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// WithScheduler replaces the timer source.
func (m *Manager) WithScheduler(s Scheduler) *Manager {
	m.sched = s
	return m
}

// WithPresence makes disconnect grace expiry skip parties that are online
// again.
func (m *Manager) WithPresence(p Presence) *Manager {
	m.presence = p
	return m
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Initiate creates a call from callerID to calleeID after reserving the
// minimum charge on the caller's wallet. On error no record exists.
func (m *Manager) Initiate(ctx context.Context, callerID, calleeID string, kind Kind) (*Session, error) {
	if callerID == calleeID {
		return nil, ErrSelfCall
	}
	if _, err := m.users.Lookup(ctx, callerID); err != nil {
		return nil, fmt.Errorf("caller %q: %w", callerID, err)
	}
	callee, err := m.users.Lookup(ctx, calleeID)
	if err != nil {
		return nil, fmt.Errorf("callee %q: %w", calleeID, err)
	}

	id := ids.New(ids.Call)
	hold := callee.RatePerMinute.Times(m.config.minimumMinutes())
	res, err := m.billing.ReserveFunds(ctx, callerID, hold, billing.Meta{CallID: id, PayeeID: calleeID})
	if err != nil {
		return nil, fmt.Errorf("reserving funds for call: %w", err)
	}

	now := m.now()
	rec := &Session{
		ID:            id,
		CallerID:      callerID,
		CalleeID:      calleeID,
		Kind:          kind,
		State:         StateInitiated,
		Status:        "initiated",
		Rate:          callee.RatePerMinute,
		Amount:        billing.Money{Currency: callee.RatePerMinute.Currency},
		ReservationID: res.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.ledger.Save(ctx, rec); err != nil {
		m.releaseReservation(ctx, res.ID)
		return nil, fmt.Errorf("saving call: %w", err)
	}

	s := newSession(rec)
	s.mu.Lock()
	m.armWaitroom(s)
	s.mu.Unlock()
	m.track(s)
	m.metrics.started(kind)

	m.logger.Info("call initiated",
		slog.String("call_id", id),
		slog.String("caller_id", callerID),
		slog.String("callee_id", calleeID),
		slog.String("kind", string(kind)),
	)
	return rec.clone(), nil
}

// Answer moves a call from INITIATED to IN_WAITROOM and restarts the
// waitroom window. byUserID, when set, must be the callee.
func (m *Manager) Answer(ctx context.Context, callID, byUserID string) (*Session, error) {
	s, err := m.session(callID)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	s.mu.Lock()
	if err := m.checkTransition(s.rec, StateInWaitroom); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if byUserID != "" && byUserID != s.rec.CalleeID {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: only the callee can answer", ErrNotParty)
	}
	now := m.now()
	s.rec.State = StateInWaitroom
	s.rec.Status = "answered"
	s.rec.AnsweredAt = &now
	s.rec.UpdatedAt = now
	m.cancelWaitroom(s)
	m.armWaitroom(s)
	rec := s.rec.clone()
	s.mu.Unlock()

	m.persist(ctx, rec)
	m.logger.Info("call answered", slog.String("call_id", callID))
	return rec, nil
}

// StartBilling moves a call from IN_WAITROOM to ONGOING, cancels the
// waitroom window and schedules the first minute charge. callerID and
// calleeID, when set, must match the call.
func (m *Manager) StartBilling(ctx context.Context, callID, callerID, calleeID string) (*Session, error) {
	s, err := m.session(callID)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	s.mu.Lock()
	if err := m.checkTransition(s.rec, StateOngoing); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if (callerID != "" && callerID != s.rec.CallerID) || (calleeID != "" && calleeID != s.rec.CalleeID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: parties do not match call %s", ErrNotParty, callID)
	}
	now := m.now()
	s.rec.State = StateOngoing
	s.rec.Status = "ongoing"
	s.rec.StartedAt = &now
	s.rec.UpdatedAt = now
	m.cancelWaitroom(s)
	m.armTick(s)
	rec := s.rec.clone()
	s.mu.Unlock()

	m.persist(ctx, rec)
	m.notifyBoth(rec, protocol.EvtCallOngoing, protocol.CallOngoingPayload{CallID: rec.ID, StartedAt: now})
	m.logger.Info("call billing started", slog.String("call_id", callID))
	return rec, nil
}

// End tears a call down. explicitMinutes, when set, overrides the elapsed
// time as the billed duration. Ending an already ended call returns the
// stored record with Repeated set.
func (m *Manager) End(ctx context.Context, callID string, reason Reason, explicitMinutes *int) (*Outcome, error) {
	s, err := m.session(callID)
	if errors.Is(err, ErrCallNotFound) {
		var ended *Session
		s, ended, err = m.adopt(ctx, callID)
		if ended != nil {
			return &Outcome{Session: ended, Repeated: true}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	// Teardown outlives the requesting connection.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timerOpTimeout)
	defer cancel()
	return m.end(tctx, s, reason, explicitMinutes), nil
}

// end runs the teardown. The caller holds s's turn.
func (m *Manager) end(ctx context.Context, s *session, reason Reason, explicitMinutes *int) *Outcome {
	s.mu.Lock()
	if s.rec.State.Terminal() {
		rec := s.rec.clone()
		s.mu.Unlock()
		return &Outcome{Session: rec, Repeated: true}
	}
	m.cancelWaitroom(s)
	m.cancelTick(s)
	for user, t := range s.grace {
		t.Stop()
		delete(s.grace, user)
	}

	endedAt := m.now()
	minutes := m.billedMinutes(s.rec, reason, explicitMinutes, endedAt)
	amount := s.rec.Rate.Times(minutes)
	callID := s.rec.ID
	reservationID := s.rec.ReservationID
	collected := s.rec.Rate.Times(s.rec.MinutesCharged)
	s.mu.Unlock()

	var settlementID string
	settlement, err := m.billing.SettleFinal(ctx, callID, amount)
	if err != nil {
		m.metrics.settlementFailed()
		m.logger.Error("settling call",
			slog.String("call_id", callID),
			slog.Int64("amount", amount.Amount),
			slog.String("error", err.Error()),
		)
		// Only the minutes already charged were collected; the hold must
		// not outlive the call.
		if reservationID != "" {
			m.releaseReservation(ctx, reservationID)
		}
		amount = collected
	} else {
		settlementID = settlement.ID
	}

	s.mu.Lock()
	s.rec.State = StateEnded
	s.rec.Status = reason.Status()
	s.rec.Reason = reason
	s.rec.EndedAt = &endedAt
	s.rec.Minutes = minutes
	s.rec.Amount = amount
	s.rec.SettlementID = settlementID
	s.rec.UpdatedAt = endedAt
	rec := s.rec.clone()
	s.mu.Unlock()

	m.persist(ctx, rec)
	m.untrack(rec)
	m.sched.Schedule(endedRetention, func() { m.forget(rec.ID) })
	m.metrics.ended(rec)

	m.notifyBoth(rec, protocol.EvtCallEnd, protocol.CallEndedPayload{
		CallID:   rec.ID,
		Status:   rec.Status,
		Reason:   string(rec.Reason),
		Minutes:  rec.Minutes,
		Amount:   rec.Amount.Amount,
		Currency: rec.Amount.Currency,
	})
	m.logger.Info("call ended",
		slog.String("call_id", rec.ID),
		slog.String("reason", string(reason)),
		slog.Int("minutes", minutes),
		slog.Int64("amount", amount.Amount),
	)
	return &Outcome{Session: rec}
}

func (m *Manager) billedMinutes(rec *Session, reason Reason, explicit *int, endedAt time.Time) int {
	switch {
	case explicit != nil:
		return max(*explicit, 0)
	case reason == ReasonBillingFailure:
		return rec.MinutesCharged
	case rec.StartedAt == nil:
		return 0
	}
	elapsed := endedAt.Sub(*rec.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	interval := m.config.billingInterval()
	return int((elapsed + interval - 1) / interval)
}

func (m *Manager) onWaitroomExpired(callID string, gen uint64) {
	s, err := m.session(callID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
	defer cancel()
	if err := s.acquire(ctx); err != nil {
		return
	}
	defer s.release()

	s.mu.Lock()
	stale := gen != s.waitroomGen || s.rec.State.Terminal()
	s.mu.Unlock()
	if stale {
		return
	}
	m.logger.Info("waitroom expired", slog.String("call_id", callID))
	m.end(ctx, s, ReasonWaitroomTimeout, nil)
}

func (m *Manager) onTick(callID string, gen uint64) {
	s, err := m.session(callID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
	defer cancel()
	if err := s.acquire(ctx); err != nil {
		return
	}
	defer s.release()

	s.mu.Lock()
	if gen != s.tickGen || s.rec.State != StateOngoing {
		s.mu.Unlock()
		return
	}
	req := billing.ChargeRequest{
		CallID:  s.rec.ID,
		PayerID: s.rec.CallerID,
		PayeeID: s.rec.CalleeID,
		Minute:  s.rec.MinutesCharged + 1,
		Amount:  s.rec.Rate,
	}
	s.mu.Unlock()

	charge, err := m.billing.ChargeMinute(ctx, req)
	if err != nil {
		m.metrics.tick("failed")
		m.logger.Warn("minute charge failed",
			slog.String("call_id", callID),
			slog.Int("minute", req.Minute),
			slog.String("error", err.Error()),
		)
		m.end(ctx, s, ReasonBillingFailure, nil)
		return
	}
	m.metrics.tick("charged")

	s.mu.Lock()
	s.rec.MinutesCharged = req.Minute
	s.rec.UpdatedAt = m.now()
	m.armTick(s)
	rec := s.rec.clone()
	s.mu.Unlock()

	m.persist(ctx, rec)
	m.notifyBoth(rec, protocol.EvtCallBilled, protocol.CallBilledPayload{
		CallID:   rec.ID,
		Minute:   charge.Minute,
		Amount:   charge.Amount.Amount,
		Currency: charge.Amount.Currency,
	})
}

// PartyDisconnected starts the disconnect grace window for every open call
// of userID. Called when the user's last connection closes.
func (m *Manager) PartyDisconnected(userID string) {
	grace := m.config.DisconnectGrace
	if grace <= 0 {
		return
	}
	for _, s := range m.sessionsFor(userID) {
		s.mu.Lock()
		if _, pending := s.grace[userID]; !pending && !s.rec.State.Terminal() {
			callID := s.rec.ID
			s.grace[userID] = m.sched.Schedule(grace, func() { m.onGraceExpired(callID, userID) })
			m.logger.Info("call party disconnected",
				slog.String("call_id", callID),
				slog.String("user_id", userID),
				slog.Duration("grace", grace),
			)
		}
		s.mu.Unlock()
	}
}

// PartyReconnected cancels pending disconnect windows for userID.
func (m *Manager) PartyReconnected(userID string) {
	for _, s := range m.sessionsFor(userID) {
		s.mu.Lock()
		if t, ok := s.grace[userID]; ok {
			t.Stop()
			delete(s.grace, userID)
		}
		s.mu.Unlock()
	}
}

func (m *Manager) onGraceExpired(callID, userID string) {
	s, err := m.session(callID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
	defer cancel()
	if err := s.acquire(ctx); err != nil {
		return
	}
	defer s.release()

	s.mu.Lock()
	_, pending := s.grace[userID]
	delete(s.grace, userID)
	s.mu.Unlock()
	if !pending {
		return
	}
	if m.presence != nil && m.presence.IsOnline(userID) {
		m.logger.Debug("disconnect grace expired for online party",
			slog.String("call_id", callID),
			slog.String("user_id", userID),
		)
		return
	}
	m.end(ctx, s, ReasonDisconnected, nil)
}

// Get returns the current record of a call, live or persisted.
func (m *Manager) Get(ctx context.Context, callID string) (*Session, error) {
	if s, err := m.session(callID); err == nil {
		return s.snapshot(), nil
	}
	return m.ledger.FindByID(ctx, callID)
}

// Active returns snapshots of calls that have not ended.
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]*Session, 0, len(list))
	for _, s := range list {
		if rec := s.snapshot(); !rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

// OpenCallsFor returns the IDs of userID's calls that have not ended.
func (m *Manager) OpenCallsFor(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		out = append(out, id)
	}
	return out
}

// ListStale returns persisted non-terminal calls not updated since cutoff.
func (m *Manager) ListStale(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	return m.ledger.ListOpen(ctx, cutoff)
}

// IsLive reports whether callID is owned by this process.
func (m *Manager) IsLive(callID string) bool {
	_, err := m.session(callID)
	return err == nil
}

func (m *Manager) checkTransition(rec *Session, to State) error {
	if rec.State.Terminal() {
		return &EndedError{Session: rec.clone()}
	}
	if !canTransition(rec.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, to)
	}
	return nil
}

// armWaitroom and the other timer helpers require s.mu.
func (m *Manager) armWaitroom(s *session) {
	s.waitroomGen++
	gen, callID := s.waitroomGen, s.rec.ID
	s.waitroom = m.sched.Schedule(m.config.waitroomTimeout(), func() { m.onWaitroomExpired(callID, gen) })
}

func (m *Manager) cancelWaitroom(s *session) {
	if s.waitroom != nil {
		s.waitroom.Stop()
		s.waitroom = nil
	}
	s.waitroomGen++
}

func (m *Manager) armTick(s *session) {
	s.tickGen++
	gen, callID := s.tickGen, s.rec.ID
	s.tick = m.sched.Schedule(m.config.billingInterval(), func() { m.onTick(callID, gen) })
}

func (m *Manager) cancelTick(s *session) {
	if s.tick != nil {
		s.tick.Stop()
		s.tick = nil
	}
	s.tickGen++
}

func (m *Manager) session(callID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return s, nil
}

// adopt loads a call this process does not own, for example one left open
// by a previous process. A call that already ended is returned as ended.
func (m *Manager) adopt(ctx context.Context, callID string) (s *session, ended *Session, err error) {
	rec, err := m.ledger.FindByID(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	if rec.State.Terminal() {
		return nil, rec, nil
	}

	m.mu.Lock()
	if s, ok := m.sessions[callID]; ok {
		m.mu.Unlock()
		return s, nil, nil
	}
	s = newSession(rec)
	m.sessions[callID] = s
	m.index(rec)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveCalls.Inc()
	}
	m.logger.Info("adopted open call", slog.String("call_id", callID), slog.String("state", string(rec.State)))
	return s, nil, nil
}

func (m *Manager) track(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.rec.ID] = s
	m.index(s.rec)
}

// index requires m.mu.
func (m *Manager) index(rec *Session) {
	for _, u := range []string{rec.CallerID, rec.CalleeID} {
		set, ok := m.byUser[u]
		if !ok {
			set = make(map[string]struct{})
			m.byUser[u] = set
		}
		set[rec.ID] = struct{}{}
	}
}

func (m *Manager) untrack(rec *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range []string{rec.CallerID, rec.CalleeID} {
		delete(m.byUser[u], rec.ID)
		if len(m.byUser[u]) == 0 {
			delete(m.byUser, u)
		}
	}
}

func (m *Manager) forget(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
}

func (m *Manager) sessionsFor(userID string) []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) persist(ctx context.Context, rec *Session) {
	if err := m.ledger.Save(ctx, rec); err != nil {
		m.logger.Error("saving call",
			slog.String("call_id", rec.ID),
			slog.String("state", string(rec.State)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) releaseReservation(ctx context.Context, reservationID string) {
	r, ok := m.billing.(billing.Releaser)
	if !ok {
		return
	}
	if err := r.ReleaseReservation(ctx, reservationID); err != nil {
		m.logger.Error("releasing reservation",
			slog.String("reservation_id", reservationID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) notifyBoth(rec *Session, msgType protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		m.logger.Error("encoding call event", slog.String("type", string(msgType)), slog.String("error", err.Error()))
		return
	}
	m.notifier.SendToUser(rec.CallerID, env)
	m.notifier.SendToUser(rec.CalleeID, env)
}
