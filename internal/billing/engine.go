// Package billing meters answered calls against the caller's prepaid balance
// and settles each call exactly once when it ends.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callmeter/internal/domain"
	"callmeter/internal/metrics"
	"callmeter/internal/session"
)

const (
	DefaultPollInterval     = 15 * time.Second
	DefaultWarningThreshold = 5 * time.Minute
	DefaultTerminationGrace = 5 * time.Minute
	DefaultIOTimeout        = 10 * time.Second
)

// BalanceLedger is the remote source of truth for balances. Implementations
// must make Charge atomic per account and never let a balance go negative.
type BalanceLedger interface {
	ReadBalance(ctx context.Context, account string) (int64, error)
	Charge(ctx context.Context, req domain.ChargeRequest) error
}

// Telephony controls live calls at the provider.
type Telephony interface {
	TerminateCall(ctx context.Context, callID string) error
	RedirectCallToAnnouncement(ctx context.Context, callID, announcementRef string) error
	FetchCallMetadata(ctx context.Context, callID string) (domain.CallMetadata, error)
}

// Target identifies who a low-time warning is about.
type Target struct {
	CallID string
	Caller string
}

// Notifier dispatches best-effort notifications. Failures are logged by the
// engine and never retried.
type Notifier interface {
	SendLowTimeWarning(ctx context.Context, target Target, remainingMinutes int) error
	SendLowBalanceMessage(ctx context.Context, caller string) error
}

// Deduper reports whether a (call id, status) pair was already processed.
// Seen records the pair; Contains only looks.
type Deduper interface {
	Seen(callID, status string) bool
	Contains(callID, status string) bool
}

// endedMarker is recorded in the Deduper under a call's primary id once a
// terminal notification for it has been handled. Provider statuses never
// start with '#'.
const endedMarker = "#ended"

// Config tunes the engine. Zero values fall back to the package defaults.
type Config struct {
	DefaultRatePerMinute int64
	PollInterval         time.Duration
	WarningThreshold     time.Duration
	TerminationGrace     time.Duration
	IOTimeout            time.Duration
	AnnouncementRef      string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	if c.TerminationGrace <= 0 {
		c.TerminationGrace = DefaultTerminationGrace
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	return c
}

// Outcome summarizes what the engine did with one notification.
type Outcome string

const (
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyActive  Outcome = "already_active"
	OutcomeAlreadyEnded   Outcome = "already_ended"
	OutcomeRejected       Outcome = "rejected"
	OutcomeCharged        Outcome = "charged"
	OutcomeChargeFailed   Outcome = "charge_failed"
	OutcomeClosed         Outcome = "closed"
	OutcomeUnknownSession Outcome = "unknown_session"
)

// Engine ingests call lifecycle notifications and owns one monitor goroutine
// per answered call.
type Engine struct {
	cfg       Config
	dedup     Deduper
	sessions  *session.Registry
	ledger    BalanceLedger
	telephony Telephony
	notifier  Notifier
	charger   *Charger
	logger    *slog.Logger
	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())

	// mu orders session starts against Shutdown so no monitor is added to
	// wg once closing is set.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the engine's clock. The registry should share it so
// elapsed time is measured consistently.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(cfg Config, d Deduper, sessions *session.Registry, ledger BalanceLedger, telephony Telephony, notifier Notifier, opts ...Option) (*Engine, error) {
	if d == nil {
		return nil, errors.New("billing: deduper must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("billing: session registry must not be nil")
	}
	if ledger == nil {
		return nil, errors.New("billing: balance ledger must not be nil")
	}
	if telephony == nil {
		return nil, errors.New("billing: telephony must not be nil")
	}
	if notifier == nil {
		return nil, errors.New("billing: notifier must not be nil")
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		dedup:     d,
		sessions:  sessions,
		ledger:    ledger,
		telephony: telephony,
		notifier:  notifier,
		logger:    slog.Default(),
		now:       time.Now,
		newTicker: systemTicker,
	}
	for _, opt := range opts {
		opt(e)
	}
	charger, err := NewCharger(ledger, e.logger)
	if err != nil {
		return nil, err
	}
	charger.timeout = e.cfg.IOTimeout
	e.charger = charger
	return e, nil
}

// HandleEvent routes a notification to the entry point for its status. It
// never fails: every notification is acknowledged.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.CallEvent) Outcome {
	switch {
	case ev.Status.IsAnswered():
		return e.Answered(ctx, ev)
	case ev.Status == domain.StatusCompleted:
		return e.Completed(ctx, ev)
	case ev.Status.IsTerminal():
		return e.Ended(ctx, ev)
	case ev.Status.IsPreAnswer():
		return e.Progress(ctx, ev)
	default:
		return e.ingest(ctx, ev, func(_ context.Context, ev domain.CallEvent) Outcome {
			e.logger.Info("ignoring unrecognized call status", "call_id", ev.CallID, "status", string(ev.Status))
			return OutcomeIgnored
		})
	}
}

// Progress acknowledges pre-answer notifications (queued, initiated, ringing).
func (e *Engine) Progress(ctx context.Context, ev domain.CallEvent) Outcome {
	return e.ingest(ctx, ev, func(_ context.Context, ev domain.CallEvent) Outcome {
		e.logger.Debug("call progress", "call_id", ev.CallID, "primary_id", ev.PrimaryID(), "status", string(ev.Status))
		return OutcomeIgnored
	})
}

// Answered starts billing for a call that reached answered/in-progress.
func (e *Engine) Answered(ctx context.Context, ev domain.CallEvent) Outcome {
	return e.ingest(ctx, ev, e.answered)
}

// Completed settles a completed call. A zero duration means nothing was
// billable and the session is only cleaned up.
func (e *Engine) Completed(ctx context.Context, ev domain.CallEvent) Outcome {
	return e.ingest(ctx, ev, e.completed)
}

// Ended cleans up after a call that failed, was busy, unanswered or canceled.
func (e *Engine) Ended(ctx context.Context, ev domain.CallEvent) Outcome {
	return e.ingest(ctx, ev, e.ended)
}

func (e *Engine) ingest(ctx context.Context, ev domain.CallEvent, fn func(context.Context, domain.CallEvent) Outcome) Outcome {
	status := string(ev.Status)
	if strings.TrimSpace(ev.CallID) == "" {
		e.logger.Warn("ignoring notification without call id", "status", status)
		metrics.RecordEvent(status, string(OutcomeIgnored))
		return OutcomeIgnored
	}
	if e.dedup.Seen(ev.CallID, status) {
		e.logger.Debug("duplicate notification", "call_id", ev.CallID, "status", status)
		metrics.RecordEvent(status, string(OutcomeDuplicate))
		return OutcomeDuplicate
	}
	out := fn(ctx, ev)
	metrics.RecordEvent(status, string(out))
	return out
}

func (e *Engine) answered(ctx context.Context, ev domain.CallEvent) Outcome {
	id := ev.PrimaryID()
	logger := e.logger.With("call_id", id, "event_call_id", ev.CallID)

	if _, ok := e.sessions.Get(id); ok {
		logger.Warn("answered notification for an active session")
		return OutcomeAlreadyActive
	}
	if e.dedup.Contains(id, endedMarker) {
		logger.Warn("answered notification after the call ended; not billing")
		return OutcomeAlreadyEnded
	}

	caller := e.resolveCaller(ctx, id, ev)
	if caller == "" {
		logger.Warn("cannot bill answered call without a caller")
		return OutcomeIgnored
	}
	rate := ev.RatePerMinute
	if rate <= 0 {
		rate = e.cfg.DefaultRatePerMinute
	}
	if rate <= 0 {
		logger.Warn("cannot bill answered call without a rate", "caller", caller)
		return OutcomeIgnored
	}
	logger = logger.With("caller", caller, "rate", rate)

	balance, known := e.readBalance(ctx, caller, logger)
	if known && balance < rate {
		logger.Warn("balance does not cover the first minute; hanging up", "balance", balance)
		metrics.ForcedTerminationsTotal.WithLabelValues("rejected_at_answer").Inc()
		ioCtx, cancel := e.ioContext(ctx)
		defer cancel()
		if err := e.telephony.TerminateCall(ioCtx, id); err != nil {
			logger.Error("failed to hang up unaffordable call", "err", err)
		}
		return OutcomeRejected
	}

	affordable := int64(-1)
	if known {
		affordable = affordableMinutes(balance, rate)
	}
	if out := e.startSession(id, caller, rate, affordable, logger); out != OutcomeStarted {
		return out
	}
	e.syncGauge()

	logger.Info("billing session started", "balance_known", known, "balance", balance)
	return OutcomeStarted
}

// startSession registers the session, seeds its affordability when known
// (affordable >= 0) and launches its monitor. A terminal
// notification that lands between the answered pre-checks and Start is caught
// by the second marker check, because terminal handlers record the marker
// before they look for a session.
func (e *Engine) startSession(id, caller string, rate, affordable int64, logger *slog.Logger) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		logger.Warn("answered notification during shutdown; not billing")
		return OutcomeIgnored
	}
	s, err := e.sessions.Start(id, caller, rate)
	if errors.Is(err, session.ErrAlreadyActive) {
		logger.Warn("answered notification raced an active session")
		return OutcomeAlreadyActive
	}
	if err != nil {
		logger.Error("failed to start session", "err", err)
		return OutcomeIgnored
	}
	if e.dedup.Contains(id, endedMarker) {
		e.sessions.RemoveSession(s)
		logger.Warn("call ended while the session was starting; not billing")
		return OutcomeAlreadyEnded
	}
	if affordable >= 0 {
		if _, err := e.sessions.Touch(id, affordable); err != nil {
			logger.Warn("session vanished while seeding affordability", "err", err)
		}
	}

	e.wg.Add(1)
	go e.monitor(s)
	return OutcomeStarted
}

func (e *Engine) completed(ctx context.Context, ev domain.CallEvent) Outcome {
	if ev.DurationSeconds <= 0 {
		return e.ended(ctx, ev)
	}
	id := ev.PrimaryID()
	e.dedup.Seen(id, endedMarker)

	snap, ok := e.sessions.Remove(id)
	if !ok {
		e.logger.Warn("completed notification for unknown session", "call_id", id, "event_call_id", ev.CallID, "duration_seconds", ev.DurationSeconds)
		return OutcomeUnknownSession
	}
	e.syncGauge()

	res := e.charger.Settle(ctx, snap, ev.DurationSeconds)
	switch res.Outcome {
	case ChargeCharged:
		return OutcomeCharged
	case ChargeSkipped:
		return OutcomeClosed
	case ChargeDuplicate:
		return OutcomeDuplicate
	default:
		return OutcomeChargeFailed
	}
}

func (e *Engine) ended(_ context.Context, ev domain.CallEvent) Outcome {
	id := ev.PrimaryID()
	e.dedup.Seen(id, endedMarker)
	snap, ok := e.sessions.Remove(id)
	if !ok {
		e.logger.Info("call ended without a billing session", "call_id", id, "status", string(ev.Status))
		return OutcomeUnknownSession
	}
	e.syncGauge()
	e.logger.Info("billing session closed without charge", "call_id", id, "caller", snap.Caller, "status", string(ev.Status))
	return OutcomeClosed
}

// Shutdown stops every monitor and waits for them to exit or ctx to expire.
// Sessions still active are logged so they can be reconciled.
// Answered notifications arriving after Shutdown starts are ignored.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	for _, snap := range e.sessions.CancelAll() {
		e.logger.Warn("shutting down with active session; call left unbilled",
			"call_id", snap.ID, "caller", snap.Caller, "last_affordable_minute", snap.LastAffordableMinute)
	}
	e.syncGauge()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the number of calls currently being billed.
func (e *Engine) ActiveSessions() int {
	return e.sessions.Len()
}

func (e *Engine) resolveCaller(ctx context.Context, id string, ev domain.CallEvent) string {
	if c := strings.TrimSpace(ev.Caller); c != "" {
		return c
	}
	if c := strings.TrimSpace(ev.From); c != "" {
		return c
	}
	ioCtx, cancel := e.ioContext(ctx)
	defer cancel()
	meta, err := e.telephony.FetchCallMetadata(ioCtx, id)
	if err != nil {
		e.logger.Warn("failed to fetch call metadata", "call_id", id, "err", err)
		return ""
	}
	return strings.TrimSpace(meta.From)
}

// readBalance returns the caller's balance and whether it is known. A
// missing account is a known zero balance; any other error is unknown.
func (e *Engine) readBalance(ctx context.Context, caller string, logger *slog.Logger) (int64, bool) {
	ioCtx, cancel := e.ioContext(ctx)
	defer cancel()
	balance, err := e.ledger.ReadBalance(ioCtx, caller)
	switch {
	case err == nil:
		return balance, true
	case errors.Is(err, domain.ErrAccountNotFound):
		return 0, true
	default:
		logger.Warn("balance read failed", "err", err)
		return 0, false
	}
}

func (e *Engine) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.IOTimeout)
}

func (e *Engine) syncGauge() {
	metrics.ActiveSessions.Set(float64(e.sessions.Len()))
}

// affordableMinutes is floor(balance / rate); a negative balance affords nothing.
func affordableMinutes(balance, rate int64) int64 {
	if balance <= 0 || rate <= 0 {
		return 0
	}
	return balance / rate
}

// ceilMinutes rounds a duration up to whole minutes.
func ceilMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Minute - 1) / time.Minute)
}
