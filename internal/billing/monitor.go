package billing

import (
	"context"
	"errors"
	"time"

	"callmeter/internal/domain"
	"callmeter/internal/metrics"
	"callmeter/internal/session"
)

type tickResult int

const (
	tickOK tickResult = iota
	tickSkipped
	tickAborted
	tickTerminated
)

func (r tickResult) String() string {
	switch r {
	case tickOK:
		return "ok"
	case tickSkipped:
		return "balance_error"
	case tickAborted:
		return "aborted"
	case tickTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// monitor polls the caller's balance until the session is removed or the
// call is forcibly terminated. Ticks never overlap: a tick that overruns the
// interval drops the missed tick instead of queueing it.
func (e *Engine) monitor(s *session.Session) {
	defer e.wg.Done()

	ticks, stop := e.newTicker(e.cfg.PollInterval)
	defer stop()

	for {
		select {
		case <-s.Done():
			return
		case <-ticks:
		}

		res := e.tick(s)
		metrics.RecordTick(res.String())
		switch res {
		case tickAborted:
			return
		case tickTerminated:
			e.awaitTerminal(s)
			return
		}

		select {
		case <-ticks:
		default:
		}
	}
}

func (e *Engine) tick(s *session.Session) tickResult {
	logger := e.logger.With("call_id", s.ID, "caller", s.Caller)

	ctx, cancel := context.WithTimeout(s.Context(), e.cfg.IOTimeout)
	defer cancel()

	balance, err := e.ledger.ReadBalance(ctx, s.Caller)
	if s.Context().Err() != nil {
		return tickAborted
	}
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		logger.Warn("balance read failed; skipping tick", "err", err)
		return tickSkipped
	}

	affordable := affordableMinutes(balance, s.RatePerMinute)
	elapsed := e.now().Sub(s.StartedAt)
	elapsedMinutes := ceilMinutes(elapsed)

	if _, err := e.sessions.Touch(s.ID, affordable); err != nil {
		return tickAborted
	}

	if elapsedMinutes > affordable {
		if !e.sessions.MarkForcedTermination(s.ID) {
			return tickAborted
		}
		logger.Warn("balance exhausted; terminating call",
			"balance", balance, "affordable_minutes", affordable, "elapsed_minutes", elapsedMinutes)
		e.forceTerminate(s)
		return tickTerminated
	}

	remaining := time.Duration(affordable)*time.Minute - elapsed
	if remaining > 0 && remaining <= e.cfg.WarningThreshold && e.sessions.ClaimWarning(s.ID) {
		minutes := int(ceilMinutes(remaining))
		err := e.notifier.SendLowTimeWarning(ctx, Target{CallID: s.ID, Caller: s.Caller}, minutes)
		metrics.RecordNotification("low_time_warning", err == nil)
		if err != nil {
			logger.Warn("low-time warning failed", "remaining_minutes", minutes, "err", err)
		} else {
			logger.Info("low-time warning sent", "remaining_minutes", minutes)
		}
	}

	if affordable == elapsedMinutes && e.sessions.ClaimLowBalanceNotice(s.ID) {
		err := e.notifier.SendLowBalanceMessage(ctx, s.Caller)
		metrics.RecordNotification("low_balance_message", err == nil)
		if err != nil {
			logger.Warn("low-balance message failed", "err", err)
		} else {
			logger.Info("low-balance message sent")
		}
	}

	return tickOK
}

// forceTerminate plays the announcement when one is configured and hangs up
// otherwise, or when the redirect fails.
func (e *Engine) forceTerminate(s *session.Session) {
	metrics.ForcedTerminationsTotal.WithLabelValues("balance_exhausted").Inc()

	ctx, cancel := e.ioContext(s.Context())
	defer cancel()

	if ref := e.cfg.AnnouncementRef; ref != "" {
		err := e.telephony.RedirectCallToAnnouncement(ctx, s.ID, ref)
		if err == nil {
			return
		}
		e.logger.Warn("announcement redirect failed; hanging up", "call_id", s.ID, "err", err)
	}
	if err := e.telephony.TerminateCall(ctx, s.ID); err != nil {
		e.logger.Error("failed to terminate call", "call_id", s.ID, "err", err)
	}
}

// awaitTerminal gives the provider TerminationGrace to deliver the terminal
// notification that settles the call. After that the session is evicted so
// it cannot leak; the call is left unbilled and logged for reconciliation.
func (e *Engine) awaitTerminal(s *session.Session) {
	timer := time.NewTimer(e.cfg.TerminationGrace)
	defer timer.Stop()

	select {
	case <-s.Done():
		return
	case <-timer.C:
	}

	snap, ok := e.sessions.RemoveSession(s)
	if !ok {
		return
	}
	e.syncGauge()
	metrics.UnbilledEvictionsTotal.Inc()
	e.logger.Warn("no terminal notification after forced termination; session evicted unbilled",
		"call_id", snap.ID,
		"caller", snap.Caller,
		"last_affordable_minute", snap.LastAffordableMinute,
		"amount_due", snap.LastAffordableMinute*snap.RatePerMinute,
		"grace", e.cfg.TerminationGrace)
}
