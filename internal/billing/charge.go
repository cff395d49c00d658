package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callmeter/internal/domain"
	"callmeter/internal/metrics"
	"callmeter/internal/session"
)

type ChargeOutcome string

const (
	ChargeCharged           ChargeOutcome = "charged"
	ChargeInsufficientFunds ChargeOutcome = "insufficient_funds"
	ChargeDuplicate         ChargeOutcome = "duplicate"
	ChargeFailed            ChargeOutcome = "failed"
	ChargeSkipped           ChargeOutcome = "skipped"
)

type ChargeResult struct {
	Outcome ChargeOutcome
	Minutes int64
	Amount  int64
	Err     error
}

// BillableMinutes rounds the reported duration up to whole minutes and caps
// it at the last minute the balance was confirmed to cover. When the monitor
// never confirmed anything the raw duration is billed and the ledger's own
// balance check decides.
func BillableMinutes(snap session.Snapshot, durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	raw := ceilMinutes(time.Duration(durationSeconds) * time.Second)
	if snap.AffordabilityKnown && raw > snap.LastAffordableMinute {
		return snap.LastAffordableMinute
	}
	return raw
}

// Charger settles a finished call with exactly one ledger charge.
type Charger struct {
	ledger  BalanceLedger
	logger  *slog.Logger
	timeout time.Duration
}

func NewCharger(ledger BalanceLedger, logger *slog.Logger) (*Charger, error) {
	if ledger == nil {
		return nil, errors.New("billing: balance ledger must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Charger{ledger: ledger, logger: logger, timeout: DefaultIOTimeout}, nil
}

// Settle charges billed minutes at the session's rate, using the call id as
// the charge reference. It is not retried: a failed charge is logged with
// enough context to reconcile by hand.
func (c *Charger) Settle(ctx context.Context, snap session.Snapshot, durationSeconds int) ChargeResult {
	minutes := BillableMinutes(snap, durationSeconds)
	amount := minutes * snap.RatePerMinute
	logger := c.logger.With(
		"call_id", snap.ID,
		"caller", snap.Caller,
		"duration_seconds", durationSeconds,
		"billed_minutes", minutes,
		"amount", amount,
	)

	if minutes == 0 {
		logger.Info("nothing to charge")
		metrics.RecordCharge(string(ChargeSkipped), 0, 0)
		return ChargeResult{Outcome: ChargeSkipped}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	err := c.ledger.Charge(ctx, domain.ChargeRequest{
		Account:   snap.Caller,
		Amount:    amount,
		Reference: snap.ID,
	})

	res := ChargeResult{Minutes: minutes, Amount: amount, Err: err}
	switch {
	case err == nil:
		res.Outcome = ChargeCharged
		logger.Info("call charged")
	case errors.Is(err, domain.ErrDuplicate):
		res.Outcome = ChargeDuplicate
		logger.Warn("call already charged")
	case errors.Is(err, domain.ErrInsufficientFunds):
		res.Outcome = ChargeInsufficientFunds
		logger.Error("charge rejected: insufficient funds; call left unbilled", "err", err)
	default:
		res.Outcome = ChargeFailed
		logger.Error("charge failed; call left unbilled", "err", err)
	}
	metrics.RecordCharge(string(res.Outcome), minutes, amount)
	return res
}
