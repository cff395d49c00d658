package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"callmeter/internal/domain"
	"callmeter/internal/session"
)

func TestBillableMinutes(t *testing.T) {
	tests := []struct {
		name     string
		snap     session.Snapshot
		duration int
		want     int64
	}{
		{name: "zero duration", snap: session.Snapshot{AffordabilityKnown: true, LastAffordableMinute: 5}, duration: 0, want: 0},
		{name: "rounds up", snap: session.Snapshot{AffordabilityKnown: true, LastAffordableMinute: 5}, duration: 125, want: 3},
		{name: "exact minute", snap: session.Snapshot{AffordabilityKnown: true, LastAffordableMinute: 5}, duration: 120, want: 2},
		{name: "capped at last affordable minute", snap: session.Snapshot{AffordabilityKnown: true, LastAffordableMinute: 3}, duration: 200, want: 3},
		{name: "known zero caps to zero", snap: session.Snapshot{AffordabilityKnown: true}, duration: 30, want: 0},
		{name: "unknown affordability bills raw", snap: session.Snapshot{}, duration: 200, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, BillableMinutes(tt.snap, tt.duration))
		})
	}
}

func newTestCharger(t *testing.T, l BalanceLedger) *Charger {
	t.Helper()
	c, err := NewCharger(l, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestNewCharger_RejectsNilLedger(t *testing.T) {
	_, err := NewCharger(nil, nil)
	require.Error(t, err)
}

func TestSettle_ChargesRateTimesMinutes(t *testing.T) {
	l := newFakeLedger(map[string]int64{caller: 20})
	c := newTestCharger(t, l)
	snap := session.Snapshot{ID: "CA1", Caller: caller, RatePerMinute: 3, AffordabilityKnown: true, LastAffordableMinute: 6}

	res := c.Settle(context.Background(), snap, 125)
	require.Equal(t, ChargeCharged, res.Outcome)
	require.Equal(t, int64(3), res.Minutes)
	require.Equal(t, int64(9), res.Amount)
	require.NoError(t, res.Err)
	require.Equal(t, []domain.ChargeRequest{{Account: caller, Amount: 9, Reference: "CA1"}}, l.charges)
}

func TestSettle_Outcomes(t *testing.T) {
	snap := session.Snapshot{ID: "CA1", Caller: caller, RatePerMinute: 3}

	t.Run("skipped", func(t *testing.T) {
		l := newFakeLedger(map[string]int64{caller: 20})
		res := newTestCharger(t, l).Settle(context.Background(), snap, 0)
		require.Equal(t, ChargeSkipped, res.Outcome)
		require.Empty(t, l.charges)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		l := newFakeLedger(map[string]int64{caller: 2})
		res := newTestCharger(t, l).Settle(context.Background(), snap, 60)
		require.Equal(t, ChargeInsufficientFunds, res.Outcome)
		require.ErrorIs(t, res.Err, domain.ErrInsufficientFunds)
		require.Equal(t, int64(2), l.balances[caller])
	})

	t.Run("duplicate", func(t *testing.T) {
		l := newFakeLedger(map[string]int64{caller: 20})
		c := newTestCharger(t, l)
		require.Equal(t, ChargeCharged, c.Settle(context.Background(), snap, 60).Outcome)
		require.Equal(t, ChargeDuplicate, c.Settle(context.Background(), snap, 60).Outcome)
		require.Equal(t, int64(17), l.balances[caller])
	})

	t.Run("failed", func(t *testing.T) {
		l := newFakeLedger(map[string]int64{caller: 20})
		l.chargeErr = errors.New("ledger unavailable")
		res := newTestCharger(t, l).Settle(context.Background(), snap, 60)
		require.Equal(t, ChargeFailed, res.Outcome)
		require.Error(t, res.Err)
	})
}

func TestSettle_IgnoresCanceledParentContext(t *testing.T) {
	l := newFakeLedger(map[string]int64{caller: 20})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newTestCharger(t, &ctxCheckingLedger{fakeLedger: l}).Settle(ctx, session.Snapshot{ID: "CA1", Caller: caller, RatePerMinute: 3}, 60)
	require.Equal(t, ChargeCharged, res.Outcome)
}

type ctxCheckingLedger struct {
	*fakeLedger
}

func (l *ctxCheckingLedger) Charge(ctx context.Context, req domain.ChargeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.fakeLedger.Charge(ctx, req)
}
