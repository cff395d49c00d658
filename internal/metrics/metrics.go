package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callmeter_active_sessions",
			Help: "Number of answered calls currently being monitored",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callmeter_events_total",
			Help: "Lifecycle notifications received by status and outcome",
		},
		[]string{"status", "outcome"},
	)

	DedupEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callmeter_dedup_entries",
			Help: "Number of (call id, status) pairs retained by the dedup ledger",
		},
	)

	DedupPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callmeter_dedup_purged_total",
			Help: "Total number of expired dedup entries purged",
		},
	)

	// Monitoring
	MonitorTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callmeter_monitor_ticks_total",
			Help: "Affordability monitor ticks by result",
		},
		[]string{"result"}, // ok, balance_error, terminated, aborted
	)

	ForcedTerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callmeter_forced_terminations_total",
			Help: "Calls cut short because the balance could not cover them",
		},
		[]string{"reason"}, // balance_exhausted, rejected_at_answer
	)

	UnbilledEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callmeter_unbilled_evictions_total",
			Help: "Sessions evicted without a terminal notification after a forced termination",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callmeter_notifications_total",
			Help: "Caller/callee notifications by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Billing
	ChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callmeter_charges_total",
			Help: "Charge attempts by outcome",
		},
		[]string{"outcome"},
	)

	ChargedCreditsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callmeter_charged_credits_total",
			Help: "Total credits successfully charged",
		},
	)

	BilledMinutes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callmeter_billed_minutes",
			Help:    "Billed minutes per settled call",
			Buckets: []float64{1, 2, 3, 5, 10, 15, 30, 60, 120}, // 1m to 2h
		},
	)

	TopUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callmeter_topups_total",
			Help: "Top-up requests by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordEvent records a processed lifecycle notification.
func RecordEvent(status, outcome string) {
	EventsTotal.WithLabelValues(status, outcome).Inc()
}

// RecordTick records one monitor tick result.
func RecordTick(result string) {
	MonitorTicksTotal.WithLabelValues(result).Inc()
}

// RecordNotification records a notification dispatch attempt.
func RecordNotification(kind string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	NotificationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordCharge records a settlement outcome and, when charged, the amount.
func RecordCharge(outcome string, minutes, amount int64) {
	ChargesTotal.WithLabelValues(outcome).Inc()
	if outcome == "charged" {
		ChargedCreditsTotal.Add(float64(amount))
		BilledMinutes.Observe(float64(minutes))
	}
}

// RecordDedupSweep records the result of a dedup purge.
func RecordDedupSweep(removed, retained int) {
	DedupPurgedTotal.Add(float64(removed))
	DedupEntries.Set(float64(retained))
}

// RecordTopUp records a top-up request outcome.
func RecordTopUp(outcome string) {
	TopUpsTotal.WithLabelValues(outcome).Inc()
}
