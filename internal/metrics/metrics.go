// Package metrics exposes the trading core's Prometheus instrumentation
// and the HTTP server that serves it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts finished cycles by recorded status.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perparena_cycles_total",
			Help: "Finished trading cycles by status",
		},
		[]string{"status"},
	)

	// CycleDuration observes wall-clock cycle time.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perparena_cycle_duration_seconds",
			Help:    "Wall-clock duration of one trading cycle",
			Buckets: []float64{5, 15, 30, 60, 90, 120, 150, 180, 240},
		},
	)

	// SkippedTicks counts scheduler ticks dropped because a cycle was
	// still running.
	SkippedTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perparena_scheduler_skipped_ticks_total",
			Help: "Scheduler ticks skipped due to an in-flight cycle",
		},
	)

	// DecisionsTotal counts agent decisions by parse outcome.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perparena_agent_decisions_total",
			Help: "Agent decisions by agent and parse status",
		},
		[]string{"agent_id", "parse_status"},
	)

	// IntentRejections counts risk-gate rejections by reason code.
	IntentRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perparena_intent_rejections_total",
			Help: "Trade intents rejected by the risk gate, by reason",
		},
		[]string{"reason"},
	)

	// OrdersTotal counts order records by final status.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perparena_orders_total",
			Help: "Orders by terminal status",
		},
		[]string{"status"},
	)

	// ExecutionDrift counts post-execution reconciliation mismatches.
	ExecutionDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perparena_execution_drift_total",
			Help: "Position reconciliation mismatches after execution",
		},
	)

	// AccountEquity tracks the last observed account value.
	AccountEquity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perparena_account_equity",
			Help: "Account equity at the last completed cycle",
		},
	)
)
