// Package metrics holds the Prometheus collectors for the service.
// Collectors register on the default registry via promauto and are
// exposed through promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickDuration tracks the duration of one dispatch round.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tc_dispatch_tick_duration_seconds",
		Help:    "Duration of one dispatch loop tick",
		Buckets: prometheus.DefBuckets,
	})

	// Launches counts session launch attempts by model and outcome.
	Launches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc_session_launches_total",
		Help: "Session launch attempts by model and outcome",
	}, []string{"model", "outcome"}) // outcome: launched, capacity_exhausted, error

	// CapacityCurrent tracks live sessions per model.
	CapacityCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tc_capacity_current_sessions",
		Help: "Current live sessions per model",
	}, []string{"model"})

	// CapacityLimit tracks the configured session limit per model.
	CapacityLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tc_capacity_limit_sessions",
		Help: "Configured session limit per model",
	}, []string{"model"})

	// RollingSpend tracks USD spend inside the rolling window.
	RollingSpend = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tc_rolling_spend_usd",
		Help: "USD spend inside the configured rolling window",
	})

	// BreakerState tracks the circuit breaker state
	// (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tc_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// DatabaseDegraded reports whether the DB health monitor is degraded.
	DatabaseDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tc_database_degraded",
		Help: "Database health monitor state (1=degraded)",
	})

	// SessionsFinalized counts finalized sessions by terminal status.
	SessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc_sessions_finalized_total",
		Help: "Finalized sessions by terminal status",
	}, []string{"status"})

	// OrphanedSubagents counts subagent sessions closed because an
	// ancestor finalized first.
	OrphanedSubagents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tc_orphaned_subagents_total",
		Help: "Subagent sessions closed by an ancestor's finalization",
	})

	// SpendAlerts counts spend threshold crossings by severity.
	SpendAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc_spend_alerts_total",
		Help: "Spend threshold alerts by severity",
	}, []string{"severity"}) // severity: soft, hard

	// ProductivityAlerts counts productivity alerts by type.
	ProductivityAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc_productivity_alerts_total",
		Help: "Productivity alerts by type",
	}, []string{"type"})
)
