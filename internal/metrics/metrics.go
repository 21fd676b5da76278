// Package metrics exposes Prometheus instrumentation for the protection
// engine:
//   - engine_protection_repairs_total{leg,outcome} – repair attempts per protective leg
//   - engine_liquidations_total{outcome}           – forced liquidations by result
//   - engine_orphan_orders_cancelled_total         – orphaned protective orders removed
//   - engine_reversals_total{outcome}              – reversal transactions by terminal state
//   - engine_protected_positions                   – live positions with full protection (gauge)
//   - engine_unprotected_positions                 – live positions missing a leg (gauge)
//
// Registered in init() and served by the HTTP handler wired in main.go at
// /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_protection_repairs_total",
			Help: "Protective-leg repair attempts",
		},
		[]string{"leg", "outcome"}, // leg: stop|take_profit, outcome: ok|failed
	)

	liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_liquidations_total",
			Help: "Forced liquidations by result",
		},
		[]string{"outcome"}, // ok|failed
	)

	orphansCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_orphan_orders_cancelled_total",
			Help: "Orphaned protective orders cancelled",
		},
	)

	reversals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_reversals_total",
			Help: "Reversal transactions by terminal state",
		},
		[]string{"outcome"}, // protected|flatten_only|failed
	)

	protectedPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_protected_positions",
			Help: "Live positions with both protective legs in place",
		},
	)

	unprotectedPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_unprotected_positions",
			Help: "Live positions missing at least one protective leg",
		},
	)
)

func init() {
	prometheus.MustRegister(
		repairs,
		liquidations,
		orphansCancelled,
		reversals,
		protectedPositions,
		unprotectedPositions,
	)
}

// RepairAttempt counts a repair attempt for one protective leg.
func RepairAttempt(leg string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	repairs.WithLabelValues(leg, outcome).Inc()
}

// Liquidation counts a forced liquidation.
func Liquidation(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	liquidations.WithLabelValues(outcome).Inc()
}

// OrphansCancelled counts orphaned protective orders removed.
func OrphansCancelled(n int) {
	if n > 0 {
		orphansCancelled.Add(float64(n))
	}
}

// Reversal counts a reversal transaction reaching a terminal state.
func Reversal(outcome string) {
	reversals.WithLabelValues(outcome).Inc()
}

// ProtectionCoverage updates the protected/unprotected position gauges.
func ProtectionCoverage(protected, unprotected int) {
	protectedPositions.Set(float64(protected))
	unprotectedPositions.Set(float64(unprotected))
}
