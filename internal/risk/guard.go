package risk

import (
	"sync"
	"time"
)

// GuardConfig holds configuration for the pre-trade risk gate.
type GuardConfig struct {
	MaxDailyLoss     float64 // Realized loss (positive number) that trips the gate for the day
	MaxOpenPositions int     // Maximum simultaneously open positions for new entries
}

// Guard tracks realized PnL and gates new entries. Reversals deliberately
// bypass the open-position check; only the max-loss trip applies to them.
type Guard struct {
	cfg GuardConfig

	mu        sync.Mutex
	dailyPnL  float64
	resetDay  time.Time
}

// NewGuard creates a pre-trade risk gate.
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{cfg: cfg}
}

// RecordPnL adds a realized profit or loss to the daily total.
func (g *Guard) RecordPnL(pnl float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(at)
	g.dailyPnL += pnl
}

// MaxLossTripped reports whether the realized daily loss has reached the
// configured limit.
func (g *Guard) MaxLossTripped(at time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(at)
	if g.cfg.MaxDailyLoss <= 0 {
		return false
	}
	return g.dailyPnL <= -g.cfg.MaxDailyLoss
}

// CanOpen reports whether a new entry is allowed given the number of
// currently open positions.
func (g *Guard) CanOpen(openPositions int) bool {
	if g.cfg.MaxOpenPositions <= 0 {
		return true
	}
	return openPositions < g.cfg.MaxOpenPositions
}

// DailyPnL returns the realized PnL accumulated today.
func (g *Guard) DailyPnL() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyPnL
}

// rollDay resets the daily total when the UTC day changes.
// Caller must hold g.mu.
func (g *Guard) rollDay(at time.Time) {
	day := at.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.resetDay) {
		g.resetDay = day
		g.dailyPnL = 0
	}
}
