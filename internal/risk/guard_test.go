package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardMaxLoss(t *testing.T) {
	g := NewGuard(GuardConfig{MaxDailyLoss: 100, MaxOpenPositions: 1})
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	assert.False(t, g.MaxLossTripped(now))

	g.RecordPnL(-60, now)
	assert.False(t, g.MaxLossTripped(now))

	g.RecordPnL(-40, now)
	assert.True(t, g.MaxLossTripped(now))
	assert.Equal(t, -100.0, g.DailyPnL())

	// Profits can pull the total back above the trip level.
	g.RecordPnL(30, now)
	assert.False(t, g.MaxLossTripped(now))
}

func TestGuardResetsOnNewDay(t *testing.T) {
	g := NewGuard(GuardConfig{MaxDailyLoss: 50})
	day1 := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	g.RecordPnL(-80, day1)
	assert.True(t, g.MaxLossTripped(day1))

	assert.False(t, g.MaxLossTripped(day2))
	assert.Equal(t, 0.0, g.DailyPnL())
}

func TestGuardCanOpen(t *testing.T) {
	g := NewGuard(GuardConfig{MaxOpenPositions: 2})

	assert.True(t, g.CanOpen(0))
	assert.True(t, g.CanOpen(1))
	assert.False(t, g.CanOpen(2))

	unlimited := NewGuard(GuardConfig{})
	assert.True(t, unlimited.CanOpen(100))
}

func TestGuardDisabledMaxLoss(t *testing.T) {
	g := NewGuard(GuardConfig{})
	now := time.Now()
	g.RecordPnL(-1e9, now)
	assert.False(t, g.MaxLossTripped(now))
}
