package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfrdragon/11-19-strat/internal/domain"
)

func testCalculator(t *testing.T) *Calculator {
	t.Helper()
	calc, err := NewCalculator(CalculatorConfig{
		FallbackStopTicks: 40,
		MinDistanceTicks:  2,
		RewardRatio:       1.5,
	}, domain.Instrument{Symbol: "ETHUSDT", TickSize: 0.01, LotStep: 0.001})
	require.NoError(t, err)
	return calc
}

func TestNewCalculatorValidation(t *testing.T) {
	instr := domain.Instrument{TickSize: 0.01}

	_, err := NewCalculator(CalculatorConfig{FallbackStopTicks: 40, MinDistanceTicks: 2, RewardRatio: 1.5}, domain.Instrument{})
	assert.Error(t, err)
	_, err = NewCalculator(CalculatorConfig{MinDistanceTicks: 2, RewardRatio: 1.5}, instr)
	assert.Error(t, err)
	_, err = NewCalculator(CalculatorConfig{FallbackStopTicks: 40, RewardRatio: 1.5}, instr)
	assert.Error(t, err)
	_, err = NewCalculator(CalculatorConfig{FallbackStopTicks: 40, MinDistanceTicks: 2}, instr)
	assert.Error(t, err)
}

func TestStopLossAnchorsOnPivot(t *testing.T) {
	calc := testCalculator(t)
	market := domain.MarketContext{Price: 100, PreviousLow: 98, PreviousHigh: 103, Time: time.Now()}

	// Long entered at 100 with the previous session low at 98: the stop sits
	// on the pivot, below entry, and the target strictly above entry.
	stop := calc.StopLoss(domain.Long, 100, market)
	assert.Equal(t, 98.0, stop)
	assert.Less(t, stop, 100.0)

	tp := calc.TakeProfit(domain.Long, 100, market)
	assert.Equal(t, 103.0, tp) // 100 + (100-98)*1.5
	assert.Greater(t, tp, 100.0)
}

func TestStopLossShortAnchorsOnPreviousHigh(t *testing.T) {
	calc := testCalculator(t)
	market := domain.MarketContext{Price: 100, PreviousLow: 98, PreviousHigh: 103}

	stop := calc.StopLoss(domain.Short, 100, market)
	assert.Equal(t, 103.0, stop)

	tp := calc.TakeProfit(domain.Short, 100, market)
	assert.Equal(t, 95.5, tp) // 100 - (103-100)*1.5
}

func TestStopLossFallsBackToVolatility(t *testing.T) {
	calc := testCalculator(t)

	// No pivot, volatility of 50 ticks: distance 0.50.
	market := domain.MarketContext{Price: 100, VolatilityTicks: 50}
	assert.Equal(t, 99.5, calc.StopLoss(domain.Long, 100, market))

	// A later snapshot without volatility reuses the cached estimate.
	assert.Equal(t, 99.5, calc.StopLoss(domain.Long, 100, domain.MarketContext{Price: 100}))
}

func TestStopLossHardFallback(t *testing.T) {
	calc := testCalculator(t)

	// No pivot, no volatility, nothing cached: 40 ticks = 0.40.
	stop := calc.StopLoss(domain.Long, 100, domain.MarketContext{Price: 100})
	assert.Equal(t, 99.6, stop)
}

func TestStopLossIgnoresWrongSidePivot(t *testing.T) {
	calc := testCalculator(t)

	// Previous low above entry is useless for a long; fall back to distance.
	market := domain.MarketContext{Price: 100, PreviousLow: 101, VolatilityTicks: 50}
	assert.Equal(t, 99.5, calc.StopLoss(domain.Long, 100, market))
}

func TestCorrectSideMovesViolatingPrices(t *testing.T) {
	calc := testCalculator(t)

	// A long stop at or above entry collapses to the minimum distance below.
	assert.Equal(t, 99.98, calc.CorrectSide(domain.Long, 100, 100.5, true))
	assert.Equal(t, 99.98, calc.CorrectSide(domain.Long, 100, 0, true))

	// A long target at or below entry collapses to the minimum distance above.
	assert.Equal(t, 100.02, calc.CorrectSide(domain.Long, 100, 99, false))

	// Shorts invert the rule.
	assert.Equal(t, 100.02, calc.CorrectSide(domain.Short, 100, 99, true))
	assert.Equal(t, 99.98, calc.CorrectSide(domain.Short, 100, 101, false))

	// Valid prices pass through tick-rounded.
	assert.Equal(t, 98.0, calc.CorrectSide(domain.Long, 100, 98.0001, true))
}

func TestTakeProfitNeverEqualsEntry(t *testing.T) {
	calc := testCalculator(t)

	for _, side := range []domain.PositionSide{domain.Long, domain.Short} {
		tp := calc.TakeProfit(side, 100, domain.MarketContext{})
		assert.NotEqual(t, 100.0, tp, "side %s", side)
	}
}
