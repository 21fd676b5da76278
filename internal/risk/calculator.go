package risk

import (
	"fmt"
	"math"
	"sync"

	"github.com/sfrdragon/11-19-strat/internal/domain"
)

// CalculatorConfig holds configuration for protective price computation.
type CalculatorConfig struct {
	FallbackStopTicks float64 // Hard fallback stop distance when no volatility estimate exists
	MinDistanceTicks  float64 // Minimum distance enforced by the side-invariant correction
	RewardRatio       float64 // Take-profit distance as a multiple of the stop distance
}

// Calculator computes stop-loss and take-profit levels from the market
// context. Stops anchor on the side-correct pivot (previous low for longs,
// previous high for shorts) when one is available, otherwise on the current
// volatility estimate, otherwise on a hard fallback distance. A computed
// price that lands on the wrong side of entry is corrected to a minimum
// distance rather than rejected.
type Calculator struct {
	cfg   CalculatorConfig
	instr domain.Instrument

	mu             sync.Mutex
	cachedVolTicks float64
}

// NewCalculator creates a price calculator for one instrument.
func NewCalculator(cfg CalculatorConfig, instr domain.Instrument) (*Calculator, error) {
	if instr.TickSize <= 0 {
		return nil, fmt.Errorf("instrument tick size must be positive")
	}
	if cfg.FallbackStopTicks <= 0 {
		return nil, fmt.Errorf("FallbackStopTicks must be positive")
	}
	if cfg.MinDistanceTicks <= 0 {
		return nil, fmt.Errorf("MinDistanceTicks must be positive")
	}
	if cfg.RewardRatio <= 0 {
		return nil, fmt.Errorf("RewardRatio must be positive")
	}
	return &Calculator{cfg: cfg, instr: instr}, nil
}

// volatilityTicks returns the best-effort volatility estimate: a fresh value
// from the market snapshot (which also refreshes the cache), else the cached
// value, else the configured hard fallback.
func (c *Calculator) volatilityTicks(market domain.MarketContext) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if market.VolatilityTicks > 0 && !math.IsNaN(market.VolatilityTicks) {
		c.cachedVolTicks = market.VolatilityTicks
		return market.VolatilityTicks
	}
	if c.cachedVolTicks > 0 {
		return c.cachedVolTicks
	}
	return c.cfg.FallbackStopTicks
}

// StopLoss computes the protective stop for a position entered at entry.
func (c *Calculator) StopLoss(side domain.PositionSide, entry float64, market domain.MarketContext) float64 {
	dist := c.volatilityTicks(market) * c.instr.TickSize

	var raw float64
	switch side {
	case domain.Long:
		if pivot := market.PreviousLow; pivot > 0 && pivot < entry {
			raw = pivot
		} else {
			raw = entry - dist
		}
	default:
		if pivot := market.PreviousHigh; pivot > entry {
			raw = pivot
		} else {
			raw = entry + dist
		}
	}
	return c.CorrectSide(side, entry, c.instr.RoundPrice(raw), true)
}

// TakeProfit computes the profit target for a position entered at entry.
// The target distance is the realized stop distance scaled by RewardRatio.
func (c *Calculator) TakeProfit(side domain.PositionSide, entry float64, market domain.MarketContext) float64 {
	stop := c.StopLoss(side, entry, market)
	dist := math.Abs(entry-stop) * c.cfg.RewardRatio

	var raw float64
	if side == domain.Long {
		raw = entry + dist
	} else {
		raw = entry - dist
	}
	return c.CorrectSide(side, entry, c.instr.RoundPrice(raw), false)
}

// CorrectSide enforces the side invariant: a long stop must sit below entry
// and a long take-profit above it (inverse for shorts). A violating price is
// moved to the minimum distance on the correct side and tick-rounded.
func (c *Calculator) CorrectSide(side domain.PositionSide, entry, price float64, isStop bool) float64 {
	minDist := c.cfg.MinDistanceTicks * c.instr.TickSize

	below := isStop
	if side == domain.Short {
		below = !isStop
	}

	if below {
		if price >= entry || price <= 0 || math.IsNaN(price) {
			price = entry - minDist
		}
	} else {
		if price <= entry || math.IsNaN(price) {
			price = entry + minDist
		}
	}
	return c.instr.RoundPrice(price)
}
