// Package signal provides the default external decision layer: a pivot
// breakout evaluator and a trading-hours session guard. The engine treats the
// verdicts as opaque; all market interpretation lives here.
package signal

import (
	"context"
	"fmt"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/ports"
)

// PivotConfig holds parameters for the pivot breakout evaluator.
type PivotConfig struct {
	BreakoutTicks float64 // Ticks beyond the pivot required to signal (e.g. 2)
	TickSize      float64 // Instrument tick size used to scale BreakoutTicks
}

// PivotBreakout signals long above the previous session high and short below
// the previous session low.
type PivotBreakout struct {
	cfg    PivotConfig
	logger ports.Logger
}

// NewPivotBreakout creates the default signal provider.
func NewPivotBreakout(cfg PivotConfig, logger ports.Logger) (*PivotBreakout, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for signal provider")
	}
	if cfg.TickSize <= 0 {
		return nil, fmt.Errorf("tick size must be positive")
	}
	if cfg.BreakoutTicks < 0 {
		return nil, fmt.Errorf("breakout ticks must not be negative")
	}
	return &PivotBreakout{cfg: cfg, logger: logger}, nil
}

// Evaluate returns the per-tick verdict. Missing pivots produce SignalWait;
// the evaluator never guesses without both reference levels.
func (p *PivotBreakout) Evaluate(ctx context.Context, market domain.MarketContext) domain.TradeSignal {
	if market.Price <= 0 || market.PreviousHigh <= 0 || market.PreviousLow <= 0 {
		return domain.SignalWait
	}

	margin := p.cfg.BreakoutTicks * p.cfg.TickSize
	switch {
	case market.Price > market.PreviousHigh+margin:
		p.logger.Debug(ctx, "Breakout above previous high", map[string]interface{}{
			"price": market.Price, "previousHigh": market.PreviousHigh,
		})
		return domain.SignalOpenLong
	case market.Price < market.PreviousLow-margin:
		p.logger.Debug(ctx, "Breakout below previous low", map[string]interface{}{
			"price": market.Price, "previousLow": market.PreviousLow,
		})
		return domain.SignalOpenShort
	}
	return domain.SignalWait
}
