// Package liquidation forces positions closed when protection cannot be
// established or maintained. Capital protection takes priority over position
// retention: market orders are the primary mechanism, with the broker's
// direct close primitive as a one-shot fallback.
package liquidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/ports"
)

// Config holds the liquidation attempt and verification budgets.
type Config struct {
	MaxMarketAttempts int           // Market-order submissions before falling back (default 3)
	RetryDelay        time.Duration // Wait after a failed submission (default 1s)
	VerifyPolls       int           // Existence checks after a successful submission (default 3)
	VerifyInterval    time.Duration // Delay between existence checks (default 1s)
	Label             string        // Label applied to liquidation orders (default "liq")
}

func (c *Config) applyDefaults() {
	if c.MaxMarketAttempts <= 0 {
		c.MaxMarketAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.VerifyPolls <= 0 {
		c.VerifyPolls = 3
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = time.Second
	}
	if c.Label == "" {
		c.Label = "liq"
	}
}

// attempt tracks liquidation history for one position. It prevents
// concurrent duplicate attempts and blocks retries once the one-shot
// fallback has been spent.
type attempt struct {
	count        int
	lastAttempt  time.Time
	fallbackUsed bool
	inFlight     bool
}

// Liquidator closes positions by force.
type Liquidator struct {
	cfg    Config
	broker ports.Broker
	clock  ports.Clock
	logger ports.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

// New creates an emergency liquidator.
func New(cfg Config, broker ports.Broker, clock ports.Clock, logger ports.Logger) (*Liquidator, error) {
	if broker == nil || clock == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Liquidator")
	}
	cfg.applyDefaults()
	return &Liquidator{
		cfg:      cfg,
		broker:   broker,
		clock:    clock,
		logger:   logger,
		attempts: make(map[string]*attempt),
	}, nil
}

// Reset clears all per-position attempt state.
func (l *Liquidator) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = make(map[string]*attempt)
}

// Forget drops attempt state for a position that no longer exists.
func (l *Liquidator) Forget(positionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, positionID)
}

// Liquidate forces the position closed. Up to MaxMarketAttempts market
// submissions, each verified by polling for the position's disappearance;
// then the broker's direct close primitive exactly once. Returns true once
// the position is gone.
func (l *Liquidator) Liquidate(ctx context.Context, pos *domain.Position, reason string) bool {
	op := "Liquidate"
	if pos == nil || pos.Quantity <= 0 {
		return false
	}

	l.mu.Lock()
	a := l.attempts[pos.ID]
	if a == nil {
		a = &attempt{}
		l.attempts[pos.ID] = a
	}
	if a.inFlight {
		l.mu.Unlock()
		l.logger.Warn(ctx, op+": liquidation already in flight, skipping duplicate", map[string]interface{}{
			"positionID": pos.ID,
		})
		return false
	}
	if a.fallbackUsed {
		l.mu.Unlock()
		l.logger.Warn(ctx, op+": fallback already spent for position, not retrying", map[string]interface{}{
			"positionID": pos.ID,
		})
		return false
	}
	a.inFlight = true
	a.lastAttempt = l.clock.Now()
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		a.inFlight = false
		l.mu.Unlock()
	}()

	l.logger.Warn(ctx, op+": forcing position closed", map[string]interface{}{
		"positionID": pos.ID, "side": pos.Side, "quantity": pos.Quantity, "reason": reason,
	})

	for i := 0; i < l.cfg.MaxMarketAttempts; i++ {
		l.mu.Lock()
		a.count++
		l.mu.Unlock()

		_, err := l.broker.PlaceOrder(ctx, ports.OrderSpec{
			Symbol:     pos.Symbol,
			Side:       pos.Side.ExitSide(),
			Type:       domain.OrderTypeMarket,
			Quantity:   pos.Quantity,
			ReduceOnly: true,
			PositionID: pos.ID,
			Label:      l.cfg.Label,
		})
		if err != nil {
			l.logger.Error(ctx, err, op+": market submission failed", map[string]interface{}{
				"positionID": pos.ID, "attempt": i + 1,
			})
			if sleepErr := l.clock.Sleep(ctx, l.cfg.RetryDelay); sleepErr != nil {
				return false
			}
			continue
		}

		if l.verifyGone(ctx, pos) {
			l.logger.Info(ctx, op+": position closed by market order", map[string]interface{}{
				"positionID": pos.ID, "attempt": i + 1,
			})
			return true
		}
	}

	// Market attempts exhausted: one-shot direct close primitive.
	l.mu.Lock()
	a.fallbackUsed = true
	l.mu.Unlock()

	l.logger.Warn(ctx, op+": market attempts exhausted, using direct close fallback", map[string]interface{}{
		"positionID": pos.ID,
	})
	if err := l.broker.ClosePosition(ctx, pos); err != nil {
		l.logger.Error(ctx, err, op+": direct close fallback failed", map[string]interface{}{
			"positionID": pos.ID,
		})
		return false
	}
	if err := l.clock.Sleep(ctx, l.cfg.VerifyInterval); err != nil {
		return false
	}
	gone := !l.positionExists(ctx, pos)
	if gone {
		l.logger.Info(ctx, op+": position closed by direct close fallback", map[string]interface{}{
			"positionID": pos.ID,
		})
	} else {
		l.logger.Error(ctx, nil, op+": LIQUIDATION FAILED, position still live", map[string]interface{}{
			"positionID": pos.ID,
		})
	}
	return gone
}

// verifyGone polls until the position disappears or the poll budget runs out.
func (l *Liquidator) verifyGone(ctx context.Context, pos *domain.Position) bool {
	for i := 0; i < l.cfg.VerifyPolls; i++ {
		if err := l.clock.Sleep(ctx, l.cfg.VerifyInterval); err != nil {
			return false
		}
		if !l.positionExists(ctx, pos) {
			return true
		}
	}
	return false
}

// positionExists reports whether the broker still lists the position.
// Query failures count as "still exists" so a flaky read never declares
// success prematurely.
func (l *Liquidator) positionExists(ctx context.Context, pos *domain.Position) bool {
	positions, err := l.broker.QueryPositions(ctx, pos.Symbol)
	if err != nil {
		return true
	}
	for _, p := range positions {
		if p.ID == pos.ID {
			return true
		}
	}
	return false
}
