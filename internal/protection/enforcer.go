package protection

import (
	"context"
	"sync"
	"time"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/metrics"
	"github.com/sfrdragon/11-19-strat/internal/ports"
)

// Pair tracks the protective legs expected for one live position.
type Pair struct {
	PositionID        string
	StopOrderID       string
	TakeProfitOrderID string
	StopPrice         float64
	TakeProfitPrice   float64
}

// Liquidator forces a position closed when protection cannot be established.
// Implemented by the liquidation package; declared here so the enforcer does
// not depend on it directly.
type Liquidator interface {
	Liquidate(ctx context.Context, pos *domain.Position, reason string) bool
}

// PriceCalculator computes protective price levels from market context.
type PriceCalculator interface {
	StopLoss(side domain.PositionSide, entry float64, market domain.MarketContext) float64
	TakeProfit(side domain.PositionSide, entry float64, market domain.MarketContext) float64
}

// EnforcerConfig holds tunables for the per-tick invariant check.
type EnforcerConfig struct {
	SettleDelay time.Duration // Wait before re-verifying a repaired leg (default 250ms)
	LabelPrefix string        // Label applied to emergency placements (default "prot")
}

func (c *EnforcerConfig) applyDefaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 250 * time.Millisecond
	}
	if c.LabelPrefix == "" {
		c.LabelPrefix = "prot"
	}
}

// EnforceStats summarizes one enforcement pass.
type EnforceStats struct {
	LivePositions    int
	Protected        int
	Unprotected      int
	Repairs          int
	Liquidations     int
	OrphansCancelled int
}

// Enforcer runs once per tick, before any trading decision, and guarantees
// two invariants over the instrument's live positions:
//
//	Rule 1: every live position has a working stop-loss and take-profit leg.
//	Rule 2: every working protective order belongs to a live position.
//
// It is idempotent and bounded per call: one pass over live positions plus a
// fixed-cost orphan scan. Blocking only occurs on the rare repair path.
type Enforcer struct {
	cfg        EnforcerConfig
	placer     *Placer
	liquidator Liquidator
	prices     PriceCalculator
	broker     ports.Broker
	clock      ports.Clock
	logger     ports.Logger

	mu      sync.Mutex
	pairs   map[string]*Pair
	alerted map[string]bool
}

// NewEnforcer creates a protection invariant enforcer.
func NewEnforcer(cfg EnforcerConfig, placer *Placer, liquidator Liquidator, prices PriceCalculator, broker ports.Broker, clock ports.Clock, logger ports.Logger) *Enforcer {
	cfg.applyDefaults()
	return &Enforcer{
		cfg:        cfg,
		placer:     placer,
		liquidator: liquidator,
		prices:     prices,
		broker:     broker,
		clock:      clock,
		logger:     logger,
		pairs:      make(map[string]*Pair),
		alerted:    make(map[string]bool),
	}
}

// Track registers protection the caller has just placed for a position.
func (e *Enforcer) Track(pair Pair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := pair
	e.pairs[pair.PositionID] = &p
}

// Forget drops tracking state for a position that no longer exists.
func (e *Enforcer) Forget(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pairs, positionID)
	delete(e.alerted, positionID+"/stop")
	delete(e.alerted, positionID+"/tp")
}

// Pair returns the tracked protective pair for a position, if any.
func (e *Enforcer) Pair(positionID string) (Pair, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pairs[positionID]
	if !ok {
		return Pair{}, false
	}
	return *p, true
}

// Reset clears all tracking and alert state.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pairs = make(map[string]*Pair)
	e.alerted = make(map[string]bool)
}

// Enforce runs one reconciliation pass. Errors are logged, never returned:
// nothing may propagate past the tick boundary.
func (e *Enforcer) Enforce(ctx context.Context, market domain.MarketContext) EnforceStats {
	op := "Enforce"
	var stats EnforceStats

	positions, err := e.broker.QueryPositions(ctx, e.placer.Instrument().Symbol)
	if err != nil {
		e.logger.Error(ctx, err, op+": failed to query live positions, skipping cycle")
		return stats
	}
	orders, err := e.broker.QueryOrders(ctx, e.placer.Instrument().Symbol)
	if err != nil {
		e.logger.Error(ctx, err, op+": failed to query open orders, skipping cycle")
		return stats
	}

	stats.LivePositions = len(positions)
	live := make(map[string]bool, len(positions))
	type legs struct{ stop, tp *domain.Order }
	bound := make(map[string]*legs)
	for _, o := range orders {
		if !o.Status.IsWorking() || !o.IsProtective() || o.PositionID == "" {
			continue
		}
		l := bound[o.PositionID]
		if l == nil {
			l = &legs{}
			bound[o.PositionID] = l
		}
		switch o.Type {
		case domain.OrderTypeStop:
			l.stop = o
		case domain.OrderTypeLimit:
			l.tp = o
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Rule 1: every live position carries both legs.
	for _, pos := range positions {
		live[pos.ID] = true
		l := bound[pos.ID]
		if l == nil {
			l = &legs{}
		}

		pair, tracked := e.pairs[pos.ID]
		if !tracked {
			if l.stop == nil && l.tp == nil {
				if e.emergencyProtect(ctx, pos, market, &stats) {
					stats.Protected++
				} else {
					stats.Unprotected++
				}
				continue
			}
			// One or both legs already live at the broker (restart recovery):
			// adopt what exists, so the repair path below places only the
			// missing leg and can never double one up.
			pair = &Pair{PositionID: pos.ID}
			if l.stop != nil {
				pair.StopOrderID = l.stop.ID
				pair.StopPrice = l.stop.TriggerPrice()
			}
			if l.tp != nil {
				pair.TakeProfitOrderID = l.tp.ID
				pair.TakeProfitPrice = l.tp.TriggerPrice()
			}
			e.pairs[pos.ID] = pair
		}

		healthy := true
		if l.stop == nil {
			if !e.repairStop(ctx, pos, pair, market, &stats) {
				stats.Unprotected++
				continue
			}
		} else {
			pair.StopOrderID = l.stop.ID
			delete(e.alerted, pos.ID+"/stop")
		}

		if l.tp == nil {
			// A missing take-profit alone is not liquidation-worthy: the stop
			// is the hard safety net. Repair if possible, else run stop-only.
			if !e.repairTakeProfit(ctx, pos, pair, market, &stats) {
				healthy = false
			}
		} else {
			pair.TakeProfitOrderID = l.tp.ID
			delete(e.alerted, pos.ID+"/tp")
		}

		if healthy {
			stats.Protected++
		} else {
			stats.Unprotected++
		}
	}

	// Rule 2: every working protective order belongs to a live position.
	for _, o := range orders {
		if !o.Status.IsWorking() || !o.IsProtective() {
			continue
		}
		if o.PositionID != "" && live[o.PositionID] {
			continue
		}
		e.logger.Warn(ctx, op+": cancelling orphan protective order", map[string]interface{}{
			"orderID": o.ID, "positionID": o.PositionID, "type": o.Type,
		})
		if e.placer.cancelQuiet(ctx, o.ID, "orphan") {
			stats.OrphansCancelled++
		}
	}

	// Garbage-collect tracking state for positions the broker closed.
	for id := range e.pairs {
		if !live[id] {
			delete(e.pairs, id)
			delete(e.alerted, id+"/stop")
			delete(e.alerted, id+"/tp")
		}
	}

	metrics.OrphansCancelled(stats.OrphansCancelled)
	metrics.ProtectionCoverage(stats.Protected, stats.Unprotected)
	return stats
}

// emergencyProtect covers an untracked live position discovered on a tick:
// compute both legs from best-effort context and place them as a bracket;
// liquidate immediately when that fails. Caller holds e.mu.
func (e *Enforcer) emergencyProtect(ctx context.Context, pos *domain.Position, market domain.MarketContext, stats *EnforceStats) bool {
	op := "emergencyProtect"
	e.logger.Warn(ctx, op+": untracked live position discovered", map[string]interface{}{
		"positionID": pos.ID, "side": pos.Side, "quantity": pos.Quantity, "entryPrice": pos.EntryPrice,
	})

	slPrice := e.prices.StopLoss(pos.Side, pos.EntryPrice, market)
	tpPrice := e.prices.TakeProfit(pos.Side, pos.EntryPrice, market)

	br := e.placer.PlaceBracket(ctx, pos, slPrice, tpPrice, e.cfg.LabelPrefix)
	if !br.Success {
		e.logger.Error(ctx, nil, op+": could not protect untracked position, liquidating", map[string]interface{}{
			"positionID": pos.ID, "reason": br.Message,
		})
		stats.Liquidations++
		ok := e.liquidator.Liquidate(ctx, pos, "untracked position could not be protected")
		metrics.Liquidation(ok)
		return false
	}

	e.pairs[pos.ID] = &Pair{
		PositionID:        pos.ID,
		StopOrderID:       br.StopOrderID,
		TakeProfitOrderID: br.TakeProfitOrderID,
		StopPrice:         slPrice,
		TakeProfitPrice:   tpPrice,
	}
	return true
}

// repairStop restores a missing stop leg; a stop that cannot be restored
// forces liquidation. Returns true when the position ends the call with a
// working stop. Caller holds e.mu.
func (e *Enforcer) repairStop(ctx context.Context, pos *domain.Position, pair *Pair, market domain.MarketContext, stats *EnforceStats) bool {
	op := "repairStop"
	e.alertOnce(ctx, pos.ID+"/stop", op+": tracked position is missing its stop leg", pos)

	price := pair.StopPrice
	if price <= 0 {
		price = e.prices.StopLoss(pos.Side, pos.EntryPrice, market)
	}

	stats.Repairs++
	res := e.placer.PlaceStopLoss(ctx, pos, price, e.cfg.LabelPrefix)
	metrics.RepairAttempt("stop", res.Success)

	// Give the venue a moment to settle before trusting the verification read.
	if err := e.clock.Sleep(ctx, e.cfg.SettleDelay); err != nil {
		return false
	}

	v := e.placer.ValidateProtection(ctx, pos)
	if !v.HasStopLoss {
		e.logger.Error(ctx, nil, op+": stop leg could not be restored, liquidating", map[string]interface{}{
			"positionID": pos.ID, "placement": res.Message, "validation": v.Message,
		})
		stats.Liquidations++
		ok := e.liquidator.Liquidate(ctx, pos, "stop leg could not be restored")
		metrics.Liquidation(ok)
		return false
	}

	pair.StopOrderID = res.OrderID
	pair.StopPrice = price
	if pair.StopOrderID == "" {
		// Placement response lost the id but verification sees the leg:
		// recover it by bounded price proximity.
		if o, found := e.placer.FindOrderNearPrice(ctx, pos.ID, domain.OrderTypeStop, price, e.placer.Instrument().TickSize); found {
			pair.StopOrderID = o.ID
		}
	}
	delete(e.alerted, pos.ID+"/stop")
	return true
}

// repairTakeProfit restores a missing take-profit leg. Failure is logged and
// tolerated. Caller holds e.mu.
func (e *Enforcer) repairTakeProfit(ctx context.Context, pos *domain.Position, pair *Pair, market domain.MarketContext, stats *EnforceStats) bool {
	op := "repairTakeProfit"
	e.alertOnce(ctx, pos.ID+"/tp", op+": tracked position is missing its take-profit leg", pos)

	price := pair.TakeProfitPrice
	if price <= 0 {
		price = e.prices.TakeProfit(pos.Side, pos.EntryPrice, market)
	}

	stats.Repairs++
	res := e.placer.PlaceTakeProfit(ctx, pos, price, e.cfg.LabelPrefix)
	metrics.RepairAttempt("take_profit", res.Success)
	if !res.Success {
		e.logger.Warn(ctx, op+": take-profit leg could not be restored, running stop-only", map[string]interface{}{
			"positionID": pos.ID, "reason": res.Message,
		})
		return false
	}

	pair.TakeProfitOrderID = res.OrderID
	pair.TakeProfitPrice = price
	delete(e.alerted, pos.ID+"/tp")
	return true
}

// alertOnce raises a warning the first time a condition is seen for a
// position; repeats are suppressed until the condition clears.
func (e *Enforcer) alertOnce(ctx context.Context, key, msg string, pos *domain.Position) {
	if e.alerted[key] {
		return
	}
	e.alerted[key] = true
	e.logger.Warn(ctx, msg, map[string]interface{}{
		"positionID": pos.ID, "side": pos.Side, "quantity": pos.Quantity,
	})
}
