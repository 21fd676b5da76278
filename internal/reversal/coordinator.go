// Package reversal orchestrates atomic position reversals: one market order
// that both flattens the old position and opens the opposite one via netting
// at the broker, with protection cancellation and re-placement sequenced by
// observed cumulative fills, never by wall-clock delay.
package reversal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/metrics"
	"github.com/sfrdragon/11-19-strat/internal/ports"
	"github.com/sfrdragon/11-19-strat/internal/protection"
)

// ErrFlat is returned when there is no live position to reverse; the caller
// should treat the signal as a normal entry instead.
var ErrFlat = errors.New("no live position to reverse")

// ErrInFlight is returned when a reversal transaction is already running.
var ErrInFlight = errors.New("reversal already in flight")

// State tracks a reversal transaction's progress.
type State int

const (
	StateIdle State = iota
	StateInitiated
	StateFlattenFilled
	StateFullyFilled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInitiated:
		return "Initiated"
	case StateFlattenFilled:
		return "FlattenFilled"
	case StateFullyFilled:
		return "FullyFilled"
	default:
		return "Unknown"
	}
}

// Transaction is the single in-flight reversal. It exists only between
// order submission and its terminal fill or failure event.
type Transaction struct {
	OrderID         string
	OriginalSide    domain.PositionSide
	TargetSide      domain.PositionSide
	TotalQuantity   float64
	FlattenQuantity float64
	Filled          float64
	OldOrderIDs     []string
	OldCancelled    bool
	NewPlaced       bool
	StartedAt       time.Time
	State           State

	// Market snapshot taken at submission; the pivot reference for the new
	// position's protection. Prices themselves are recomputed from the
	// realized fill, never from this snapshot's price.
	Market domain.MarketContext
}

// TradeGate is the pre-trade risk check consumed by the coordinator.
// Reversals check the max-loss trip only; the max-open-positions guard is
// deliberately skipped so a reversal is never blocked by it.
type TradeGate interface {
	MaxLossTripped(at time.Time) bool
}

// ProtectionTracker receives the protective pair placed for the new position.
type ProtectionTracker interface {
	Track(pair protection.Pair)
}

// Config holds reversal policy and budgets.
type Config struct {
	// CancelBeforeSubmit selects the alternative ordering that cancels the
	// old protection before submitting the reversal order. The default,
	// fill-triggered ordering cancels only once the flatten leg is observed
	// filled and is the more robust choice under partial fills.
	CancelBeforeSubmit bool
	NewPositionWait    time.Duration // How long to wait for the new position to appear (default 5s)
	NewPositionPoll    time.Duration // Poll interval while waiting (default 250ms)
	MinQuantity        float64       // Re-entry size; reversals always re-enter at minimum size
	Label              string        // Label applied to reversal orders (default "rev")
	AbandonAfter       time.Duration // Age at which a transaction with no terminal fill is abandoned (default 30s)
}

func (c *Config) applyDefaults(instr domain.Instrument) {
	if c.NewPositionWait <= 0 {
		c.NewPositionWait = 5 * time.Second
	}
	if c.NewPositionPoll <= 0 {
		c.NewPositionPoll = 250 * time.Millisecond
	}
	if c.MinQuantity <= 0 {
		c.MinQuantity = instr.MinQty
	}
	if c.MinQuantity <= 0 {
		c.MinQuantity = instr.LotStep
	}
	if c.Label == "" {
		c.Label = "rev"
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 30 * time.Second
	}
}

// Coordinator drives the reversal state machine. Reverse submits the single
// flip order and returns without blocking; subsequent fill events drive old
// protection cancellation and new protection placement.
type Coordinator struct {
	cfg        Config
	broker     ports.Broker
	placer     *protection.Placer
	liquidator protection.Liquidator
	prices     protection.PriceCalculator
	tracker    ProtectionTracker
	gate       TradeGate
	session    ports.SessionGuard
	clock      ports.Clock
	logger     ports.Logger
	journal    ports.EventJournal

	mu sync.Mutex
	tx *Transaction
}

// NewCoordinator creates a reversal coordinator.
func NewCoordinator(cfg Config, broker ports.Broker, placer *protection.Placer, liquidator protection.Liquidator, prices protection.PriceCalculator, tracker ProtectionTracker, gate TradeGate, session ports.SessionGuard, clock ports.Clock, logger ports.Logger, journal ports.EventJournal) (*Coordinator, error) {
	if broker == nil || placer == nil || liquidator == nil || prices == nil || clock == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Coordinator")
	}
	cfg.applyDefaults(placer.Instrument())
	return &Coordinator{
		cfg:        cfg,
		broker:     broker,
		placer:     placer,
		liquidator: liquidator,
		prices:     prices,
		tracker:    tracker,
		gate:       gate,
		session:    session,
		clock:      clock,
		logger:     logger,
		journal:    journal,
	}, nil
}

// InFlight reports whether a reversal transaction is currently running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// Snapshot returns a copy of the in-flight transaction, if any.
func (c *Coordinator) Snapshot() (Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return Transaction{}, false
	}
	return *c.tx, true
}

// Reset abandons any in-flight transaction without cleanup. Intended for
// tests and shutdown only.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tx = nil
}

// Reverse flips the current net position to the target side with a single
// market order. The current position is always read from the broker, never
// from a cache. Returns ErrFlat when there is nothing to reverse.
func (c *Coordinator) Reverse(ctx context.Context, target domain.PositionSide, market domain.MarketContext) error {
	op := "Reverse"
	instr := c.placer.Instrument()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return fmt.Errorf("%s: %w", op, ErrInFlight)
	}

	positions, err := c.broker.QueryPositions(ctx, instr.Symbol)
	if err != nil {
		return fmt.Errorf("%s: query positions: %w", op, err)
	}

	var flatten float64
	oldIDs := make(map[string]bool)
	var originalSide domain.PositionSide
	for _, pos := range positions {
		if pos.Side == target {
			return fmt.Errorf("%s: position %s already on target side %s", op, pos.ID, target)
		}
		flatten += pos.Quantity
		originalSide = pos.Side
		oldIDs[pos.ID] = true
	}
	if flatten <= 0 {
		return fmt.Errorf("%s: %w", op, ErrFlat)
	}

	// Pre-trade checks. The max-open-positions guard is skipped on purpose:
	// a reversal must never be blocked by it.
	now := c.clock.Now()
	if c.session != nil && !c.session.Active(now) {
		return fmt.Errorf("%s: trading session not active", op)
	}
	if c.gate != nil && c.gate.MaxLossTripped(now) {
		return fmt.Errorf("%s: max-loss guard tripped", op)
	}

	// Snapshot the old protective orders for later cancellation.
	orders, err := c.broker.QueryOrders(ctx, instr.Symbol)
	if err != nil {
		return fmt.Errorf("%s: query orders: %w", op, err)
	}
	var snapshot []string
	for _, o := range orders {
		if o.Status.IsWorking() && o.IsProtective() && oldIDs[o.PositionID] {
			snapshot = append(snapshot, o.ID)
		}
	}

	// Reversals always re-enter at minimum size: a deliberate
	// risk-reduction policy.
	newQty := instr.RoundQuantity(c.cfg.MinQuantity)
	if newQty <= 0 {
		newQty = instr.LotStep
	}
	total := instr.RoundQuantity(flatten + newQty)

	cancelled := false
	if c.cfg.CancelBeforeSubmit {
		c.cancelOrders(ctx, snapshot)
		cancelled = true
	}

	res, err := c.broker.PlaceOrder(ctx, ports.OrderSpec{
		Symbol:   instr.Symbol,
		Side:     target.EntrySide(),
		Type:     domain.OrderTypeMarket,
		Quantity: total,
		Label:    c.cfg.Label,
	})
	if err != nil {
		// The old position keeps (or regains, via the enforcer) its
		// protection; the reversal simply did not start.
		return fmt.Errorf("%s: reversal order submission failed: %w", op, err)
	}

	c.tx = &Transaction{
		OrderID:         res.OrderID,
		OriginalSide:    originalSide,
		TargetSide:      target,
		TotalQuantity:   total,
		FlattenQuantity: flatten,
		OldOrderIDs:     snapshot,
		OldCancelled:    cancelled,
		StartedAt:       now,
		State:           StateInitiated,
		Market:          market,
	}

	c.logger.Info(ctx, op+": reversal order submitted", map[string]interface{}{
		"orderID": res.OrderID, "from": originalSide, "to": target,
		"flattenQty": flatten, "newQty": newQty, "totalQty": total,
	})
	c.record(ctx, domain.EventReversalStarted, "", res.OrderID, total,
		fmt.Sprintf("%s -> %s", originalSide, target))
	return nil
}

// OnFill advances the transaction on each fill of the reversal order.
// Ordering is enforced by the monotonic cumulative fill count: old
// protection is cancelled strictly after the flatten leg is observed filled,
// new protection is placed strictly after the order is fully filled.
func (c *Coordinator) OnFill(ctx context.Context, fill domain.Fill) {
	op := "ReversalFill"
	instr := c.placer.Instrument()

	c.mu.Lock()
	defer c.mu.Unlock()
	tx := c.tx
	if tx == nil || fill.OrderID != tx.OrderID {
		return
	}

	if fill.Quantity > 0 {
		tx.Filled += fill.Quantity
	}
	eps := instr.QuantityEpsilon()

	c.logger.Debug(ctx, op+": fill applied", map[string]interface{}{
		"orderID": tx.OrderID, "fillQty": fill.Quantity, "cumulative": tx.Filled,
		"flattenQty": tx.FlattenQuantity, "totalQty": tx.TotalQuantity,
	})

	if !tx.OldCancelled && tx.Filled+eps >= tx.FlattenQuantity {
		// The flatten leg is done: a stale stop can no longer fire against a
		// position mid-flatten, so the old protection goes now.
		c.cancelOrders(ctx, tx.OldOrderIDs)
		tx.OldCancelled = true
		tx.State = StateFlattenFilled
		c.logger.Info(ctx, op+": flatten leg filled, old protection cancelled", map[string]interface{}{
			"orderID": tx.OrderID, "cumulative": tx.Filled,
		})
	}

	if !tx.NewPlaced && tx.Filled+eps >= tx.TotalQuantity {
		tx.State = StateFullyFilled
		c.completeLocked(ctx, tx)
	}
}

// ExpireStale abandons a transaction whose terminal fill never arrived, such
// as after a dropped account stream or a venue-side cancellation of a partial
// fill. The abort reconciles against the broker's open orders, cancels what is
// still working, and clears the transaction so per-tick enforcement takes the
// position back over. Returns true when a transaction was abandoned.
func (c *Coordinator) ExpireStale(ctx context.Context) bool {
	op := "ReversalExpire"

	c.mu.Lock()
	defer c.mu.Unlock()
	tx := c.tx
	if tx == nil {
		return false
	}
	age := c.clock.Now().Sub(tx.StartedAt)
	if age < c.cfg.AbandonAfter {
		return false
	}

	c.logger.Error(ctx, nil, op+": no terminal fill within the abandonment window", map[string]interface{}{
		"orderID": tx.OrderID, "age": age.String(), "state": tx.State.String(),
		"filled": tx.Filled, "totalQty": tx.TotalQuantity,
	})
	c.abortLocked(ctx, tx, fmt.Sprintf("no terminal fill after %s", age))
	return true
}

// completeLocked finishes a fully filled reversal: locate the new position,
// price its protection from the realized fill, place and verify it.
// Caller holds c.mu.
func (c *Coordinator) completeLocked(ctx context.Context, tx *Transaction) {
	op := "ReversalComplete"

	newPos := c.awaitNewPosition(ctx, tx.TargetSide)
	if newPos == nil {
		// Flatten succeeded and the new leg never opened: flat is a safe
		// terminal state, not an error.
		c.logger.Warn(ctx, op+": no new position appeared after full fill; flat, stopping", map[string]interface{}{
			"orderID": tx.OrderID, "targetSide": tx.TargetSide,
		})
		c.finish(ctx, "flatten_only", tx, "")
		return
	}

	// Protection is priced from the actual realized fill, never the
	// pre-trade estimate.
	entry := newPos.EntryPrice
	slPrice := c.prices.StopLoss(newPos.Side, entry, tx.Market)
	tpPrice := c.prices.TakeProfit(newPos.Side, entry, tx.Market)

	tx.NewPlaced = true
	br := c.placer.PlaceBracket(ctx, newPos, slPrice, tpPrice, c.cfg.Label)
	v := c.placer.ValidateProtection(ctx, newPos)
	if br.Success && v.IsValid {
		c.trackPair(newPos.ID, br.StopOrderID, br.TakeProfitOrderID, slPrice, tpPrice)
		c.logger.Info(ctx, op+": new position protected", map[string]interface{}{
			"positionID": newPos.ID, "entryPrice": entry, "stop": slPrice, "takeProfit": tpPrice,
		})
		c.finish(ctx, "protected", tx, newPos.ID)
		return
	}

	// Failsafe: one manual direct placement bypassing the retry machinery.
	c.logger.Warn(ctx, op+": bracket verification failed, attempting direct placement", map[string]interface{}{
		"positionID": newPos.ID, "bracket": br.Message, "validation": v.Message,
	})
	if c.placeDirect(ctx, newPos, slPrice, tpPrice) {
		c.trackPair(newPos.ID, "", "", slPrice, tpPrice)
		c.finish(ctx, "protected", tx, newPos.ID)
		return
	}

	c.logger.Error(ctx, nil, op+": could not protect new position, liquidating", map[string]interface{}{
		"positionID": newPos.ID,
	})
	ok := c.liquidator.Liquidate(ctx, newPos, "reversal protection failed")
	metrics.Liquidation(ok)
	c.abortLocked(ctx, tx, "new position protection failed")
}

// awaitNewPosition polls the broker for a live position on the target side.
func (c *Coordinator) awaitNewPosition(ctx context.Context, target domain.PositionSide) *domain.Position {
	instr := c.placer.Instrument()
	deadline := c.clock.Now().Add(c.cfg.NewPositionWait)

	for {
		positions, err := c.broker.QueryPositions(ctx, instr.Symbol)
		if err == nil {
			for _, pos := range positions {
				if pos.Side == target && pos.Quantity > 0 {
					return pos
				}
			}
		}
		if !c.clock.Now().Before(deadline) {
			return nil
		}
		if err := c.clock.Sleep(ctx, c.cfg.NewPositionPoll); err != nil {
			return nil
		}
	}
}

// placeDirect submits both protective legs straight to the broker, without
// the placer's retry/validation machinery, and verifies the result once.
func (c *Coordinator) placeDirect(ctx context.Context, pos *domain.Position, slPrice, tpPrice float64) bool {
	instr := c.placer.Instrument()

	_, slErr := c.broker.PlaceOrder(ctx, ports.OrderSpec{
		Symbol:     instr.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       domain.OrderTypeStop,
		Quantity:   pos.Quantity,
		StopPrice:  instr.RoundPrice(slPrice),
		ReduceOnly: true,
		PositionID: pos.ID,
		Label:      c.cfg.Label,
	})
	_, tpErr := c.broker.PlaceOrder(ctx, ports.OrderSpec{
		Symbol:     instr.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       domain.OrderTypeLimit,
		Quantity:   pos.Quantity,
		Price:      instr.RoundPrice(tpPrice),
		ReduceOnly: true,
		PositionID: pos.ID,
		Label:      c.cfg.Label,
	})
	if slErr != nil || tpErr != nil {
		return false
	}
	v := c.placer.ValidateProtection(ctx, pos)
	return v.IsValid
}

// abortLocked handles an unrecoverable failure: cancel the instrument's
// remaining working orders, run orphan cleanup, and clear the transaction.
// The reversal is not retried; the caller must await the next signal.
// Caller holds c.mu.
func (c *Coordinator) abortLocked(ctx context.Context, tx *Transaction, reason string) {
	op := "ReversalAbort"
	instr := c.placer.Instrument()

	orders, err := c.broker.QueryOrders(ctx, instr.Symbol)
	if err == nil {
		var ids []string
		for _, o := range orders {
			if o.Status.IsWorking() {
				ids = append(ids, o.ID)
			}
		}
		c.cancelOrders(ctx, ids)
	}
	if _, err := c.placer.CleanupOrphanedOrders(ctx, ""); err != nil {
		c.logger.Error(ctx, err, op+": orphan cleanup failed")
	}
	c.logger.Error(ctx, nil, op+": reversal aborted", map[string]interface{}{
		"orderID": tx.OrderID, "reason": reason, "state": tx.State.String(),
	})
	c.finish(ctx, "failed", tx, "")
}

// finish clears the transaction and records its terminal outcome.
// Caller holds c.mu.
func (c *Coordinator) finish(ctx context.Context, outcome string, tx *Transaction, positionID string) {
	metrics.Reversal(outcome)
	c.record(ctx, domain.EventReversalResolved, positionID, tx.OrderID, tx.Filled, outcome)
	c.tx = nil
}

// cancelOrders cancels a list of orders, tolerating already-gone ones.
func (c *Coordinator) cancelOrders(ctx context.Context, ids []string) {
	instr := c.placer.Instrument()
	for _, id := range ids {
		if err := c.broker.CancelOrder(ctx, instr.Symbol, id); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			c.logger.Error(ctx, err, "failed to cancel order during reversal", map[string]interface{}{
				"orderID": id,
			})
		}
	}
}

// trackPair registers the new position's protection with the tracker.
func (c *Coordinator) trackPair(positionID, slOrderID, tpOrderID string, slPrice, tpPrice float64) {
	if c.tracker == nil {
		return
	}
	c.tracker.Track(protection.Pair{
		PositionID:        positionID,
		StopOrderID:       slOrderID,
		TakeProfitOrderID: tpOrderID,
		StopPrice:         slPrice,
		TakeProfitPrice:   tpPrice,
	})
}

// record appends a journal event, ignoring journal failures.
func (c *Coordinator) record(ctx context.Context, kind domain.EventKind, positionID, orderID string, qty float64, detail string) {
	if c.journal == nil {
		return
	}
	_ = c.journal.Record(ctx, &domain.EngineEvent{
		Kind:       kind,
		Symbol:     c.placer.Instrument().Symbol,
		PositionID: positionID,
		OrderID:    orderID,
		Quantity:   qty,
		Detail:     detail,
		CreatedAt:  c.clock.Now(),
	})
}
