// Package engine hosts the single logical control loop that drives all
// reconciliation, health-check and reversal state transitions. Two external
// event sources feed it: the periodic market tick and the asynchronous
// fill/position-removed callbacks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/health"
	"github.com/sfrdragon/11-19-strat/internal/ports"
	"github.com/sfrdragon/11-19-strat/internal/protection"
	"github.com/sfrdragon/11-19-strat/internal/reversal"
)

// RiskGate is the pre-trade risk interface consumed for plain entries.
type RiskGate interface {
	MaxLossTripped(at time.Time) bool
	CanOpen(openPositions int) bool
	RecordPnL(pnl float64, at time.Time)
}

// Config holds engine-level tunables.
type Config struct {
	HealthInterval time.Duration // Cadence of the health monitor (default 1s)
	EntryQuantity  float64       // Size of plain entries (default instrument MinQty)
	EntryWait      time.Duration // How long to wait for an entry to appear as a position (default 2s)
	EntryPoll      time.Duration // Poll interval while waiting (default 100ms)
	Label          string        // Label applied to entry/exit orders (default "entry")
}

func (c *Config) applyDefaults(instr domain.Instrument) {
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Second
	}
	if c.EntryQuantity <= 0 {
		c.EntryQuantity = instr.MinQty
	}
	if c.EntryWait <= 0 {
		c.EntryWait = 2 * time.Second
	}
	if c.EntryPoll <= 0 {
		c.EntryPoll = 100 * time.Millisecond
	}
	if c.Label == "" {
		c.Label = "entry"
	}
}

// Engine wires the protection components to the broker's event streams.
type Engine struct {
	cfg         Config
	logger      ports.Logger
	broker      ports.Broker
	marketData  ports.MarketStream
	accountData ports.AccountStream
	signals     ports.SignalProvider
	session     ports.SessionGuard
	placer      *protection.Placer
	enforcer    *protection.Enforcer
	monitor     *health.Monitor
	liquidator  protection.Liquidator
	coordinator *reversal.Coordinator
	prices      protection.PriceCalculator
	gate        RiskGate
	journal     ports.EventJournal
	clock       ports.Clock

	mu         sync.Mutex
	lastHealth time.Time
}

// New creates the engine. All collaborators except journal, session and the
// streams are required.
func New(
	cfg Config,
	logger ports.Logger,
	broker ports.Broker,
	marketData ports.MarketStream,
	accountData ports.AccountStream,
	signals ports.SignalProvider,
	session ports.SessionGuard,
	placer *protection.Placer,
	enforcer *protection.Enforcer,
	monitor *health.Monitor,
	liquidator protection.Liquidator,
	coordinator *reversal.Coordinator,
	prices protection.PriceCalculator,
	gate RiskGate,
	journal ports.EventJournal,
	clock ports.Clock,
) (*Engine, error) {
	if logger == nil || broker == nil || signals == nil || placer == nil ||
		enforcer == nil || monitor == nil || liquidator == nil ||
		coordinator == nil || prices == nil || gate == nil || clock == nil {
		return nil, fmt.Errorf("missing required dependencies for Engine")
	}
	cfg.applyDefaults(placer.Instrument())
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		broker:      broker,
		marketData:  marketData,
		accountData: accountData,
		signals:     signals,
		session:     session,
		placer:      placer,
		enforcer:    enforcer,
		monitor:     monitor,
		liquidator:  liquidator,
		coordinator: coordinator,
		prices:      prices,
		gate:        gate,
		journal:     journal,
		clock:       clock,
	}, nil
}

// Start runs the engine until the context is cancelled or a stream fails.
// On startup the entire view is rebuilt from the broker: one enforcement
// pass runs before the first tick so restart recovery never waits on market
// data.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info(ctx, "Starting protection engine...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			e.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Startup reconciliation: the broker is the sole source of truth, so a
	// bare enforcement pass re-adopts protected positions and emergency-
	// protects anything found naked.
	e.logger.Info(ctx, "Rebuilding state from broker...")
	stats := e.enforcer.Enforce(ctx, domain.MarketContext{Time: e.clock.Now()})
	e.logger.Info(ctx, "Startup reconciliation complete", map[string]interface{}{
		"livePositions": stats.LivePositions, "protected": stats.Protected,
		"unprotected": stats.Unprotected, "orphansCancelled": stats.OrphansCancelled,
	})

	symbol := e.placer.Instrument().Symbol

	accDoneCh, accStopCh, err := e.accountData.StreamAccount(ctx, symbol, e.OnFill, e.OnPositionRemoved, e.handleStreamError)
	if err != nil {
		return fmt.Errorf("failed to start account stream: %w", err)
	}
	e.logger.Info(ctx, "Account stream started", map[string]interface{}{"symbol": symbol})

	tickDoneCh, tickStopCh, err := e.marketData.StreamTicks(ctx, symbol, e.OnTick, e.handleStreamError)
	if err != nil {
		return fmt.Errorf("failed to start market stream: %w", err)
	}
	e.logger.Info(ctx, "Market stream started", map[string]interface{}{"symbol": symbol})

	select {
	case <-ctx.Done():
		e.logger.Info(ctx, "Context cancelled, shutting down...")
		stopStream(tickStopCh, tickDoneCh)
		stopStream(accStopCh, accDoneCh)
	case <-tickDoneCh:
		e.logger.Error(ctx, fmt.Errorf("market stream closed unexpectedly"), "Market stream stopped")
		stopStream(accStopCh, accDoneCh)
		return fmt.Errorf("market stream stopped unexpectedly")
	case <-accDoneCh:
		e.logger.Error(ctx, fmt.Errorf("account stream closed unexpectedly"), "Account stream stopped")
		stopStream(tickStopCh, tickDoneCh)
		return fmt.Errorf("account stream stopped unexpectedly")
	}

	e.logger.Info(ctx, "Protection engine stopped.")
	return nil
}

// stopStream signals a stream to stop and waits briefly for confirmation.
func stopStream(stopCh chan<- struct{}, doneCh <-chan struct{}) {
	select {
	case stopCh <- struct{}{}:
	default:
	}
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
	}
}

// OnTick is the per-tick entry point: enforce invariants first, run the
// health monitor on its cadence, then act on the external signal. Nothing
// may propagate out of the tick boundary.
func (e *Engine) OnTick(market domain.MarketContext) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, fmt.Errorf("panic in tick handler: %v", r), "Tick handler recovered; continuing on next tick")
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	// An in-flight reversal owns the position set until its terminal fill or
	// failure event: enforcing invariants against the mid-flip broker state
	// would cancel legs the transaction still accounts for. A transaction
	// whose fills stopped arriving is abandoned after a bounded age so the
	// enforcement layers are never parked indefinitely.
	if e.coordinator.InFlight() && !e.coordinator.ExpireStale(ctx) {
		e.logger.Debug(ctx, "Reversal in flight, deferring tick processing")
		return
	}

	// Invariants come before any trading decision.
	e.enforcer.Enforce(ctx, market)

	now := e.clock.Now()
	if e.lastHealth.IsZero() || now.Sub(e.lastHealth) >= e.cfg.HealthInterval {
		e.lastHealth = now
		sum := e.monitor.Check(ctx, market)
		if sum.RepairsFailed > 0 || sum.Liquidations > 0 || sum.OrphansCancelled > 0 {
			e.logger.Info(ctx, "Health pass summary", map[string]interface{}{
				"checked": sum.Checked, "healthy": sum.Healthy, "repaired": sum.Repaired,
				"repairsFailed": sum.RepairsFailed, "liquidations": sum.Liquidations,
				"orphansCancelled": sum.OrphansCancelled,
			})
		}
	}

	sig := e.signals.Evaluate(ctx, market)
	if sig == domain.SignalWait {
		return
	}
	e.handleSignal(ctx, sig, market)
}

// OnFill routes fill events into the reversal state machine.
func (e *Engine) OnFill(fill domain.Fill) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, fmt.Errorf("panic in fill handler: %v", r), "Fill handler recovered")
		}
	}()
	e.coordinator.OnFill(ctx, fill)
}

// OnPositionRemoved clears per-position state once the broker reports a
// position closed. Leftover protective orders become orphans and are swept
// by the next enforcement cycle.
func (e *Engine) OnPositionRemoved(positionID string) {
	ctx := context.Background()
	e.logger.Info(ctx, "Broker reported position removed", map[string]interface{}{"positionID": positionID})
	e.enforcer.Forget(positionID)
	e.record(ctx, domain.EventPositionClosed, positionID, "", 0, "broker reported removed")
}

// handleSignal maps the external verdict to an entry, exit or reversal.
func (e *Engine) handleSignal(ctx context.Context, sig domain.TradeSignal, market domain.MarketContext) {
	positions, err := e.broker.QueryPositions(ctx, e.placer.Instrument().Symbol)
	if err != nil {
		e.logger.Error(ctx, err, "Failed to query positions for signal handling", map[string]interface{}{"signal": sig})
		return
	}

	switch sig {
	case domain.SignalOpenLong:
		e.openOrReverse(ctx, domain.Long, positions, market)
	case domain.SignalOpenShort:
		e.openOrReverse(ctx, domain.Short, positions, market)
	case domain.SignalCloseLong:
		e.closeSide(ctx, domain.Long, positions, market)
	case domain.SignalCloseShort:
		e.closeSide(ctx, domain.Short, positions, market)
	}
}

// openOrReverse enters when flat, reverses when positioned the other way,
// and does nothing when already on the target side.
func (e *Engine) openOrReverse(ctx context.Context, target domain.PositionSide, positions []*domain.Position, market domain.MarketContext) {
	var opposite bool
	for _, pos := range positions {
		if pos.Side == target {
			return
		}
		opposite = true
	}

	if opposite {
		if err := e.coordinator.Reverse(ctx, target, market); err != nil {
			if errors.Is(err, reversal.ErrFlat) {
				e.enter(ctx, target, positions, market)
				return
			}
			e.logger.Error(ctx, err, "Reversal not started", map[string]interface{}{"target": target})
		}
		return
	}
	e.enter(ctx, target, positions, market)
}

// enter opens a new position at the configured entry size and protects it.
// A position that cannot be protected is liquidated immediately: capital
// protection over position retention.
func (e *Engine) enter(ctx context.Context, side domain.PositionSide, positions []*domain.Position, market domain.MarketContext) {
	op := "enter"
	now := e.clock.Now()
	instr := e.placer.Instrument()

	if e.session != nil && !e.session.Active(now) {
		e.logger.Debug(ctx, op+": trading session not active")
		return
	}
	if e.gate.MaxLossTripped(now) {
		e.logger.Warn(ctx, op+": max-loss guard tripped, entry blocked")
		return
	}
	if !e.gate.CanOpen(len(positions)) {
		e.logger.Warn(ctx, op+": max open positions reached, entry blocked")
		return
	}

	qty := instr.RoundQuantity(e.cfg.EntryQuantity)
	if qty <= 0 {
		e.logger.Error(ctx, nil, op+": entry quantity rounds to zero", map[string]interface{}{"configured": e.cfg.EntryQuantity})
		return
	}

	res, err := e.broker.PlaceOrder(ctx, ports.OrderSpec{
		Symbol:   instr.Symbol,
		Side:     side.EntrySide(),
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
		Label:    e.cfg.Label,
	})
	if err != nil {
		e.logger.Error(ctx, err, op+": entry order failed", map[string]interface{}{"side": side, "quantity": qty})
		return
	}
	e.logger.Info(ctx, op+": entry order placed", map[string]interface{}{
		"orderID": res.OrderID, "side": side, "quantity": qty, "avgPrice": res.AvgFillPrice,
	})

	pos := e.awaitPosition(ctx, side)
	if pos == nil {
		e.logger.Error(ctx, nil, op+": entry order placed but no position appeared; next enforcement pass will cover it", map[string]interface{}{
			"orderID": res.OrderID,
		})
		return
	}

	slPrice := e.prices.StopLoss(pos.Side, pos.EntryPrice, market)
	tpPrice := e.prices.TakeProfit(pos.Side, pos.EntryPrice, market)
	br := e.placer.PlaceBracket(ctx, pos, slPrice, tpPrice, e.cfg.Label)
	if !br.Success {
		e.logger.Error(ctx, nil, op+": could not protect fresh entry, liquidating", map[string]interface{}{
			"positionID": pos.ID, "reason": br.Message,
		})
		e.liquidator.Liquidate(ctx, pos, "fresh entry could not be protected")
		return
	}

	e.enforcer.Track(protection.Pair{
		PositionID:        pos.ID,
		StopOrderID:       br.StopOrderID,
		TakeProfitOrderID: br.TakeProfitOrderID,
		StopPrice:         slPrice,
		TakeProfitPrice:   tpPrice,
	})
	e.record(ctx, domain.EventProtectionPlaced, pos.ID, res.OrderID, qty,
		fmt.Sprintf("sl=%v tp=%v", slPrice, tpPrice))
}

// closeSide flattens the live position on the given side via market order,
// cancelling its protection first.
func (e *Engine) closeSide(ctx context.Context, side domain.PositionSide, positions []*domain.Position, market domain.MarketContext) {
	op := "closePosition"
	instr := e.placer.Instrument()

	for _, pos := range positions {
		if pos.Side != side {
			continue
		}

		if _, err := e.placer.CancelProtectiveOrders(ctx, pos.ID, "signal close"); err != nil {
			e.logger.Error(ctx, err, op+": failed to cancel protection before close", map[string]interface{}{"positionID": pos.ID})
		}

		res, err := e.broker.PlaceOrder(ctx, ports.OrderSpec{
			Symbol:     instr.Symbol,
			Side:       pos.Side.ExitSide(),
			Type:       domain.OrderTypeMarket,
			Quantity:   pos.Quantity,
			ReduceOnly: true,
			PositionID: pos.ID,
			Label:      e.cfg.Label,
		})
		if err != nil {
			// The position stays open and, protection having been cancelled,
			// the next enforcement pass restores its legs.
			e.logger.Error(ctx, err, op+": close order failed", map[string]interface{}{"positionID": pos.ID})
			continue
		}

		exit := res.AvgFillPrice
		if exit == 0 {
			exit = market.Price
		}
		pnl := (exit - pos.EntryPrice) * pos.Quantity
		if pos.Side == domain.Short {
			pnl = -pnl
		}
		e.gate.RecordPnL(pnl, e.clock.Now())

		e.logger.Info(ctx, op+": position closed", map[string]interface{}{
			"positionID": pos.ID, "exitPrice": exit, "pnl": pnl,
		})
		e.enforcer.Forget(pos.ID)
		e.record(ctx, domain.EventPositionClosed, pos.ID, res.OrderID, pos.Quantity,
			fmt.Sprintf("signal close, pnl=%v", pnl))
	}
}

// awaitPosition polls briefly for a live position on the given side after an
// entry order.
func (e *Engine) awaitPosition(ctx context.Context, side domain.PositionSide) *domain.Position {
	instr := e.placer.Instrument()
	deadline := e.clock.Now().Add(e.cfg.EntryWait)

	for {
		positions, err := e.broker.QueryPositions(ctx, instr.Symbol)
		if err == nil {
			for _, pos := range positions {
				if pos.Side == side && pos.Quantity > 0 {
					return pos
				}
			}
		}
		if !e.clock.Now().Before(deadline) {
			return nil
		}
		if err := e.clock.Sleep(ctx, e.cfg.EntryPoll); err != nil {
			return nil
		}
	}
}

// handleStreamError logs errors reported by the market/account streams.
// Reconnection is handled inside the adapters.
func (e *Engine) handleStreamError(err error) {
	e.logger.Error(context.Background(), err, "Stream error reported")
}

// record appends a journal event, ignoring journal failures.
func (e *Engine) record(ctx context.Context, kind domain.EventKind, positionID, orderID string, qty float64, detail string) {
	if e.journal == nil {
		return
	}
	_ = e.journal.Record(ctx, &domain.EngineEvent{
		Kind:       kind,
		Symbol:     e.placer.Instrument().Symbol,
		PositionID: positionID,
		OrderID:    orderID,
		Quantity:   qty,
		Detail:     detail,
		CreatedAt:  e.clock.Now(),
	})
}
