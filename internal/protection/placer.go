package protection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/ports"
)

// Result holds the outcome of a single protective-order placement.
type Result struct {
	Success bool
	OrderID string
	Message string
}

// BracketResult holds the outcome of an all-or-nothing SL+TP placement.
type BracketResult struct {
	Success           bool
	StopOrderID       string
	TakeProfitOrderID string
	Message           string
}

// ValidationResult reports whether a position carries both protective legs.
type ValidationResult struct {
	IsValid        bool
	HasStopLoss    bool
	HasTakeProfit  bool
	Message        string
}

// PlacerConfig holds retry and validation budgets for order placement.
type PlacerConfig struct {
	MaxAttempts     int           // Placement attempts per leg (default 3)
	BackoffMin      time.Duration // First retry delay (default 200ms)
	BackoffMax      time.Duration // Retry delay ceiling (default 1s)
	ValidateTimeout time.Duration // Post-submission confirmation window (default 2s)
	PollInterval    time.Duration // Confirmation polling interval (default 50ms)
}

func (c *PlacerConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Second
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// Placer places and validates protective stop-loss and take-profit orders.
// Every placement is confirmed against the broker's own order book before it
// counts as a success: a submission the broker never reports back within the
// validation window is a failure, not a maybe.
type Placer struct {
	cfg    PlacerConfig
	broker ports.Broker
	clock  ports.Clock
	logger ports.Logger
	instr  domain.Instrument
}

// NewPlacer creates a protective-order placer for one instrument.
func NewPlacer(cfg PlacerConfig, broker ports.Broker, clock ports.Clock, logger ports.Logger, instr domain.Instrument) (*Placer, error) {
	if broker == nil || clock == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Placer")
	}
	if instr.Symbol == "" || instr.TickSize <= 0 || instr.LotStep <= 0 {
		return nil, fmt.Errorf("instrument symbol, tick size and lot step are required")
	}
	cfg.applyDefaults()
	return &Placer{cfg: cfg, broker: broker, clock: clock, logger: logger, instr: instr}, nil
}

// Instrument returns the instrument the placer operates on.
func (p *Placer) Instrument() domain.Instrument {
	return p.instr
}

// PlaceStopLoss places a reduce-only stop order protecting the position.
// The order sits on the exit side of the position and is bound to its id.
func (p *Placer) PlaceStopLoss(ctx context.Context, pos *domain.Position, price float64, label string) Result {
	op := "PlaceStopLoss"
	if pos == nil || math.IsNaN(price) || price <= 0 {
		return Result{Message: op + ": invalid stop price"}
	}
	spec := ports.OrderSpec{
		Symbol:     p.instr.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       domain.OrderTypeStop,
		Quantity:   pos.Quantity,
		StopPrice:  p.instr.RoundPrice(price),
		ReduceOnly: true,
		PositionID: pos.ID,
		Label:      tagLabel(label),
	}
	return p.placeWithRetry(ctx, op, spec)
}

// PlaceTakeProfit places a reduce-only limit order protecting the position.
// Unlike the stop leg it uses limit-price semantics, not a trigger price.
func (p *Placer) PlaceTakeProfit(ctx context.Context, pos *domain.Position, price float64, label string) Result {
	op := "PlaceTakeProfit"
	if pos == nil || math.IsNaN(price) || price <= 0 {
		return Result{Message: op + ": invalid take-profit price"}
	}
	spec := ports.OrderSpec{
		Symbol:     p.instr.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       domain.OrderTypeLimit,
		Quantity:   pos.Quantity,
		Price:      p.instr.RoundPrice(price),
		ReduceOnly: true,
		PositionID: pos.ID,
		Label:      tagLabel(label),
	}
	return p.placeWithRetry(ctx, op, spec)
}

// PlaceBracket places both protective legs. Brackets are all-or-nothing: if
// exactly one leg succeeds the successful one is cancelled so the position is
// never left half-protected by this call.
func (p *Placer) PlaceBracket(ctx context.Context, pos *domain.Position, slPrice, tpPrice float64, label string) BracketResult {
	op := "PlaceBracket"

	sl := p.PlaceStopLoss(ctx, pos, slPrice, label)
	tp := p.PlaceTakeProfit(ctx, pos, tpPrice, label)

	if sl.Success && tp.Success {
		return BracketResult{Success: true, StopOrderID: sl.OrderID, TakeProfitOrderID: tp.OrderID}
	}

	if sl.Success {
		p.logger.Warn(ctx, op+": take-profit leg failed, cancelling stop leg", map[string]interface{}{
			"positionID": pos.ID, "stopOrderID": sl.OrderID, "reason": tp.Message,
		})
		p.cancelQuiet(ctx, sl.OrderID, "bracket rollback")
	}
	if tp.Success {
		p.logger.Warn(ctx, op+": stop leg failed, cancelling take-profit leg", map[string]interface{}{
			"positionID": pos.ID, "takeProfitOrderID": tp.OrderID, "reason": sl.Message,
		})
		p.cancelQuiet(ctx, tp.OrderID, "bracket rollback")
	}

	return BracketResult{Message: fmt.Sprintf("%s failed: stop=%q takeProfit=%q", op, sl.Message, tp.Message)}
}

// CancelProtectiveOrders cancels every open or partially filled protective
// order bound to the position id. Returns the number cancelled.
func (p *Placer) CancelProtectiveOrders(ctx context.Context, positionID, reason string) (int, error) {
	op := "CancelProtectiveOrders"
	orders, err := p.broker.QueryOrders(ctx, p.instr.Symbol)
	if err != nil {
		return 0, fmt.Errorf("%s: query orders: %w", op, err)
	}

	cancelled := 0
	for _, o := range orders {
		if !o.Status.IsWorking() || !o.IsProtective() || o.PositionID != positionID {
			continue
		}
		if p.cancelQuiet(ctx, o.ID, reason) {
			cancelled++
		}
	}
	if cancelled > 0 {
		p.logger.Info(ctx, op+": protective orders cancelled", map[string]interface{}{
			"positionID": positionID, "count": cancelled, "reason": reason,
		})
	}
	return cancelled, nil
}

// CleanupOrphanedOrders cancels every open or partially filled protective
// order whose bound position id is empty or no longer live, optionally
// restricted to orders whose label starts with labelPrefix. Returns the
// number cancelled.
func (p *Placer) CleanupOrphanedOrders(ctx context.Context, labelPrefix string) (int, error) {
	op := "CleanupOrphanedOrders"

	positions, err := p.broker.QueryPositions(ctx, p.instr.Symbol)
	if err != nil {
		return 0, fmt.Errorf("%s: query positions: %w", op, err)
	}
	live := make(map[string]bool, len(positions))
	for _, pos := range positions {
		live[pos.ID] = true
	}

	orders, err := p.broker.QueryOrders(ctx, p.instr.Symbol)
	if err != nil {
		return 0, fmt.Errorf("%s: query orders: %w", op, err)
	}

	cancelled := 0
	for _, o := range orders {
		if !o.Status.IsWorking() || !o.IsProtective() {
			continue
		}
		if labelPrefix != "" && !strings.HasPrefix(o.Label, labelPrefix) {
			continue
		}
		if o.PositionID != "" && live[o.PositionID] {
			continue
		}
		p.logger.Warn(ctx, op+": cancelling orphaned protective order", map[string]interface{}{
			"orderID": o.ID, "positionID": o.PositionID, "type": o.Type, "price": o.TriggerPrice(),
		})
		if p.cancelQuiet(ctx, o.ID, "orphan") {
			cancelled++
		}
	}
	return cancelled, nil
}

// ValidateProtection reports whether the position has a working stop leg and
// a working take-profit leg at the broker.
func (p *Placer) ValidateProtection(ctx context.Context, pos *domain.Position) ValidationResult {
	orders, err := p.broker.QueryOrders(ctx, p.instr.Symbol)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("query orders: %v", err)}
	}

	var res ValidationResult
	for _, o := range orders {
		if !o.Status.IsWorking() || !o.IsProtective() || o.PositionID != pos.ID {
			continue
		}
		switch o.Type {
		case domain.OrderTypeStop:
			res.HasStopLoss = true
		case domain.OrderTypeLimit:
			res.HasTakeProfit = true
		}
	}
	res.IsValid = res.HasStopLoss && res.HasTakeProfit

	switch {
	case res.IsValid:
		res.Message = "position fully protected"
	case !res.HasStopLoss && !res.HasTakeProfit:
		res.Message = "missing stop-loss and take-profit"
	case !res.HasStopLoss:
		res.Message = "missing stop-loss"
	default:
		res.Message = "missing take-profit"
	}
	return res
}

// FindOrderNearPrice locates a working protective order of the given type
// bound to the position whose acting price is within tolerance of price.
// A fallback used when an explicit order id has been lost; bounded and
// deterministic (nearest match wins).
func (p *Placer) FindOrderNearPrice(ctx context.Context, positionID string, typ domain.OrderType, price, tolerance float64) (*domain.Order, bool) {
	orders, err := p.broker.QueryOrders(ctx, p.instr.Symbol)
	if err != nil {
		return nil, false
	}

	var best *domain.Order
	bestDist := tolerance
	for _, o := range orders {
		if !o.Status.IsWorking() || !o.IsProtective() || o.Type != typ || o.PositionID != positionID {
			continue
		}
		dist := math.Abs(o.TriggerPrice() - price)
		if dist <= bestDist {
			best = o
			bestDist = dist
		}
	}
	return best, best != nil
}

// placeWithRetry submits the order up to MaxAttempts times with increasing
// backoff, confirming each submission against the broker. Rejection messages
// naming the tick size trigger a re-rounding retry; messages naming an
// unsupported parameter retry with the optional parameters stripped.
func (p *Placer) placeWithRetry(ctx context.Context, op string, spec ports.OrderSpec) Result {
	b := &backoff.Backoff{Min: p.cfg.BackoffMin, Max: p.cfg.BackoffMax, Factor: 2}
	lastMsg := "no attempts made"

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.clock.Sleep(ctx, b.Duration()); err != nil {
				return Result{Message: fmt.Sprintf("%s aborted: %v", op, err)}
			}
		}

		res, err := p.broker.PlaceOrder(ctx, spec)
		if err != nil {
			lastMsg = err.Error()
			spec = p.adjustForRejection(ctx, op, spec, err, attempt)
			continue
		}

		ok, msg := p.confirm(ctx, res.OrderID, spec)
		if ok {
			p.logger.Info(ctx, op+": protective order placed and confirmed", map[string]interface{}{
				"orderID": res.OrderID, "positionID": spec.PositionID, "type": spec.Type,
				"price": actingPrice(spec), "attempt": attempt,
			})
			return Result{Success: true, OrderID: res.OrderID}
		}

		lastMsg = msg
		p.logger.Warn(ctx, op+": order confirmation failed", map[string]interface{}{
			"orderID": res.OrderID, "reason": msg, "attempt": attempt,
		})
		// An unconfirmed order may still be resting; remove it before retrying
		// so a retry cannot double up the leg.
		p.cancelQuiet(ctx, res.OrderID, "unconfirmed placement")
	}

	return Result{Message: fmt.Sprintf("%s failed after %d attempts: %s", op, p.cfg.MaxAttempts, lastMsg)}
}

// adjustForRejection inspects a rejection and adapts the spec for the next
// attempt.
func (p *Placer) adjustForRejection(ctx context.Context, op string, spec ports.OrderSpec, err error, attempt int) ports.OrderSpec {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ports.ErrTickSizeRejected),
		strings.Contains(msg, "tick"),
		strings.Contains(msg, "increment"):
		spec.Price = p.instr.RoundPrice(spec.Price)
		spec.StopPrice = p.instr.RoundPrice(spec.StopPrice)
		p.logger.Warn(ctx, op+": tick-size rejection, re-rounding price", map[string]interface{}{
			"attempt": attempt, "price": actingPrice(spec),
		})
	case errors.Is(err, ports.ErrUnsupportedParameter),
		strings.Contains(msg, "unsupported"),
		strings.Contains(msg, "not supported"),
		strings.Contains(msg, "parameter"):
		spec.ReduceOnly = false
		spec.Label = ""
		p.logger.Warn(ctx, op+": unsupported parameter rejection, stripping optional parameters", map[string]interface{}{
			"attempt": attempt,
		})
	default:
		p.logger.Warn(ctx, op+": placement rejected", map[string]interface{}{
			"attempt": attempt, "error": err.Error(),
		})
	}
	return spec
}

// confirm polls the broker until the submitted order is observed with the
// expected kind and price, or the validation window elapses.
func (p *Placer) confirm(ctx context.Context, orderID string, spec ports.OrderSpec) (bool, string) {
	deadline := p.clock.Now().Add(p.cfg.ValidateTimeout)
	want := actingPrice(spec)

	for {
		orders, err := p.broker.QueryOrders(ctx, spec.Symbol)
		if err == nil {
			for _, o := range orders {
				if o.ID != orderID {
					continue
				}
				if o.Type != spec.Type {
					return false, fmt.Sprintf("order kind mismatch: want %s, broker reports %s", spec.Type, o.Type)
				}
				if !p.instr.PriceEquals(o.TriggerPrice(), want) {
					return false, fmt.Sprintf("order price mismatch: want %v, broker reports %v", want, o.TriggerPrice())
				}
				return true, ""
			}
		}
		if !p.clock.Now().Before(deadline) {
			return false, "validation timeout: order not observed at broker"
		}
		if err := p.clock.Sleep(ctx, p.cfg.PollInterval); err != nil {
			return false, err.Error()
		}
	}
}

// cancelQuiet cancels an order, treating "already gone" as success.
func (p *Placer) cancelQuiet(ctx context.Context, orderID, reason string) bool {
	err := p.broker.CancelOrder(ctx, p.instr.Symbol, orderID)
	if err == nil || errors.Is(err, ports.ErrOrderNotFound) {
		return true
	}
	p.logger.Error(ctx, err, "failed to cancel order", map[string]interface{}{
		"orderID": orderID, "reason": reason,
	})
	return false
}

// actingPrice returns the price the order acts at: trigger price for stops,
// limit price otherwise.
func actingPrice(spec ports.OrderSpec) float64 {
	if spec.Type == domain.OrderTypeStop {
		return spec.StopPrice
	}
	return spec.Price
}

// tagLabel appends a short unique suffix so each placement is traceable while
// label-prefix filters keep working.
func tagLabel(label string) string {
	if label == "" {
		return ""
	}
	return label + "-" + uuid.NewString()[:8]
}
