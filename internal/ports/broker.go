package ports

import (
	"context"
	"time"

	"github.com/sfrdragon/11-19-strat/internal/domain"
)

// OrderSpec describes an order to be submitted to the broker.
type OrderSpec struct {
	Symbol     string
	Side       domain.OrderSide
	Type       domain.OrderType
	Quantity   float64
	Price      float64 // Limit price, required for LIMIT orders
	StopPrice  float64 // Trigger price, required for STOP orders
	ReduceOnly bool    // Order may only reduce an existing position
	PositionID string  // Position the order is bound to ("" for entries)
	Label      string  // Client label carried on the order
}

// OrderResult holds the essential details returned after submitting an order.
type OrderResult struct {
	OrderID      string
	Status       domain.OrderStatus
	AvgFillPrice float64
	ExecutedQty  float64
	Message      string
}

// Broker is the execution venue consumed by the engine: a small set of
// order/position primitives. The broker is the sole source of truth for
// positions and orders; the engine rebuilds its entire view from these
// queries on every reconciliation pass.
type Broker interface {
	// PlaceOrder submits an order and returns the venue's response.
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error)

	// CancelOrder cancels an open order by its ID.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// QueryPositions returns all live positions for the symbol.
	// An empty slice means flat.
	QueryPositions(ctx context.Context, symbol string) ([]*domain.Position, error)

	// QueryOrders returns all open or partially filled orders for the symbol.
	QueryOrders(ctx context.Context, symbol string) ([]*domain.Order, error)

	// ClosePosition is the venue's direct close primitive. It is a one-shot
	// fallback for emergency liquidation; market orders are the primary
	// mechanism because this primitive may be unavailable or rejected in
	// some broker states.
	ClosePosition(ctx context.Context, pos *domain.Position) error
}

// MarketStream delivers the periodic market-tick callback.
type MarketStream interface {
	// StreamTicks starts a market data stream for the symbol. Each tick is a
	// MarketContext snapshot. Returns control channels like the account
	// stream below.
	StreamTicks(ctx context.Context, symbol string, handler func(domain.MarketContext), errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// AccountStream delivers asynchronous order-fill and position-removed events.
type AccountStream interface {
	// StreamAccount starts the account event stream. onFill fires once per
	// trade fill; onPositionRemoved fires when the broker reports a position
	// closed. doneCh closes when the stream stops; sending on stopCh asks it
	// to shut down.
	StreamAccount(ctx context.Context, symbol string, onFill func(domain.Fill), onPositionRemoved func(positionID string), errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// Clock is the engine's only time source. Abstracting it keeps retry backoff,
// validation polling and liquidation verification testable without real
// delays.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until the context is cancelled, returning the
	// context error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SignalProvider is the external signal/decision layer. The engine consumes
// its per-tick verdict but never computes it.
type SignalProvider interface {
	Evaluate(ctx context.Context, market domain.MarketContext) domain.TradeSignal
}

// SessionGuard answers whether the trading session is currently active.
// Session/trading-hours calculation is owned outside the engine.
type SessionGuard interface {
	Active(t time.Time) bool
}

// EventJournal records control actions for later inspection. Implementations
// must tolerate being called on hot paths; failures are logged and ignored
// by callers.
type EventJournal interface {
	Record(ctx context.Context, event *domain.EngineEvent) error
	Recent(ctx context.Context, kind domain.EventKind, limit int) ([]*domain.EngineEvent, error)
}
