package domain

import "time"

// Position mirrors a live position owned by the broker. The engine never
// fabricates positions; it only reflects what the broker reports.
type Position struct {
	ID         string       // Broker-assigned position identifier
	Symbol     string       // Trading symbol (e.g., "ETHUSDT")
	Side       PositionSide // LONG or SHORT
	Quantity   float64      // Absolute position size (always positive)
	EntryPrice float64      // Average realized entry price
	MarkPrice  float64      // Latest mark/current price reported by the broker
	UpdatedAt  time.Time    // Time of the last broker snapshot
}

// Order mirrors a live order at the broker.
type Order struct {
	ID          string      // Broker-assigned order identifier
	PositionID  string      // Position the order is bound to ("" if unbound)
	Symbol      string      // Trading symbol
	Side        OrderSide   // BUY or SELL
	Type        OrderType   // MARKET, STOP or LIMIT
	Price       float64     // Limit price (0 for non-limit orders)
	StopPrice   float64     // Trigger price (0 for non-stop orders)
	Quantity    float64     // Original order quantity
	ExecutedQty float64     // Quantity filled so far
	ReduceOnly  bool        // Whether the order may only reduce a position
	Status      OrderStatus // Current lifecycle status
	Label       string      // Client-assigned label (carries intent + binding)
	UpdatedAt   time.Time   // Time of the last broker snapshot
}

// IsProtective reports whether the order is a reduce-only stop or limit
// order, i.e. a stop-loss or take-profit leg.
func (o *Order) IsProtective() bool {
	return o.ReduceOnly && (o.Type == OrderTypeStop || o.Type == OrderTypeLimit)
}

// TriggerPrice returns the price level the order acts at: the stop trigger
// for stop orders, the limit price otherwise.
func (o *Order) TriggerPrice() float64 {
	if o.Type == OrderTypeStop {
		return o.StopPrice
	}
	return o.Price
}

// Fill is a trade-fill event delivered by the broker.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Price    float64
	Quantity float64
	Time     time.Time
}

// MarketContext is the per-tick market snapshot delivered alongside the
// trade signal. Pivot levels anchor stop placement; volatility is expressed
// in instrument ticks.
type MarketContext struct {
	Price           float64
	PreviousHigh    float64
	PreviousLow     float64
	VolatilityTicks float64
	Time            time.Time
}
