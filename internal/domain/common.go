package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide represents the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Opposite returns the other position side.
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// EntrySide returns the order side that opens a position in this direction.
func (s PositionSide) EntrySide() OrderSide {
	if s == Long {
		return Buy
	}
	return Sell
}

// ExitSide returns the order side that reduces a position in this direction.
func (s PositionSide) ExitSide() OrderSide {
	return s.EntrySide().Opposite()
}

// OrderType represents the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeStop   OrderType = "STOP"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus represents the lifecycle status of an order at the broker.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsWorking reports whether the order is still live at the broker
// (open or partially filled).
func (s OrderStatus) IsWorking() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// TradeSignal is the per-tick decision delivered by the external signal layer.
// The engine derives entry/exit/reversal actions from it but never computes it.
type TradeSignal string

const (
	SignalOpenLong   TradeSignal = "OPEN_LONG"
	SignalOpenShort  TradeSignal = "OPEN_SHORT"
	SignalCloseLong  TradeSignal = "CLOSE_LONG"
	SignalCloseShort TradeSignal = "CLOSE_SHORT"
	SignalWait       TradeSignal = "WAIT"
)
