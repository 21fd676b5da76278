package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// Instrument describes the tradable contract: the minimum price increment,
// the quantity step and the smallest order size the venue accepts. All order
// prices must be multiples of TickSize and all quantities multiples of LotStep.
type Instrument struct {
	Symbol   string
	TickSize float64
	LotStep  float64
	MinQty   float64
}

// RoundPrice rounds a price to the nearest valid tick. Decimal arithmetic
// avoids the float drift that plain math.Round division introduces on small
// tick sizes.
func (i Instrument) RoundPrice(price float64) float64 {
	if i.TickSize <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(i.TickSize)
	rounded := p.Div(tick).Round(0).Mul(tick)
	f, _ := rounded.Float64()
	return f
}

// RoundQuantity rounds a quantity down to the nearest valid lot step.
// Rounding down keeps orders inside the available position size.
func (i Instrument) RoundQuantity(qty float64) float64 {
	if i.LotStep <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	step := decimal.NewFromFloat(i.LotStep)
	rounded := q.Div(step).Floor().Mul(step)
	f, _ := rounded.Float64()
	return f
}

// PriceTolerance is the tolerance used when comparing an expected order price
// against the broker-reported one (a tenth of a tick).
func (i Instrument) PriceTolerance() float64 {
	return i.TickSize * 0.1
}

// QuantityEpsilon is the tolerance used when comparing cumulative fill
// quantities (half a lot step).
func (i Instrument) QuantityEpsilon() float64 {
	return i.LotStep / 2
}

// PriceEquals reports whether two prices match within the instrument's
// validation tolerance.
func (i Instrument) PriceEquals(a, b float64) bool {
	return math.Abs(a-b) <= i.PriceTolerance()
}
