// Package money holds decimal helpers shared by every component that can
// round a price, size, or stop before it reaches the exchange.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Precision describes a symbol's tick (price step) and lot (quantity step)
// as reported by the exchange's instrument metadata.
type Precision struct {
	Symbol       string
	TickSize     decimal.Decimal
	LotSize      decimal.Decimal
	PricePlaces  int32
	QtyPlaces    int32
}

// RoundToTick floors price to the nearest multiple of p.TickSize. Floor
// (never round-half-up) keeps a submitted price from crossing a limit the
// caller didn't intend to cross.
func (p Precision) RoundToTick(price decimal.Decimal) decimal.Decimal {
	return roundToStep(price, p.TickSize, p.PricePlaces)
}

// RoundToLot floors qty to the nearest multiple of p.LotSize.
func (p Precision) RoundToLot(qty decimal.Decimal) decimal.Decimal {
	return roundToStep(qty, p.LotSize, p.QtyPlaces)
}

func roundToStep(v decimal.Decimal, step decimal.Decimal, places int32) decimal.Decimal {
	if step.IsZero() {
		return v.Round(places)
	}
	units := v.Div(step).Floor()
	return units.Mul(step).Round(places)
}

// PlacesFromStepString derives decimal places from an exchange filter string
// like "0.00010000" the way Binance's PRICE_FILTER/LOT_SIZE report step size.
func PlacesFromStepString(step string) int32 {
	step = strings.TrimRight(step, "0")
	idx := strings.Index(step, ".")
	if idx < 0 {
		return 0
	}
	return int32(len(step) - idx - 1)
}

// PercentOf returns v * pct/100.
func PercentOf(v decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(decimal.NewFromInt(100))
}

// PercentChange returns (to-from)/from * 100, zero when from is zero.
func PercentChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(decimal.NewFromInt(100))
}

// AbsPercentDiff returns |a-b|/b * 100.
func AbsPercentDiff(a, b decimal.Decimal) decimal.Decimal {
	return PercentChange(b, a).Abs()
}
