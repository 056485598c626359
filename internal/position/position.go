// Package position implements the Position Registry and the Position
// Monitor.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/signal"
)

type Status string

const (
	Open    Status = "OPEN"
	Closing Status = "CLOSING"
	Closed  Status = "CLOSED"
)

// ExitReason is the closed set of position-exit causes.
type ExitReason string

const (
	ExitTakeProfit        ExitReason = "TAKE_PROFIT"
	ExitStopLoss          ExitReason = "STOP_LOSS"
	ExitDensityErosion    ExitReason = "DENSITY_EROSION"
	ExitEmergency         ExitReason = "EMERGENCY"
	ExitMomentumSlowdown  ExitReason = "MOMENTUM_SLOWDOWN"
	ExitCounterDensity    ExitReason = "COUNTER_DENSITY"
	ExitAggressiveReversal ExitReason = "AGGRESSIVE_REVERSAL"
	ExitReturnToRange     ExitReason = "RETURN_TO_RANGE"
)

// Position is the in-process record of one open or closed trade.
type Position struct {
	ID              string
	Symbol          string
	Direction       signal.Direction
	EntryPrice      decimal.Decimal
	Size            decimal.Decimal
	Leverage        int
	SignalKind      signal.Kind
	DensityPrice    decimal.Decimal
	StopLoss        decimal.Decimal
	BreakevenMoved  bool
	Status          Status
	OpenedAt        time.Time
	ClosedAt        time.Time
	ExitReason      ExitReason
	ExitPrice       decimal.Decimal
	PnL             decimal.Decimal
}

// Notional is position size in quote units at entry price.
func (p Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// UnrealizedPnLPercent returns PnL% given a current mark price.
func (p Position) UnrealizedPnLPercent(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	if p.Direction == signal.Short {
		diff = p.EntryPrice.Sub(mark)
	}
	return diff.Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}
