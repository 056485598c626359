package signal

import (
	"github.com/shopspring/decimal"

	"sentinel/internal/density"
)

// RejectReason names which of the 10 checks (or 2 risk checks) failed.
type RejectReason string

const (
	RejectSymbolDisabled      RejectReason = "symbol_disabled"
	RejectSymbolInactive      RejectReason = "symbol_inactive"
	RejectSignalTooOld        RejectReason = "signal_too_old"
	RejectAlreadyConsumed     RejectReason = "already_consumed"
	RejectMaxPositions        RejectReason = "max_concurrent_positions"
	RejectDuplicateDirection  RejectReason = "duplicate_symbol_direction"
	RejectStopTooClose        RejectReason = "stop_loss_too_close"
	RejectEntryFarFromMid     RejectReason = "entry_far_from_mid"
	RejectDensityGone         RejectReason = "density_no_longer_present"
	RejectInsufficientMargin  RejectReason = "insufficient_margin"
	RejectExposureExceeded    RejectReason = "aggregate_exposure_exceeded"
	RejectPerPositionExceeded RejectReason = "per_position_exposure_exceeded"
)

// PositionView is the minimal read Position Registry offers the validator.
type PositionView interface {
	OpenCount() int
	HasOpenPositionDirection(symbol string, dir Direction) bool
	AggregateNotional() decimal.Decimal
}

// ValidatorInputs bundles the config and live state the 10+2 checks read.
type ValidatorInputs struct {
	SymbolEnabled         bool
	SymbolActive          bool
	MaxConcurrentPositions int
	PositionSizeUSDT      decimal.Decimal
	Leverage              int
	AvailableBalance      decimal.Decimal
	Mid                   decimal.Decimal
	MaxExposurePercent    decimal.Decimal
	MaxPerPositionPercent decimal.Decimal
	DensityStillPresent   bool
}

// Validator runs the fixed, ordered rejection gate before a signal is
// allowed to reach execution.
type Validator struct {
	positions PositionView
	densities *density.Tracker
}

// NewValidator builds a Signal Validator.
func NewValidator(positions PositionView, densities *density.Tracker) *Validator {
	return &Validator{positions: positions, densities: densities}
}

// Validate runs every check in order, returning the first failure. It
// returns true with an empty reason when the signal passed all checks.
func (v *Validator) Validate(s Signal, in ValidatorInputs) (bool, RejectReason) {
	if !in.SymbolEnabled {
		return false, RejectSymbolDisabled
	}
	if !in.SymbolActive {
		return false, RejectSymbolInactive
	}
	if s.Age() > MaxAge {
		return false, RejectSignalTooOld
	}
	if s.Consumed {
		return false, RejectAlreadyConsumed
	}
	if v.positions.OpenCount() >= in.MaxConcurrentPositions {
		return false, RejectMaxPositions
	}
	if v.positions.HasOpenPositionDirection(s.Symbol, s.Direction) {
		return false, RejectDuplicateDirection
	}

	stopDistancePct := s.StopLoss.Sub(s.EntryPrice).Abs().Div(s.EntryPrice).Mul(decimal.NewFromInt(100))
	if stopDistancePct.LessThan(decimal.NewFromFloat(0.05)) {
		return false, RejectStopTooClose
	}

	entryDistancePct := s.EntryPrice.Sub(in.Mid).Abs().Div(in.Mid).Mul(decimal.NewFromInt(100))
	if entryDistancePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return false, RejectEntryFarFromMid
	}

	if !in.DensityStillPresent {
		return false, RejectDensityGone
	}

	requiredMargin := in.PositionSizeUSDT.Div(decimal.NewFromInt(int64(in.Leverage)))
	if requiredMargin.GreaterThan(in.AvailableBalance) {
		return false, RejectInsufficientMargin
	}

	projectedExposure := v.positions.AggregateNotional().Add(in.PositionSizeUSDT)
	maxExposure := money(in.AvailableBalance, in.MaxExposurePercent)
	if projectedExposure.GreaterThan(maxExposure) {
		return false, RejectExposureExceeded
	}

	maxPerPosition := money(in.AvailableBalance, in.MaxPerPositionPercent)
	if in.PositionSizeUSDT.GreaterThan(maxPerPosition) {
		return false, RejectPerPositionExceeded
	}

	return true, ""
}

func money(balance, pct decimal.Decimal) decimal.Decimal {
	return balance.Mul(pct).Div(decimal.NewFromInt(100))
}
