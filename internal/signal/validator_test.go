package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"sentinel/internal/density"
)

type fakePositions struct {
	openCount      int
	dupeDirection  bool
	aggregateNotional decimal.Decimal
}

func (f *fakePositions) OpenCount() int { return f.openCount }
func (f *fakePositions) HasOpenPositionDirection(symbol string, dir Direction) bool {
	return f.dupeDirection
}
func (f *fakePositions) AggregateNotional() decimal.Decimal { return f.aggregateNotional }

func validSignal() Signal {
	return Signal{
		Symbol:     "BTCUSDT",
		Direction:  Long,
		EntryPrice: d("100"),
		StopLoss:   d("99.8"), // 0.2% away, passes the 0.05% floor
		DensityRef: density.Key{Symbol: "BTCUSDT", Side: "BID", Price: "100"},
		CreatedAt:  time.Now(),
	}
}

func validInputs() ValidatorInputs {
	return ValidatorInputs{
		SymbolEnabled:          true,
		SymbolActive:           true,
		MaxConcurrentPositions: 5,
		PositionSizeUSDT:       d("100"),
		Leverage:               10,
		AvailableBalance:       d("1000"),
		Mid:                    d("100.1"),
		MaxExposurePercent:     d("50"),
		MaxPerPositionPercent:  d("20"),
		DensityStillPresent:    true,
	}
}

func TestValidatorAcceptsGoodSignal(t *testing.T) {
	v := NewValidator(&fakePositions{}, density.NewTracker())
	ok, reason := v.Validate(validSignal(), validInputs())
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestValidatorRejectsDisabledSymbolFirst(t *testing.T) {
	v := NewValidator(&fakePositions{openCount: 99}, density.NewTracker())
	in := validInputs()
	in.SymbolEnabled = false
	ok, reason := v.Validate(validSignal(), in)
	assert.False(t, ok)
	assert.Equal(t, RejectSymbolDisabled, reason)
}

func TestValidatorRejectsStaleSignal(t *testing.T) {
	v := NewValidator(&fakePositions{}, density.NewTracker())
	sig := validSignal()
	sig.CreatedAt = time.Now().Add(-61 * time.Second)
	ok, reason := v.Validate(sig, validInputs())
	assert.False(t, ok)
	assert.Equal(t, RejectSignalTooOld, reason)
}

func TestValidatorRejectsAtExactlyMaxPositions(t *testing.T) {
	v := NewValidator(&fakePositions{openCount: 5}, density.NewTracker())
	ok, reason := v.Validate(validSignal(), validInputs())
	assert.False(t, ok)
	assert.Equal(t, RejectMaxPositions, reason)
}

func TestValidatorRejectsDuplicateDirection(t *testing.T) {
	v := NewValidator(&fakePositions{dupeDirection: true}, density.NewTracker())
	ok, reason := v.Validate(validSignal(), validInputs())
	assert.False(t, ok)
	assert.Equal(t, RejectDuplicateDirection, reason)
}

func TestValidatorRejectsStopTooClose(t *testing.T) {
	v := NewValidator(&fakePositions{}, density.NewTracker())
	sig := validSignal()
	sig.StopLoss = d("99.99") // 0.01% away, below the 0.05% floor
	ok, reason := v.Validate(sig, validInputs())
	assert.False(t, ok)
	assert.Equal(t, RejectStopTooClose, reason)
}

func TestValidatorRejectsEntryFarFromMid(t *testing.T) {
	v := NewValidator(&fakePositions{}, density.NewTracker())
	in := validInputs()
	in.Mid = d("103") // entry 100 is ~2.9% away, over the 1% ceiling
	ok, reason := v.Validate(validSignal(), in)
	assert.False(t, ok)
	assert.Equal(t, RejectEntryFarFromMid, reason)
}

func TestValidatorRejectsDensityGone(t *testing.T) {
	v := NewValidator(&fakePositions{}, density.NewTracker())
	in := validInputs()
	in.DensityStillPresent = false
	ok, reason := v.Validate(validSignal(), in)
	assert.False(t, ok)
	assert.Equal(t, RejectDensityGone, reason)
}

func TestValidatorRejectsInsufficientMargin(t *testing.T) {
	v := NewValidator(&fakePositions{}, density.NewTracker())
	in := validInputs()
	in.AvailableBalance = d("5") // required margin 100/10=10 > 5
	ok, reason := v.Validate(validSignal(), in)
	assert.False(t, ok)
	assert.Equal(t, RejectInsufficientMargin, reason)
}

func TestValidatorRejectsAggregateExposureExceeded(t *testing.T) {
	v := NewValidator(&fakePositions{aggregateNotional: d("490")}, density.NewTracker())
	in := validInputs() // max exposure = 1000*50/100=500; 490+100=590 > 500
	ok, reason := v.Validate(validSignal(), in)
	assert.False(t, ok)
	assert.Equal(t, RejectExposureExceeded, reason)
}

func TestValidatorRejectsPerPositionExceeded(t *testing.T) {
	v := NewValidator(&fakePositions{}, density.NewTracker())
	in := validInputs()
	in.PositionSizeUSDT = d("300") // max per position = 1000*20/100=200 < 300
	ok, reason := v.Validate(validSignal(), in)
	assert.False(t, ok)
	assert.Equal(t, RejectPerPositionExceeded, reason)
}
