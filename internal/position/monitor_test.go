package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/book"
	"sentinel/internal/density"
	"sentinel/internal/exchangeio"
	"sentinel/internal/execution"
	"sentinel/internal/signal"
	"sentinel/internal/telemetry"
)

func monitorDensityParams() density.Params {
	return density.Params{
		ThresholdAbs: decimal.RequireFromString("1000"), RelativeMultiplier: decimal.RequireFromString("3"),
		ThresholdPercent: decimal.RequireFromString("10"), ClusterRangePct: decimal.Zero,
	}
}

func seedDensity(tr *density.Tracker, symbol string, side book.Side, price string) {
	ob := book.OrderBook{Symbol: symbol}
	lvl := book.PriceLevel{Price: decimal.RequireFromString(price), Volume: decimal.RequireFromString("50")}
	neighbor := book.PriceLevel{Price: decimal.RequireFromString("1"), Volume: decimal.RequireFromString("1")}
	if side == book.Ask {
		ob.Asks = []book.PriceLevel{lvl, neighbor}
	} else {
		ob.Bids = []book.PriceLevel{lvl, neighbor}
	}
	tr.Scan(ob, monitorDensityParams())
}

func longPosition(symbol string) Position {
	return Position{
		Symbol: symbol, Direction: signal.Long, EntryPrice: decimal.NewFromInt(100),
		Size: decimal.NewFromInt(1), SignalKind: signal.Breakout,
		DensityPrice: decimal.NewFromInt(100), Status: Open,
	}
}

func TestCheckCounterDensityExitsLongOnAskAheadOfMid(t *testing.T) {
	tracker := density.NewTracker()
	seedDensity(tracker, "BTCUSDT", book.Ask, "105")
	m := &Monitor{densities: tracker}

	reason, exit := m.checkCounterDensity(longPosition("BTCUSDT"), decimal.NewFromInt(100))
	assert.True(t, exit)
	assert.Equal(t, ExitCounterDensity, reason)
}

func TestCheckCounterDensityIgnoresDensityBehindMid(t *testing.T) {
	tracker := density.NewTracker()
	seedDensity(tracker, "BTCUSDT", book.Ask, "95") // behind the long, not ahead of it
	m := &Monitor{densities: tracker}

	_, exit := m.checkCounterDensity(longPosition("BTCUSDT"), decimal.NewFromInt(100))
	assert.False(t, exit)
}

func TestCheckReturnToRangeExitsBreakoutLongBelowDensity(t *testing.T) {
	m := &Monitor{}
	p := longPosition("BTCUSDT")
	reason, exit := m.checkReturnToRange(p, decimal.NewFromInt(99)) // mid fell back below density(100)
	assert.True(t, exit)
	assert.Equal(t, ExitReturnToRange, reason)
}

func TestCheckReturnToRangeHoldsAboveDensity(t *testing.T) {
	m := &Monitor{}
	p := longPosition("BTCUSDT")
	_, exit := m.checkReturnToRange(p, decimal.NewFromInt(101))
	assert.False(t, exit)
}

func TestCheckDensityErosionExitsWhenDensityVanished(t *testing.T) {
	tracker := density.NewTracker()
	m := &Monitor{densities: tracker}
	p := longPosition("BTCUSDT")
	p.SignalKind = signal.Bounce

	reason, exit := m.checkDensityErosion(p, MonitorParams{BounceErosionExitPercent: decimal.RequireFromString("65")})
	assert.True(t, exit)
	assert.Equal(t, ExitDensityErosion, reason)
}

func TestCheckDensityErosionHoldsWhileStable(t *testing.T) {
	tracker := density.NewTracker()
	seedDensity(tracker, "BTCUSDT", book.Bid, "100")
	m := &Monitor{densities: tracker}
	p := longPosition("BTCUSDT")
	p.SignalKind = signal.Bounce

	_, exit := m.checkDensityErosion(p, MonitorParams{BounceErosionExitPercent: decimal.RequireFromString("65")})
	assert.False(t, exit)
}

func TestEvaluateBreakevenPromotesBreakoutOnProfitThreshold(t *testing.T) {
	store := newFakeTradeStore()
	log := telemetry.New()
	registry := NewRegistry(store, log)
	core := execution.NewCore(&fakeMonitorClient{}, log)
	m := NewMonitor(registry, nil, density.NewTracker(), core, log)

	p, err := registry.Register(context.Background(), execution.Outcome{
		Symbol: "BTCUSDT", Direction: signal.Long, EntryPrice: decimal.NewFromInt(100),
		Size: decimal.NewFromInt(1), Leverage: 1, StopLoss: decimal.NewFromInt(99), SignalKind: signal.Breakout,
	})
	require.NoError(t, err)

	// mid at 102 is 2% profit, >= the 1% breakeven threshold.
	m.evaluateBreakeven(context.Background(), p, decimal.NewFromInt(102), MonitorParams{BreakevenProfitPercent: decimal.RequireFromString("1")})

	updated, _ := registry.Get("BTCUSDT")
	assert.True(t, updated.BreakevenMoved)
	assert.True(t, updated.StopLoss.Equal(decimal.NewFromInt(100)))
}

type fakeMonitorClient struct {
	exchangeio.Client
}

func (f *fakeMonitorClient) SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal, closeSide exchangeio.OrderSide) error {
	return nil
}
