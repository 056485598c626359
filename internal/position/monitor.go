package position

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/book"
	"sentinel/internal/density"
	"sentinel/internal/execution"
	"sentinel/internal/money"
	"sentinel/internal/signal"
	"sentinel/internal/telemetry"
)

// MonitorParams are the per-symbol thresholds the monitor's checks need,
// drawn from CoinParameters and the strategy.take_profit config group.
type MonitorParams struct {
	BreakevenProfitPercent      decimal.Decimal
	BounceErosionExitPercent    decimal.Decimal
	VelocitySlowdownThreshold   decimal.Decimal
	ImbalanceChangeThreshold    decimal.Decimal
	VelocityShortWindow         time.Duration
	VelocityLongWindow          time.Duration
	ImbalanceTrailingWindow     time.Duration
}

// Monitor evaluates every open position at <=1s cadence.
type Monitor struct {
	registry  *Registry
	feed      *book.Feed
	densities *density.Tracker
	core      *execution.Core
	log       *telemetry.Logger
}

// NewMonitor builds a Position Monitor.
func NewMonitor(registry *Registry, feed *book.Feed, densities *density.Tracker, core *execution.Core, log *telemetry.Logger) *Monitor {
	return &Monitor{registry: registry, feed: feed, densities: densities, core: core, log: log}
}

// Run ticks every interval (<=1s) until ctx is cancelled, evaluating each
// open position in turn. Breakeven promotion and exit evaluation never
// interleave within one cycle for a given position: one completes before
// the next begins, since both run sequentially inside evaluateOne.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, params func(symbol string) MonitorParams) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range m.registry.All() {
				m.evaluateOne(ctx, p, params(p.Symbol))
			}
		}
	}
}

func (m *Monitor) evaluateOne(ctx context.Context, p Position, params MonitorParams) {
	ob, ok := m.feed.CurrentBook(p.Symbol)
	if !ok {
		return
	}
	mid, ok := ob.Mid()
	if !ok {
		return
	}

	m.evaluateBreakeven(ctx, p, mid, params)

	// re-fetch: breakeven may have just flipped BreakevenMoved/StopLoss.
	p, ok = m.registry.Get(p.Symbol)
	if !ok {
		return
	}

	if reason, ok := m.evaluateExit(p, ob, mid, params); ok {
		m.executeExit(ctx, p, reason)
	}
}

func (m *Monitor) evaluateBreakeven(ctx context.Context, p Position, mid decimal.Decimal, params MonitorParams) {
	if p.BreakevenMoved {
		return
	}

	trigger := false
	switch p.SignalKind {
	case signal.Breakout:
		trigger = p.UnrealizedPnLPercent(mid).GreaterThanOrEqual(params.BreakevenProfitPercent)
	case signal.Bounce:
		if d, ok := m.densityFor(p); ok {
			trigger = d.ErosionPercent().GreaterThanOrEqual(params.BounceErosionExitPercent)
		}
	}
	if !trigger {
		return
	}

	if err := m.core.MoveStopToBreakeven(ctx, p.Symbol, p.EntryPrice, p.Direction); err != nil {
		m.log.Warn("monitor.breakeven_move_failed", p.Symbol, err.Error())
		return // retry next cycle; the existing stop remains the safety net
	}
	if err := m.registry.PromoteBreakeven(ctx, p.Symbol); err != nil {
		m.log.Warn("monitor.breakeven_persist_failed", p.Symbol, err.Error())
	}
}

func (m *Monitor) densityFor(p Position) (density.Density, bool) {
	side := book.Bid
	if p.Direction == signal.Short {
		side = book.Ask
	}
	return m.densities.Get(density.Key{Symbol: p.Symbol, Side: side, Price: p.DensityPrice.String()})
}

// evaluateExit runs the 5-condition evaluator in order, acting on the
// first hit.
func (m *Monitor) evaluateExit(p Position, ob book.OrderBook, mid decimal.Decimal, params MonitorParams) (ExitReason, bool) {
	hist := m.feed.History(p.Symbol)
	if hist == nil {
		return "", false
	}

	if reason, ok := m.checkMomentumSlowdown(hist, params); ok {
		return reason, ok
	}
	if reason, ok := m.checkCounterDensity(p, mid); ok {
		return reason, ok
	}
	if reason, ok := m.checkAggressiveReversal(p, hist, ob, params); ok {
		return reason, ok
	}
	if p.SignalKind == signal.Breakout {
		if reason, ok := m.checkReturnToRange(p, mid); ok {
			return reason, ok
		}
	}
	if p.SignalKind == signal.Bounce {
		if reason, ok := m.checkDensityErosion(p, params); ok {
			return reason, ok
		}
	}
	return "", false
}

func (m *Monitor) checkMomentumSlowdown(hist *book.SymbolHistory, params MonitorParams) (ExitReason, bool) {
	if hist.SampleCount() < 10 {
		return "", false
	}
	now := time.Now()
	vShort := velocity(hist.PricesSince(now.Add(-params.VelocityShortWindow)))
	vLong := velocity(hist.PricesSince(now.Add(-params.VelocityLongWindow)))
	if vLong.IsZero() {
		return "", false
	}
	if vShort.LessThan(params.VelocitySlowdownThreshold.Mul(vLong)) {
		return ExitMomentumSlowdown, true
	}
	return "", false
}

func velocity(samples []book.PriceSample) decimal.Decimal {
	if len(samples) < 2 {
		return decimal.Zero
	}
	first, last := samples[0], samples[len(samples)-1]
	dt := last.At.Sub(first.At).Seconds()
	if dt <= 0 {
		return decimal.Zero
	}
	diff := last.Mid.Sub(first.Mid).Abs()
	return diff.Div(decimal.NewFromFloat(dt))
}

func (m *Monitor) checkCounterDensity(p Position, mid decimal.Decimal) (ExitReason, bool) {
	side := book.Ask
	if p.Direction == signal.Short {
		side = book.Bid
	}
	for _, d := range m.densities.AliveOn(p.Symbol, side) {
		if p.Direction == signal.Long && d.PriceLevel.GreaterThan(mid) {
			return ExitCounterDensity, true
		}
		if p.Direction == signal.Short && d.PriceLevel.LessThan(mid) {
			return ExitCounterDensity, true
		}
	}
	return "", false
}

func (m *Monitor) checkAggressiveReversal(p Position, hist *book.SymbolHistory, ob book.OrderBook, params MonitorParams) (ExitReason, bool) {
	samples := hist.VolumesSince(time.Now().Add(-params.ImbalanceTrailingWindow))
	if len(samples) == 0 {
		return "", false
	}
	sum := decimal.Zero
	for _, s := range samples {
		ratio := decimal.NewFromInt(1)
		if !s.AskVol.IsZero() {
			ratio = s.BidVol.Div(s.AskVol)
		}
		sum = sum.Add(ratio)
	}
	trailingMean := sum.Div(decimal.NewFromInt(int64(len(samples))))
	current := ob.ImbalanceRatio()

	diverged := money.AbsPercentDiff(current, trailingMean).GreaterThanOrEqual(params.ImbalanceChangeThreshold.Mul(decimal.NewFromInt(100)))
	if !diverged {
		return "", false
	}
	// against the position: for LONG, a collapsing bid/ask ratio is adverse.
	if p.Direction == signal.Long && current.LessThan(trailingMean) {
		return ExitAggressiveReversal, true
	}
	if p.Direction == signal.Short && current.GreaterThan(trailingMean) {
		return ExitAggressiveReversal, true
	}
	return "", false
}

func (m *Monitor) checkReturnToRange(p Position, mid decimal.Decimal) (ExitReason, bool) {
	if p.Direction == signal.Long && mid.LessThanOrEqual(p.DensityPrice) {
		return ExitReturnToRange, true
	}
	if p.Direction == signal.Short && mid.GreaterThanOrEqual(p.DensityPrice) {
		return ExitReturnToRange, true
	}
	return "", false
}

func (m *Monitor) checkDensityErosion(p Position, params MonitorParams) (ExitReason, bool) {
	d, ok := m.densityFor(p)
	if !ok || !d.Alive() {
		return ExitDensityErosion, true // vanished from the tracker
	}
	if d.ErosionPercent().GreaterThanOrEqual(params.BounceErosionExitPercent) {
		return ExitDensityErosion, true
	}
	return "", false
}

func (m *Monitor) executeExit(ctx context.Context, p Position, reason ExitReason) {
	result, err := m.core.CloseReduceOnly(ctx, p.Symbol, p.Size, p.Direction)
	if err != nil {
		m.log.Warn("monitor.exit_close_failed", p.Symbol, err.Error())
		return // leave OPEN, retry next cycle; the exchange stop remains the safety net
	}
	if err := m.registry.Close(ctx, p.Symbol, result.AvgFillPrice, reason); err != nil {
		m.log.Err("monitor.exit_persist_failed", p.Symbol, err)
	}
}
