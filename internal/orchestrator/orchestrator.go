// Package orchestrator owns the async task graph, startup position
// synchronization, and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/book"
	"sentinel/internal/config"
	"sentinel/internal/density"
	"sentinel/internal/exchangeio"
	"sentinel/internal/execution"
	"sentinel/internal/position"
	"sentinel/internal/safety"
	"sentinel/internal/signal"
	"sentinel/internal/store"
	"sentinel/internal/telemetry"
	"sentinel/internal/trend"
)

// ActiveSymbolSource is the external collaborator treated as out of scope:
// top-gainers/losers ranking, a single call returning an ordered list. The
// Orchestrator only consumes its result.
type ActiveSymbolSource interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// trendCadence is how often the Trend Classifier refreshes its 24h-stats
// cache; anything at or above five minutes is acceptable.
const trendCadence = 5 * time.Minute

// Orchestrator wires every component and owns the task graph.
type Orchestrator struct {
	cfg        *config.Config
	client     exchangeio.Client
	log        *telemetry.Logger
	store      *store.Store
	feed       *book.Feed
	densities  *density.Tracker
	trendCls   *trend.Classifier
	generator  *signal.Generator
	validator  *signal.Validator
	core       *execution.Core
	registry   *position.Registry
	monitor    *position.Monitor
	supervisor *safety.Supervisor
	symbols    ActiveSymbolSource

	mu         sync.RWMutex
	coinParams map[string]signal.CoinParameters
	tickSizes  map[string]decimal.Decimal

	shutdownOnce sync.Once
	cancel       context.CancelFunc
}

// New builds an Orchestrator with every component wired together.
func New(cfg *config.Config, client exchangeio.Client, log *telemetry.Logger, st *store.Store, symbols ActiveSymbolSource) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		client:     client,
		log:        log,
		store:      st,
		densities:  density.NewTracker(),
		generator:  signal.NewGenerator(),
		symbols:    symbols,
		coinParams: make(map[string]signal.CoinParameters),
		tickSizes:  make(map[string]decimal.Decimal),
	}

	o.registry = position.NewRegistry(st, log)
	o.core = execution.NewCore(client, log)
	o.feed = book.NewFeed(client, log, cfg.WebSocket.OrderbookDepth, o, o.registry)
	o.trendCls = trend.NewClassifier(client, o.feed, log, trendCadence)
	o.validator = signal.NewValidator(o.registry, o.densities)
	o.monitor = position.NewMonitor(o.registry, o.feed, o.densities, o.core, log)
	o.supervisor = safety.NewSupervisor(client, o.registry, o.core, log, o, safety.Params{
		MinBalanceUSDT:        cfg.Safety.MinBalanceUSDT,
		MaxExposurePercent:    cfg.Trading.MaxExposurePercent,
		ConnectionLossTimeout: cfg.Safety.ConnectionLossTimeout,
		CheckInterval:         cfg.Safety.CheckInterval,
	})

	log.SetCriticalSink(st)
	return o
}

// RaiseEmergency implements book.EmergencyRaiser, forwarding to the
// Supervisor so market-feed outages share one EMERGENCY path with the
// Supervisor's own balance and connection checks.
func (o *Orchestrator) RaiseEmergency(reason string) {
	o.supervisor.RaiseEmergency(reason)
}

// RequestShutdown implements safety.Shutdowner.
func (o *Orchestrator) RequestShutdown(reason string) {
	o.log.Critical("orchestrator.shutdown_requested", "", reason)
	o.shutdownOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
	})
}

// Run executes the startup sequence then blocks until ctx is cancelled or an
// internal shutdown is requested.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	params, err := o.store.LoadCoinParameters(ctx)
	if err != nil {
		return fmt.Errorf("load coin parameters: %w", err)
	}
	o.mu.Lock()
	for _, p := range params {
		// coin_parameters rows carry no quiet-activity column.
		if p.QuietActivityThreshold.IsZero() {
			p.QuietActivityThreshold = o.cfg.Strategy.QuietActivityThreshold
		}
		o.coinParams[p.Symbol] = p
	}
	o.mu.Unlock()

	if err := o.registry.Reconcile(ctx, o.client); err != nil {
		o.log.Err("orchestrator.reconcile_failed", "", err)
	}

	active, err := o.symbols.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("fetch active symbols: %w", err)
	}
	active = o.protectOpenPositions(active)
	for _, sym := range active {
		o.feed.Subscribe(ctx, sym)
		o.trendCls.EnsureFetched(ctx, sym)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); o.trendCls.RefreshLoop(ctx) }()
	go func() { defer wg.Done(); o.signalLoop(ctx, o.cfg.Market.UpdateInterval) }()
	go func() { defer wg.Done(); o.monitor.Run(ctx, time.Second, o.monitorParamsFor) }()
	go func() { defer wg.Done(); o.supervisor.Run(ctx) }()

	<-ctx.Done()
	wg.Wait()
	return nil
}

// protectOpenPositions never deactivates (drops from the active set) a
// symbol that has an open position.
func (o *Orchestrator) protectOpenPositions(active []string) []string {
	set := make(map[string]bool, len(active))
	out := append([]string(nil), active...)
	for _, s := range active {
		set[s] = true
	}
	for _, p := range o.registry.All() {
		if !set[p.Symbol] {
			out = append(out, p.Symbol)
			set[p.Symbol] = true
		}
	}
	return out
}

func (o *Orchestrator) monitorParamsFor(symbol string) position.MonitorParams {
	cp := o.coinParamsFor(symbol)
	tp := o.cfg.Strategy.TakeProfit
	return position.MonitorParams{
		BreakevenProfitPercent:    cp.BreakevenProfitPercent,
		BounceErosionExitPercent:  cp.BounceErosionExitPercent,
		VelocitySlowdownThreshold: tp.VelocitySlowdownThreshold,
		ImbalanceChangeThreshold:  tp.ImbalanceChangeThreshold,
		VelocityShortWindow:       tp.VelocityShortWindow,
		VelocityLongWindow:        tp.VelocityLongWindow,
		ImbalanceTrailingWindow:   tp.VolumeHistoryWindow,
	}
}

func (o *Orchestrator) coinParamsFor(symbol string) signal.CoinParameters {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if cp, ok := o.coinParams[symbol]; ok {
		return cp
	}
	s := o.cfg.Strategy
	return signal.CoinParameters{
		Symbol:                     symbol,
		AbsoluteDensityThreshold:   s.DensityThresholdAbs,
		RelativeDensityMultiplier:  s.DensityRelativeMultiplier,
		PercentOfTotalThreshold:    s.DensityThresholdPercent,
		ClusterPriceRangePercent:   s.ClusterPriceRangePercent,
		BreakoutErosionPercent:     s.BreakoutErosionPercent,
		BreakoutMinStopLossPercent: s.BreakoutMinStopLossPercent,
		BounceDensityStablePercent: s.BounceDensityStablePercent,
		BounceErosionExitPercent:   s.BounceDensityErosionExitPct,
		BreakevenProfitPercent:     s.BreakevenProfitPercent,
		TouchTolerancePercent:      s.TouchTolerancePercent,
		SLBehindDensityPercent:     s.BounceStopLossBehindPercent,
		QuietActivityThreshold:     s.QuietActivityThreshold,
		Enabled:                    true,
	}
}

// tickSizeFor returns symbol's exchange tick size, fetching and caching it
// from SymbolFilters on first use.
func (o *Orchestrator) tickSizeFor(ctx context.Context, symbol string) decimal.Decimal {
	o.mu.RLock()
	tick, ok := o.tickSizes[symbol]
	o.mu.RUnlock()
	if ok {
		return tick
	}
	filters, err := o.client.SymbolFilters(ctx, symbol)
	if err != nil {
		o.log.Warn("orchestrator.tick_size_fetch_failed", symbol, err.Error())
		return decimal.Zero
	}
	o.mu.Lock()
	o.tickSizes[symbol] = filters.TickSize
	o.mu.Unlock()
	return filters.TickSize
}

// signalLoop is the density-scan -> signal-generate -> validate -> execute
// pipeline, dispatched per-symbol on its own goroutine so one symbol's work
// never blocks another's, while never running the same symbol twice
// concurrently.
func (o *Orchestrator) signalLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	busy := make(map[string]bool)
	var bmu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range o.feed.ActiveSymbols() {
				bmu.Lock()
				if busy[sym] {
					bmu.Unlock()
					continue
				}
				busy[sym] = true
				bmu.Unlock()

				go func(symbol string) {
					defer func() {
						bmu.Lock()
						delete(busy, symbol)
						bmu.Unlock()
					}()
					o.processSymbol(ctx, symbol)
				}(sym)
			}
		}
	}
}

func (o *Orchestrator) processSymbol(ctx context.Context, symbol string) {
	ob, ok := o.feed.CurrentBook(symbol)
	if !ok {
		return
	}
	cp := o.coinParamsFor(symbol)
	if !cp.Enabled {
		return
	}

	events := o.densities.Scan(ob, density.Params{
		ThresholdAbs:       cp.AbsoluteDensityThreshold,
		RelativeMultiplier: cp.RelativeDensityMultiplier,
		ThresholdPercent:   cp.PercentOfTotalThreshold,
		ClusterRangePct:    cp.ClusterPriceRangePercent,
		Tick:               o.tickSizeFor(ctx, symbol),
	})
	if len(events) == 0 {
		return
	}

	trendResult := o.trendCls.Trend(symbol, trend.Params{
		ChangeThresholdPercent: o.cfg.Strategy.TrendChangeThresholdPercent,
		ImbalanceRatio:         o.cfg.Strategy.TrendImbalanceRatio,
	})

	history := o.feed.History(symbol)
	window := o.cfg.Strategy.QuietActivityWindow

	for _, ev := range events {
		if ev.Kind == density.Disappeared {
			continue
		}
		activity := decimal.Zero
		if history != nil {
			activity = history.ActivitySince(time.Now().Add(-window), ev.Density.Side)
		}
		sig := o.generator.Evaluate(ev, string(trendResult.Direction), ob, cp, cp.QuietActivityThreshold, activity)
		if sig == nil {
			continue
		}
		o.handleSignal(ctx, *sig)
	}
}

func (o *Orchestrator) handleSignal(ctx context.Context, sig signal.Signal) {
	if o.supervisor.SoftStopped() {
		return
	}
	ob, ok := o.feed.CurrentBook(sig.Symbol)
	if !ok {
		return
	}
	mid, ok := ob.Mid()
	if !ok {
		return
	}
	balance, err := o.client.GetWalletBalance(ctx)
	if err != nil {
		o.log.Warn("orchestrator.balance_fetch_failed", sig.Symbol, err.Error())
		return
	}
	d, found := o.densities.Get(sig.DensityRef)
	densityPresent := found && d.Alive()
	cp := o.coinParamsFor(sig.Symbol)

	ok, reason := o.validator.Validate(sig, signal.ValidatorInputs{
		SymbolEnabled:          cp.Enabled,
		SymbolActive:           true,
		MaxConcurrentPositions: o.cfg.Trading.MaxConcurrentPositions,
		PositionSizeUSDT:       o.cfg.Trading.PositionSizeUSDT,
		Leverage:               o.cfg.Trading.Leverage,
		AvailableBalance:       balance,
		Mid:                    mid,
		MaxExposurePercent:     o.cfg.Trading.MaxExposurePercent,
		MaxPerPositionPercent:  o.cfg.Trading.MaxPerPositionPercent,
		DensityStillPresent:    densityPresent,
	})
	if !ok {
		o.log.Info("signal.rejected", sig.Symbol, string(reason))
		return
	}

	outcome, err := o.core.Execute(ctx, sig, o.cfg.Trading.PositionSizeUSDT, o.cfg.Trading.Leverage, o.cfg.Trading.MarginMode == "ISOLATED")
	if err != nil {
		if rej, isRej := err.(execution.Rejected); isRej {
			o.log.Warn("execution.rejected", sig.Symbol, rej.Reason)
			return
		}
		o.log.Err("execution.failed", sig.Symbol, err)
		return
	}

	if _, err := o.registry.Register(ctx, outcome); err != nil {
		o.log.Err("orchestrator.register_failed", sig.Symbol, err)
	}
}
