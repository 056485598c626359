package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/book"
	"sentinel/internal/config"
	"sentinel/internal/density"
	"sentinel/internal/exchangeio"
	"sentinel/internal/execution"
	"sentinel/internal/position"
	"sentinel/internal/safety"
	"sentinel/internal/signal"
	"sentinel/internal/telemetry"
)

type fakeOrchClient struct {
	exchangeio.Client
	snapshot exchangeio.Snapshot
	balance  decimal.Decimal
	events   chan exchangeio.DepthEvent
	errc     chan error
	filters  exchangeio.SymbolFilters
}

func newFakeOrchClient() *fakeOrchClient {
	return &fakeOrchClient{
		events:  make(chan exchangeio.DepthEvent),
		errc:    make(chan error),
		filters: exchangeio.SymbolFilters{TickSize: decimal.RequireFromString("0.01"), LotSize: decimal.RequireFromString("0.001"), PricePlaces: 2, QtyPlaces: 3},
	}
}

func (f *fakeOrchClient) DepthSnapshot(ctx context.Context, symbol string, depth int) (exchangeio.Snapshot, error) {
	return f.snapshot, nil
}
func (f *fakeOrchClient) StreamDepth(ctx context.Context, symbol string) (<-chan exchangeio.DepthEvent, <-chan error) {
	return f.events, f.errc
}
func (f *fakeOrchClient) GetWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.balance, nil
}
func (f *fakeOrchClient) PlaceMarketOrder(ctx context.Context, req exchangeio.OrderRequest) (exchangeio.OrderResult, error) {
	return exchangeio.OrderResult{FilledQty: req.Quantity, AvgFillPrice: decimal.NewFromInt(100)}, nil
}
func (f *fakeOrchClient) SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal, closeSide exchangeio.OrderSide) error {
	return nil
}
func (f *fakeOrchClient) SwitchMarginMode(ctx context.Context, symbol string, isolated bool) error {
	return nil
}
func (f *fakeOrchClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}
func (f *fakeOrchClient) SymbolFilters(ctx context.Context, symbol string) (exchangeio.SymbolFilters, error) {
	return f.filters, nil
}

type fakeOrchStore struct{}

func (f *fakeOrchStore) CreateOpenTrade(ctx context.Context, p position.Position) (string, error) {
	return p.Symbol + "-id", nil
}
func (f *fakeOrchStore) UpdateStop(ctx context.Context, id string, stopLoss decimal.Decimal, breakevenMoved bool) error {
	return nil
}
func (f *fakeOrchStore) CloseTrade(ctx context.Context, id string, exitPrice, pnl decimal.Decimal, reason position.ExitReason) error {
	return nil
}
func (f *fakeOrchStore) OpenTrades(ctx context.Context) ([]position.Position, error) { return nil, nil }

// testOrchestrator builds an Orchestrator directly (bypassing New, which
// requires a concrete *store.Store) so tests can supply a fake TradeStore.
func testOrchestrator(client exchangeio.Client) (*Orchestrator, context.Context, context.CancelFunc) {
	log := telemetry.New()
	o := &Orchestrator{
		cfg:        testConfig(),
		client:     client,
		log:        log,
		densities:  density.NewTracker(),
		generator:  signal.NewGenerator(),
		coinParams: make(map[string]signal.CoinParameters),
		tickSizes:  make(map[string]decimal.Decimal),
	}
	o.registry = position.NewRegistry(&fakeOrchStore{}, log)
	o.core = execution.NewCore(client, log)
	o.feed = book.NewFeed(client, log, 50, o, o.registry)
	o.validator = signal.NewValidator(o.registry, o.densities)
	o.supervisor = safety.NewSupervisor(client, o.registry, o.core, log, o, safety.Params{
		MinBalanceUSDT:        decimal.Zero,
		MaxExposurePercent:    decimal.NewFromInt(1000),
		ConnectionLossTimeout: time.Hour,
		CheckInterval:         time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return o, ctx, cancel
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Trading.PositionSizeUSDT = decimal.NewFromInt(100)
	cfg.Trading.Leverage = 10
	cfg.Trading.MarginMode = "ISOLATED"
	cfg.Trading.MaxConcurrentPositions = 5
	cfg.Trading.MaxExposurePercent = decimal.NewFromInt(50)
	cfg.Trading.MaxPerPositionPercent = decimal.NewFromInt(20)
	return cfg
}

func subscribeAndWait(t *testing.T, o *Orchestrator, ctx context.Context, symbol string) {
	t.Helper()
	o.feed.Subscribe(ctx, symbol)
	require.Eventually(t, func() bool {
		_, ok := o.feed.CurrentBook(symbol)
		return ok
	}, time.Second, time.Millisecond)
}

// seedQualifyingDensity scans the subscribed symbol's current book with
// thresholds low enough that every level qualifies, returning the key of
// the resulting ask-side density so a test signal can reference it.
func seedQualifyingDensity(o *Orchestrator, symbol string) density.Key {
	ob, _ := o.feed.CurrentBook(symbol)
	events := o.densities.Scan(ob, density.Params{
		ThresholdAbs:       decimal.NewFromInt(1),
		RelativeMultiplier: decimal.NewFromFloat(0.01),
		ThresholdPercent:   decimal.NewFromFloat(0.01),
		ClusterRangePct:    decimal.Zero,
	})
	for _, ev := range events {
		if ev.Density.Side == book.Ask {
			return density.Key{Symbol: symbol, Side: book.Ask, Price: ev.Density.PriceLevel.String()}
		}
	}
	panic("no qualifying ask density in seeded book")
}

func TestHandleSignalRegistersPositionOnValidSignal(t *testing.T) {
	client := newFakeOrchClient()
	client.balance = decimal.NewFromInt(1000)
	client.snapshot = exchangeio.Snapshot{
		LastSeq: 1,
		Bids:    []exchangeio.LevelUpdate{{Price: decimal.NewFromInt(99), Volume: decimal.NewFromInt(1)}},
		Asks:    []exchangeio.LevelUpdate{{Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(50)}, {Price: decimal.NewFromInt(101), Volume: decimal.NewFromInt(1)}},
	}
	o, ctx, cancel := testOrchestrator(client)
	defer cancel()
	subscribeAndWait(t, o, ctx, "BTCUSDT")
	ref := seedQualifyingDensity(o, "BTCUSDT")

	sig := signal.Signal{
		Symbol: "BTCUSDT", Kind: signal.Breakout, Direction: signal.Long,
		EntryPrice: decimal.NewFromFloat(99.5), StopLoss: decimal.NewFromInt(99),
		DensityRef: ref,
		CreatedAt:  time.Now(),
	}
	o.coinParams["BTCUSDT"] = signal.CoinParameters{Enabled: true}

	o.handleSignal(ctx, sig)
	assert.Equal(t, 1, o.registry.OpenCount())
}

func TestHandleSignalSkipsWhenBalanceInsufficient(t *testing.T) {
	client := newFakeOrchClient()
	client.balance = decimal.NewFromInt(1) // far below required margin
	client.snapshot = exchangeio.Snapshot{
		LastSeq: 1,
		Bids:    []exchangeio.LevelUpdate{{Price: decimal.NewFromInt(99), Volume: decimal.NewFromInt(1)}},
		Asks:    []exchangeio.LevelUpdate{{Price: decimal.NewFromInt(101), Volume: decimal.NewFromInt(1)}},
	}
	o, ctx, cancel := testOrchestrator(client)
	defer cancel()
	subscribeAndWait(t, o, ctx, "BTCUSDT")

	sig := signal.Signal{
		Symbol: "BTCUSDT", Kind: signal.Breakout, Direction: signal.Long,
		EntryPrice: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(99),
		DensityRef: density.Key{Symbol: "BTCUSDT", Side: "ASK", Price: "100"},
		CreatedAt:  time.Now(),
	}
	o.coinParams["BTCUSDT"] = signal.CoinParameters{Enabled: true}

	o.handleSignal(ctx, sig)
	assert.Equal(t, 0, o.registry.OpenCount())
}

func TestProcessSymbolSkipsDisabledSymbol(t *testing.T) {
	client := newFakeOrchClient()
	client.snapshot = exchangeio.Snapshot{
		LastSeq: 1,
		Bids:    []exchangeio.LevelUpdate{{Price: decimal.NewFromInt(99), Volume: decimal.NewFromInt(50)}},
		Asks:    []exchangeio.LevelUpdate{{Price: decimal.NewFromInt(101), Volume: decimal.NewFromInt(1)}},
	}
	o, ctx, cancel := testOrchestrator(client)
	defer cancel()
	subscribeAndWait(t, o, ctx, "BTCUSDT")
	o.coinParams["BTCUSDT"] = signal.CoinParameters{Enabled: false}

	o.processSymbol(ctx, "BTCUSDT")
	assert.Equal(t, 0, o.registry.OpenCount())
}

func TestProtectOpenPositionsKeepsSymbolWithOpenPosition(t *testing.T) {
	client := newFakeOrchClient()
	o, ctx, cancel := testOrchestrator(client)
	defer cancel()

	_, err := o.registry.Register(ctx, execution.Outcome{
		Symbol: "ETHUSDT", Direction: signal.Long, EntryPrice: decimal.NewFromInt(100),
		Size: decimal.NewFromInt(1), Leverage: 1, StopLoss: decimal.NewFromInt(99),
	})
	require.NoError(t, err)

	out := o.protectOpenPositions([]string{"BTCUSDT"})
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, out)
}
