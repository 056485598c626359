package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/density"
	"sentinel/internal/exchangeio"
	"sentinel/internal/signal"
	"sentinel/internal/telemetry"
)

type fakeClient struct {
	filters       exchangeio.SymbolFilters
	placeErr      error
	setStopErr    error
	forceCloseOK  bool // not read: reduce-only orders always fill in one shot unless placeErr is set
	placedOrders  []exchangeio.OrderRequest
	stopPrices    []decimal.Decimal
}

func (f *fakeClient) GetWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeClient) GetPositions(ctx context.Context) ([]exchangeio.PositionSide, error) {
	return nil, nil
}
func (f *fakeClient) PlaceMarketOrder(ctx context.Context, req exchangeio.OrderRequest) (exchangeio.OrderResult, error) {
	f.placedOrders = append(f.placedOrders, req)
	if req.ReduceOnly && f.placeErr == nil {
		return exchangeio.OrderResult{FilledQty: req.Quantity, AvgFillPrice: decimal.NewFromInt(100)}, nil
	}
	if f.placeErr != nil {
		return exchangeio.OrderResult{}, f.placeErr
	}
	return exchangeio.OrderResult{FilledQty: req.Quantity, AvgFillPrice: decimal.NewFromInt(100)}, nil
}
func (f *fakeClient) SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal, closeSide exchangeio.OrderSide) error {
	f.stopPrices = append(f.stopPrices, stopPrice)
	return f.setStopErr
}
func (f *fakeClient) SwitchMarginMode(ctx context.Context, symbol string, isolated bool) error {
	return nil
}
func (f *fakeClient) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *fakeClient) SymbolFilters(ctx context.Context, symbol string) (exchangeio.SymbolFilters, error) {
	return f.filters, nil
}
func (f *fakeClient) TickerStats(ctx context.Context, symbol string) (exchangeio.TickerStats, error) {
	return exchangeio.TickerStats{}, nil
}
func (f *fakeClient) DepthSnapshot(ctx context.Context, symbol string, depth int) (exchangeio.Snapshot, error) {
	return exchangeio.Snapshot{}, nil
}
func (f *fakeClient) StreamDepth(ctx context.Context, symbol string) (<-chan exchangeio.DepthEvent, <-chan error) {
	return nil, nil
}

func testFilters() exchangeio.SymbolFilters {
	return exchangeio.SymbolFilters{
		TickSize: decimal.RequireFromString("0.01"), LotSize: decimal.RequireFromString("0.001"),
		PricePlaces: 2, QtyPlaces: 3,
	}
}

func testSignal() signal.Signal {
	return signal.Signal{
		Symbol:     "BTCUSDT",
		Kind:       signal.Breakout,
		Direction:  signal.Long,
		EntryPrice: decimal.NewFromInt(100),
		StopLoss:   decimal.NewFromInt(99),
		DensityRef: density.Key{Symbol: "BTCUSDT", Side: "ASK", Price: "100"},
	}
}

func TestExecuteHappyPathReachesConfirmed(t *testing.T) {
	client := &fakeClient{filters: testFilters()}
	core := NewCore(client, telemetry.New())

	out, err := core.Execute(context.Background(), testSignal(), decimal.NewFromInt(1000), 10, true)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", out.Symbol)
	assert.Equal(t, signal.Long, out.Direction)
	assert.True(t, out.StopLoss.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, 10, out.Leverage)
}

func TestExecuteForceClosesAndRejectsWhenStopSetFails(t *testing.T) {
	client := &fakeClient{filters: testFilters(), setStopErr: assertErr("stop rejected")}
	core := NewCore(client, telemetry.New())

	_, err := core.Execute(context.Background(), testSignal(), decimal.NewFromInt(1000), 10, true)
	require.Error(t, err)
	rejected, ok := err.(Rejected)
	require.True(t, ok)
	assert.Equal(t, "stop_set_failed_force_closed", rejected.Reason)

	// the second placed order is the reduce-only force-close.
	require.Len(t, client.placedOrders, 2)
	assert.True(t, client.placedOrders[1].ReduceOnly)
}

func TestExecutePropagatesPlaceMarketFailure(t *testing.T) {
	client := &fakeClient{filters: testFilters(), placeErr: assertErr("exchange rejected order")}
	core := NewCore(client, telemetry.New())

	_, err := core.Execute(context.Background(), testSignal(), decimal.NewFromInt(1000), 10, true)
	require.Error(t, err)
	_, isRejected := err.(Rejected)
	assert.False(t, isRejected) // not a Rejected: never reached SET_STOP
}

func TestCloseReduceOnlySubmitsOppositeSide(t *testing.T) {
	client := &fakeClient{filters: testFilters()}
	core := NewCore(client, telemetry.New())

	_, err := core.CloseReduceOnly(context.Background(), "BTCUSDT", decimal.NewFromInt(1), signal.Long)
	require.NoError(t, err)
	require.Len(t, client.placedOrders, 1)
	assert.Equal(t, exchangeio.Sell, client.placedOrders[0].Side)
	assert.True(t, client.placedOrders[0].ReduceOnly)
}

func TestMoveStopToBreakevenUsesEntryPrice(t *testing.T) {
	client := &fakeClient{filters: testFilters()}
	core := NewCore(client, telemetry.New())

	err := core.MoveStopToBreakeven(context.Background(), "BTCUSDT", decimal.NewFromInt(100), signal.Short)
	assert.NoError(t, err)
	require.Len(t, client.stopPrices, 1)
	assert.True(t, client.stopPrices[0].Equal(decimal.NewFromInt(100)))
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
