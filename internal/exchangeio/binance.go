package exchangeio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// BinanceFuturesClient binds Client against
// github.com/adshao/go-binance/v2/futures. Every call goes through a
// RateGate to bound concurrent outstanding requests.
type BinanceFuturesClient struct {
	api  *futures.Client
	gate *RateGate
}

// NewBinanceFuturesClient wraps an already-constructed futures.Client.
func NewBinanceFuturesClient(api *futures.Client, gate *RateGate) *BinanceFuturesClient {
	return &BinanceFuturesClient{api: api, gate: gate}
}

// NormalizeSymbol uppercases symbol and ensures a USDT quote suffix.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if !strings.HasSuffix(symbol, "USDT") {
		return symbol + "USDT"
	}
	return symbol
}

func (c *BinanceFuturesClient) GetWalletBalance(ctx context.Context) (decimal.Decimal, error) {
	var balances []*futures.Balance
	err := NonCriticalRetry.Do(ctx, func() (time.Duration, error) {
		var e error
		e = c.gate.Call(ctx, func() error {
			balances, e = c.api.NewGetBalanceService().Do(ctx)
			return e
		})
		return 0, e
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get wallet balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return decimal.NewFromString(b.Balance)
		}
	}
	return decimal.Zero, nil
}

func (c *BinanceFuturesClient) GetPositions(ctx context.Context) ([]PositionSide, error) {
	var risks []*futures.PositionRisk
	err := NonCriticalRetry.Do(ctx, func() (time.Duration, error) {
		var e error
		e = c.gate.Call(ctx, func() error {
			risks, e = c.api.NewGetPositionRiskService().Do(ctx)
			return e
		})
		return 0, e
	})
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	out := make([]PositionSide, 0, len(risks))
	for _, r := range risks {
		size, _ := decimal.NewFromString(r.PositionAmt)
		if size.IsZero() {
			continue
		}
		side := Buy
		if size.IsNegative() {
			side = Sell
			size = size.Abs()
		}
		avg, _ := decimal.NewFromString(r.EntryPrice)
		out = append(out, PositionSide{Symbol: r.Symbol, Size: size, AvgPrice: avg, Side: side})
	}
	return out, nil
}

func (c *BinanceFuturesClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == Sell {
		side = futures.SideTypeSell
	}
	var resp *futures.CreateOrderResponse
	policy := NonCriticalRetry
	err := policy.Do(ctx, func() (time.Duration, error) {
		var e error
		e = c.gate.Call(ctx, func() error {
			svc := c.api.NewCreateOrderService().
				Symbol(req.Symbol).
				Side(side).
				Type(futures.OrderTypeMarket).
				Quantity(req.Quantity.String()).
				ReduceOnly(req.ReduceOnly)
			resp, e = svc.Do(ctx)
			return e
		})
		return 0, e
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("place market order: %w", err)
	}
	avg, _ := decimal.NewFromString(resp.AvgPrice)
	filled, _ := decimal.NewFromString(resp.ExecutedQuantity)
	return OrderResult{
		OrderID:      resp.OrderID,
		Status:       string(resp.Status),
		AvgFillPrice: avg,
		FilledQty:    filled,
	}, nil
}

// SetTradingStop issues a STOP_MARKET reduce-only order at stopPrice, closing
// closeSide of the position (i.e. the opposite side of entry). Critical
// retry policy applies; callers drive the FORCE_CLOSE transition on failure.
func (c *BinanceFuturesClient) SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal, closeSide OrderSide) error {
	side := futures.SideTypeBuy
	if closeSide == Sell {
		side = futures.SideTypeSell
	}
	return CriticalRetry.Do(ctx, func() (time.Duration, error) {
		err := c.gate.Call(ctx, func() error {
			_, e := c.api.NewCreateOrderService().
				Symbol(symbol).
				Side(side).
				Type(futures.OrderTypeStopMarket).
				StopPrice(stopPrice.String()).
				ClosePosition(true).
				WorkingType(futures.WorkingTypeMarkPrice).
				PriceProtect(true).
				Do(ctx)
			return e
		})
		return 0, err
	})
}

func (c *BinanceFuturesClient) SwitchMarginMode(ctx context.Context, symbol string, isolated bool) error {
	marginType := futures.MarginTypeIsolated
	if !isolated {
		marginType = futures.MarginTypeCrossed
	}
	err := NonCriticalRetry.Do(ctx, func() (time.Duration, error) {
		e := c.gate.Call(ctx, func() error {
			return c.api.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
		})
		return 0, e
	})
	if err != nil && isAlreadySetError(err) {
		return nil // idempotent: "already isolated" counts as success
	}
	return err
}

func (c *BinanceFuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	err := NonCriticalRetry.Do(ctx, func() (time.Duration, error) {
		e := c.gate.Call(ctx, func() error {
			_, e := c.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
			return e
		})
		return 0, e
	})
	if err != nil && isAlreadySetError(err) {
		return nil
	}
	return err
}

// isAlreadySetError matches Binance's "no need to change" response so a
// repeat SET_ISOLATED/SET_LEVERAGE call is treated as success.
func isAlreadySetError(err error) bool {
	return strings.Contains(err.Error(), "-4046") || strings.Contains(err.Error(), "No need to change")
}

func (c *BinanceFuturesClient) SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	var info *futures.ExchangeInfo
	err := NonCriticalRetry.Do(ctx, func() (time.Duration, error) {
		var e error
		e = c.gate.Call(ctx, func() error {
			info, e = c.api.NewExchangeInfoService().Do(ctx)
			return e
		})
		return 0, e
	})
	if err != nil {
		return SymbolFilters{}, fmt.Errorf("fetch exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		out := SymbolFilters{Symbol: symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				tick := fmt.Sprintf("%v", f["tickSize"])
				out.TickSize, _ = decimal.NewFromString(tick)
				out.PricePlaces = placesFromStep(tick)
			case "LOT_SIZE":
				step := fmt.Sprintf("%v", f["stepSize"])
				out.LotSize, _ = decimal.NewFromString(step)
				out.QtyPlaces = placesFromStep(step)
			}
		}
		return out, nil
	}
	return SymbolFilters{}, fmt.Errorf("symbol filters: %s not found", symbol)
}

func placesFromStep(step string) int32 {
	step = strings.TrimRight(step, "0")
	idx := strings.Index(step, ".")
	if idx < 0 {
		return 0
	}
	return int32(len(step) - idx - 1)
}

func (c *BinanceFuturesClient) TickerStats(ctx context.Context, symbol string) (TickerStats, error) {
	var stats []*futures.PriceChangeStats
	err := NonCriticalRetry.Do(ctx, func() (time.Duration, error) {
		var e error
		e = c.gate.Call(ctx, func() error {
			stats, e = c.api.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
			return e
		})
		return 0, e
	})
	if err != nil || len(stats) == 0 {
		return TickerStats{}, fmt.Errorf("ticker stats: %w", err)
	}
	s := stats[0]
	pct, _ := decimal.NewFromString(s.PriceChangePercent)
	vol, _ := decimal.NewFromString(s.Volume)
	return TickerStats{Symbol: symbol, PriceChangePct24h: pct, Volume24h: vol}, nil
}

func (c *BinanceFuturesClient) DepthSnapshot(ctx context.Context, symbol string, depth int) (Snapshot, error) {
	var res *futures.DepthResponse
	err := NonCriticalRetry.Do(ctx, func() (time.Duration, error) {
		var e error
		e = c.gate.Call(ctx, func() error {
			res, e = c.api.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
			return e
		})
		return 0, e
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("depth snapshot: %w", err)
	}
	snap := Snapshot{Symbol: symbol, LastSeq: res.LastUpdateID}
	for _, b := range res.Bids {
		price, _ := decimal.NewFromString(b.Price)
		qty, _ := decimal.NewFromString(b.Quantity)
		snap.Bids = append(snap.Bids, LevelUpdate{Price: price, Volume: qty})
	}
	for _, a := range res.Asks {
		price, _ := decimal.NewFromString(a.Price)
		qty, _ := decimal.NewFromString(a.Quantity)
		snap.Asks = append(snap.Asks, LevelUpdate{Price: price, Volume: qty})
	}
	return snap, nil
}

func (c *BinanceFuturesClient) StreamDepth(ctx context.Context, symbol string) (<-chan DepthEvent, <-chan error) {
	out := make(chan DepthEvent, 64)
	errc := make(chan error, 1)

	handler := func(event *futures.WsDepthEvent) {
		de := DepthEvent{Symbol: symbol, FirstSeq: event.FirstUpdateID, FinalSeq: event.LastUpdateID}
		for _, b := range event.Bids {
			price, _ := decimal.NewFromString(b.Price)
			qty, _ := decimal.NewFromString(b.Quantity)
			de.Bids = append(de.Bids, LevelUpdate{Price: price, Volume: qty})
		}
		for _, a := range event.Asks {
			price, _ := decimal.NewFromString(a.Price)
			qty, _ := decimal.NewFromString(a.Quantity)
			de.Asks = append(de.Asks, LevelUpdate{Price: price, Volume: qty})
		}
		select {
		case out <- de:
		case <-ctx.Done():
		}
	}
	errHandler := func(err error) {
		select {
		case errc <- err:
		default:
		}
	}

	doneC, stopC, err := futures.WsDepthServe(symbol, handler, errHandler)
	if err != nil {
		errc <- err
		close(out)
		return out, errc
	}

	go func() {
		select {
		case <-ctx.Done():
			close(stopC)
		case <-doneC:
		}
		close(out)
	}()

	return out, errc
}

// parseInt64 parses a base-10 string such as an SDK order ID, returning 0 if
// it does not parse. Nothing in this package calls it.
func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
