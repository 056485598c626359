// Package exchangeio abstracts the exchange HTTP/WS surface in
// Bybit-unified-trading vocabulary, with one concrete binding against
// github.com/adshao/go-binance/v2/futures.
package exchangeio

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is Buy or Sell, the place_order vocabulary.
type OrderSide string

const (
	Buy  OrderSide = "Buy"
	Sell OrderSide = "Sell"
)

// PositionSide reports a currently open exchange position.
type PositionSide struct {
	Symbol   string
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
	Side     OrderSide
}

// OrderRequest is the normalized place_order payload.
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Quantity    decimal.Decimal
	ReduceOnly  bool
	PostOnly    bool // GTX maker-only
}

// OrderResult is what PLACE_MARKET and force-close callers need back.
type OrderResult struct {
	OrderID       int64
	Status        string
	AvgFillPrice  decimal.Decimal
	FilledQty     decimal.Decimal
}

// SymbolFilters is the tick/lot metadata used for rounding.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	PricePlaces int32
	QtyPlaces   int32
}

// DepthEvent is one diff-depth frame: a sequence number and the changed
// levels on each side (volume 0 means "remove this price").
type DepthEvent struct {
	Symbol    string
	FirstSeq  int64
	FinalSeq  int64
	Bids      []LevelUpdate
	Asks      []LevelUpdate
}

// LevelUpdate is one changed price level.
type LevelUpdate struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Snapshot is a full-depth REST snapshot used to (re)seed a book.
type Snapshot struct {
	Symbol    string
	LastSeq   int64
	Bids      []LevelUpdate
	Asks      []LevelUpdate
}

// TickerStats is the 24h-change + volume view the Trend Classifier needs.
type TickerStats struct {
	Symbol            string
	PriceChangePct24h decimal.Decimal
	Volume24h         decimal.Decimal
}

// Client is the exchange surface every in-scope component depends on.
// The only production binding is BinanceFuturesClient; package tests run
// against in-memory fakes implementing the same interface.
type Client interface {
	GetWalletBalance(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]PositionSide, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal, closeSide OrderSide) error
	SwitchMarginMode(ctx context.Context, symbol string, isolated bool) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	TickerStats(ctx context.Context, symbol string) (TickerStats, error)
	DepthSnapshot(ctx context.Context, symbol string, depth int) (Snapshot, error)

	// StreamDepth subscribes to the diff-depth stream for symbol and delivers
	// events to the returned channel until ctx is cancelled. Reconnection is
	// the caller's responsibility (internal/book owns that loop) so the
	// channel closing always means "this subscription attempt ended", not
	// "the symbol is permanently gone".
	StreamDepth(ctx context.Context, symbol string) (<-chan DepthEvent, <-chan error)
}

// RateGate is a counting semaphore bounding concurrent in-flight exchange
// calls, shared by every caller.
type RateGate struct {
	slots chan struct{}
}

// NewRateGate builds a gate with the given capacity (~20 is typical).
func NewRateGate(capacity int) *RateGate {
	return &RateGate{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *RateGate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (g *RateGate) Release() {
	select {
	case <-g.slots:
	default:
	}
}

// Call runs fn under the gate.
func (g *RateGate) Call(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

// RetryPolicy is the shape of the non-critical (3 attempt) / critical
// (5 attempt) retry loops every exchange call goes through.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	LinearStep  time.Duration // if non-zero, backoff is base+step*attempt instead of exponential
}

var NonCriticalRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
var CriticalRetry = RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, LinearStep: 500 * time.Millisecond}

// Do runs fn, retrying per the policy. suggestedDelay, when non-zero, is
// honored in place of the computed backoff (rate-limit responses carrying a
// server-suggested delay).
func (p RetryPolicy) Do(ctx context.Context, fn func() (suggestedDelay time.Duration, err error)) error {
	var lastErr error
	delay := p.BaseDelay
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		suggested, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		wait := delay
		if suggested > 0 {
			wait = suggested
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if p.LinearStep > 0 {
			delay += p.LinearStep
		} else {
			delay *= 2
		}
	}
	return lastErr
}
