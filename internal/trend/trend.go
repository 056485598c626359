// Package trend implements the Trend Classifier: per-symbol UP/DOWN/NEUTRAL
// from 24h change plus live book imbalance, deliberately simpler than a
// richer EMA/RSI/multi-timeframe classifier.
package trend

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/book"
	"sentinel/internal/exchangeio"
	"sentinel/internal/telemetry"
)

type Direction string

const (
	Up      Direction = "UP"
	Down    Direction = "DOWN"
	Neutral Direction = "NEUTRAL"
)

// Trend is the per-symbol classification result.
type Trend struct {
	Symbol      string
	Direction   Direction
	ComputedAt  time.Time
}

// Params are the θ (change threshold) and r (imbalance ratio) config values.
type Params struct {
	ChangeThresholdPercent decimal.Decimal
	ImbalanceRatio         decimal.Decimal
}

type cachedStats struct {
	stats     exchangeio.TickerStats
	fetchedAt time.Time
}

// Classifier caches 24h stats per symbol at a configured cadence (>=5min)
// and combines them with a live book read at query time.
type Classifier struct {
	client exchangeio.Client
	feed   *book.Feed
	log    *telemetry.Logger
	cadence time.Duration

	mu    sync.RWMutex
	cache map[string]cachedStats
}

// NewClassifier builds a Trend Classifier bound to client and feed.
func NewClassifier(client exchangeio.Client, feed *book.Feed, log *telemetry.Logger, cadence time.Duration) *Classifier {
	return &Classifier{
		client:  client,
		feed:    feed,
		log:     log,
		cadence: cadence,
		cache:   make(map[string]cachedStats),
	}
}

// RefreshLoop periodically refreshes the 24h-stats cache for every symbol
// the feed currently tracks, at Classifier's configured cadence.
func (c *Classifier) RefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range c.feed.ActiveSymbols() {
				c.refresh(ctx, symbol)
			}
		}
	}
}

func (c *Classifier) refresh(ctx context.Context, symbol string) {
	stats, err := c.client.TickerStats(ctx, symbol)
	if err != nil {
		c.log.Warn("trend.ticker_stats_failed", symbol, err.Error())
		return
	}
	c.mu.Lock()
	c.cache[symbol] = cachedStats{stats: stats, fetchedAt: time.Now()}
	c.mu.Unlock()
}

// Trend returns symbol's current classification. Returns NEUTRAL if 24h
// stats haven't been fetched yet or the feed has no book for symbol.
func (c *Classifier) Trend(symbol string, params Params) Trend {
	result := Trend{Symbol: symbol, Direction: Neutral, ComputedAt: time.Now()}

	c.mu.RLock()
	cached, ok := c.cache[symbol]
	c.mu.RUnlock()
	if !ok {
		return result
	}

	ob, ok := c.feed.CurrentBook(symbol)
	if !ok {
		return result
	}
	imbalance := ob.ImbalanceRatio()

	change := cached.stats.PriceChangePct24h
	switch {
	case change.GreaterThanOrEqual(params.ChangeThresholdPercent) && imbalance.GreaterThanOrEqual(params.ImbalanceRatio):
		result.Direction = Up
	case change.LessThanOrEqual(params.ChangeThresholdPercent.Neg()) && decimal.NewFromInt(1).Div(imbalance).GreaterThanOrEqual(params.ImbalanceRatio):
		result.Direction = Down
	}
	return result
}

// EnsureFetched triggers an immediate fetch for symbol if it isn't cached
// yet, used when a symbol is newly activated and can't wait for the next
// cadence tick.
func (c *Classifier) EnsureFetched(ctx context.Context, symbol string) {
	c.mu.RLock()
	_, ok := c.cache[symbol]
	c.mu.RUnlock()
	if !ok {
		c.refresh(ctx, symbol)
	}
}
