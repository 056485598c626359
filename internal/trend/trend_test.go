package trend

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/book"
	"sentinel/internal/exchangeio"
	"sentinel/internal/telemetry"
)

type fakeStatsClient struct {
	exchangeio.Client
	stats exchangeio.TickerStats
	err   error
}

func (f *fakeStatsClient) TickerStats(ctx context.Context, symbol string) (exchangeio.TickerStats, error) {
	return f.stats, f.err
}

func params() Params {
	return Params{ChangeThresholdPercent: decimal.RequireFromString("2"), ImbalanceRatio: decimal.RequireFromString("1.5")}
}

func TestTrendReturnsNeutralWithoutCachedStats(t *testing.T) {
	feed := book.NewFeed(&fakeStatsClient{}, telemetry.New(), 50, nil, nil)
	c := NewClassifier(&fakeStatsClient{}, feed, telemetry.New(), time.Minute)
	result := c.Trend("BTCUSDT", params())
	assert.Equal(t, Neutral, result.Direction)
}

func TestEnsureFetchedPopulatesCacheOnce(t *testing.T) {
	client := &fakeStatsClient{stats: exchangeio.TickerStats{Symbol: "BTCUSDT", PriceChangePct24h: decimal.RequireFromString("5")}}
	feed := book.NewFeed(client, telemetry.New(), 50, nil, nil)
	c := NewClassifier(client, feed, telemetry.New(), time.Minute)

	c.EnsureFetched(context.Background(), "BTCUSDT")
	c.mu.RLock()
	_, ok := c.cache["BTCUSDT"]
	c.mu.RUnlock()
	require.True(t, ok)

	client.stats.PriceChangePct24h = decimal.RequireFromString("99")
	c.EnsureFetched(context.Background(), "BTCUSDT") // already cached, no refetch
	c.mu.RLock()
	cached := c.cache["BTCUSDT"]
	c.mu.RUnlock()
	assert.True(t, cached.stats.PriceChangePct24h.Equal(decimal.RequireFromString("5")))
}
