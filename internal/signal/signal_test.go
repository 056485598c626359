package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/book"
	"sentinel/internal/density"
)

func d(n string) decimal.Decimal { return decimal.RequireFromString(n) }

func upParams() CoinParameters {
	return CoinParameters{
		BreakoutErosionPercent:      d("30"),
		BreakoutMinStopLossPercent: d("0.1"),
		BounceDensityStablePercent: d("10"),
		TouchTolerancePercent:      d("0.2"),
		SLBehindDensityPercent:     d("0.15"),
	}
}

func askAt(price string) book.OrderBook {
	return book.OrderBook{
		Bids: []book.PriceLevel{{Price: d("99"), Volume: d("1")}},
		Asks: []book.PriceLevel{{Price: d(price), Volume: d("1")}},
	}
}

func TestEvaluateBreakoutLongOnErodedAskBelowMid(t *testing.T) {
	g := NewGenerator()
	dens := density.Density{
		Symbol: "BTCUSDT", Side: book.Ask, PriceLevel: d("100"),
		InitialVolume: d("1000"), CurrentVolume: d("600"), // 40% erosion >= 30%
	}
	ev := density.Event{Kind: density.Updated, Density: dens}
	ob := book.OrderBook{
		Bids: []book.PriceLevel{{Price: d("100.5"), Volume: d("1")}},
		Asks: []book.PriceLevel{{Price: d("101.5"), Volume: d("1")}},
	}
	sig := g.Evaluate(ev, "UP", ob, upParams(), d("1"), decimal.Zero)
	require.NotNil(t, sig)
	assert.Equal(t, Breakout, sig.Kind)
	assert.Equal(t, Long, sig.Direction)
}

func TestEvaluateBreakoutRejectsBelowErosionThreshold(t *testing.T) {
	g := NewGenerator()
	dens := density.Density{
		Symbol: "BTCUSDT", Side: book.Ask, PriceLevel: d("100"),
		InitialVolume: d("1000"), CurrentVolume: d("900"), // only 10% erosion
	}
	ev := density.Event{Kind: density.Updated, Density: dens}
	ob := askAt("101")
	sig := g.Evaluate(ev, "UP", ob, upParams(), d("1"), decimal.Zero)
	assert.Nil(t, sig)
}

func TestEvaluateBounceLongOnBidTouchWithinTolerance(t *testing.T) {
	g := NewGenerator()
	dens := density.Density{
		Symbol: "BTCUSDT", Side: book.Bid, PriceLevel: d("100"),
		InitialVolume: d("1000"), CurrentVolume: d("950"), // 5% erosion, stable
	}
	ev := density.Event{Kind: density.Updated, Density: dens}
	ob := book.OrderBook{
		Bids: []book.PriceLevel{{Price: d("100.1"), Volume: d("1")}},
		Asks: []book.PriceLevel{{Price: d("100.15"), Volume: d("1")}},
	}
	// mid = 100.125, touch pct = |100-100.125|/100*100 = 0.125% <= 0.2% tolerance
	sig := g.Evaluate(ev, "UP", ob, upParams(), d("1"), decimal.Zero)
	require.NotNil(t, sig)
	assert.Equal(t, Bounce, sig.Kind)
	assert.Equal(t, Long, sig.Direction)
}

func TestEvaluateBounceRejectsOutsideTouchTolerance(t *testing.T) {
	g := NewGenerator()
	dens := density.Density{
		Symbol: "BTCUSDT", Side: book.Bid, PriceLevel: d("100"),
		InitialVolume: d("1000"), CurrentVolume: d("950"),
	}
	ev := density.Event{Kind: density.Updated, Density: dens}
	ob := book.OrderBook{
		Bids: []book.PriceLevel{{Price: d("102"), Volume: d("1")}},
		Asks: []book.PriceLevel{{Price: d("102.1"), Volume: d("1")}},
	}
	sig := g.Evaluate(ev, "UP", ob, upParams(), d("1"), decimal.Zero)
	assert.Nil(t, sig)
}

func TestSignalAgeBoundary(t *testing.T) {
	fresh := Signal{CreatedAt: time.Now().Add(-59 * time.Second)}
	stale := Signal{CreatedAt: time.Now().Add(-61 * time.Second)}
	assert.True(t, fresh.Age() <= MaxAge)
	assert.True(t, stale.Age() > MaxAge)
}
