// Package signal implements the Signal Generator and the Signal Validator:
// turning density lifecycle events into trade candidates, then gating
// those candidates before they reach execution.
package signal

import (
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/book"
	"sentinel/internal/density"
)

type Kind string

const (
	Breakout Kind = "BREAKOUT"
	Bounce   Kind = "BOUNCE"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Signal is a candidate trade produced by the generator.
type Signal struct {
	ID          string
	Symbol      string
	Kind        Kind
	Direction   Direction
	EntryPrice  decimal.Decimal
	StopLoss    decimal.Decimal
	DensityRef  density.Key
	Priority    int
	CreatedAt   time.Time
	Consumed    bool
}

// Age returns how long ago the signal was created.
func (s Signal) Age() time.Duration { return time.Since(s.CreatedAt) }

// MaxAge is the signal's 60s validity window.
const MaxAge = 60 * time.Second

// CoinParameters is the per-symbol threshold set covering both density and
// signal-generation tuning.
type CoinParameters struct {
	Symbol                         string
	AbsoluteDensityThreshold       decimal.Decimal
	RelativeDensityMultiplier      decimal.Decimal
	PercentOfTotalThreshold        decimal.Decimal
	ClusterPriceRangePercent       decimal.Decimal
	BreakoutErosionPercent         decimal.Decimal
	BreakoutMinStopLossPercent     decimal.Decimal
	BounceDensityStablePercent     decimal.Decimal
	BounceErosionExitPercent       decimal.Decimal
	BreakevenProfitPercent         decimal.Decimal
	TouchTolerancePercent          decimal.Decimal
	SLBehindDensityPercent         decimal.Decimal
	QuietActivityThreshold         decimal.Decimal
	Enabled                        bool
}

// BookView is the minimal book read the generator needs, satisfied by
// book.OrderBook directly.
type BookView interface {
	Mid() (decimal.Decimal, bool)
}

// extremumTracker remembers the highest breakout-crossed ask price and
// lowest breakout-crossed bid price per symbol, so "entering new territory"
// can be scored relative to it for priority purposes.
type extremumTracker struct {
	highestBreakoutAsk map[string]decimal.Decimal
	lowestBreakoutBid  map[string]decimal.Decimal
}

func newExtremumTracker() *extremumTracker {
	return &extremumTracker{
		highestBreakoutAsk: make(map[string]decimal.Decimal),
		lowestBreakoutBid:  make(map[string]decimal.Decimal),
	}
}

// Generator evaluates density lifecycle events against the current trend to
// produce Breakout/Bounce candidates.
type Generator struct {
	extremums *extremumTracker
}

// NewGenerator builds a Signal Generator.
func NewGenerator() *Generator {
	return &Generator{extremums: newExtremumTracker()}
}

// Evaluate inspects one density lifecycle event under trendDir and the
// current book, returning a Signal if a Breakout or Bounce condition is met.
func (g *Generator) Evaluate(ev density.Event, trendDir string, ob book.OrderBook, params CoinParameters, quietThreshold decimal.Decimal, activityAtLevel decimal.Decimal) *Signal {
	mid, ok := ob.Mid()
	if !ok {
		return nil
	}
	d := ev.Density

	if sig := g.evaluateBreakout(d, trendDir, mid, params); sig != nil {
		return sig
	}
	return g.evaluateBounce(d, trendDir, mid, params, quietThreshold, activityAtLevel)
}

func (g *Generator) evaluateBreakout(d density.Density, trendDir string, mid decimal.Decimal, params CoinParameters) *Signal {
	erosion := d.ErosionPercent()
	if erosion.LessThan(params.BreakoutErosionPercent) {
		return nil
	}

	var dir Direction
	switch {
	case d.Side == book.Ask && trendDir == "UP":
		if !mid.GreaterThan(d.PriceLevel) {
			return nil
		}
		dir = Long
	case d.Side == book.Bid && trendDir == "DOWN":
		if !mid.LessThan(d.PriceLevel) {
			return nil
		}
		dir = Short
	default:
		return nil
	}

	distance := d.PriceLevel.Mul(params.BreakoutMinStopLossPercent).Div(decimal.NewFromInt(100))
	stop := d.PriceLevel.Add(distance)
	if dir == Long {
		stop = d.PriceLevel.Sub(distance)
	}

	priority := 5
	if g.enteringNewTerritory(d, dir) {
		priority = 10
	}

	return &Signal{
		Symbol:     d.Symbol,
		Kind:       Breakout,
		Direction:  dir,
		EntryPrice: mid,
		StopLoss:   stop,
		DensityRef: density.Key{Symbol: d.Symbol, Side: d.Side, Price: d.PriceLevel.String()},
		Priority:   priority,
		CreatedAt:  time.Now(),
	}
}

func (g *Generator) enteringNewTerritory(d density.Density, dir Direction) bool {
	if dir == Long {
		prev, ok := g.extremums.highestBreakoutAsk[d.Symbol]
		isNew := !ok || d.PriceLevel.GreaterThan(prev)
		if isNew {
			g.extremums.highestBreakoutAsk[d.Symbol] = d.PriceLevel
		}
		return isNew
	}
	prev, ok := g.extremums.lowestBreakoutBid[d.Symbol]
	isNew := !ok || d.PriceLevel.LessThan(prev)
	if isNew {
		g.extremums.lowestBreakoutBid[d.Symbol] = d.PriceLevel
	}
	return isNew
}

func (g *Generator) evaluateBounce(d density.Density, trendDir string, mid decimal.Decimal, params CoinParameters, quietThreshold, activityAtLevel decimal.Decimal) *Signal {
	var dir Direction
	switch {
	case d.Side == book.Bid && trendDir == "UP":
		dir = Long
	case d.Side == book.Ask && trendDir == "DOWN":
		dir = Short
	default:
		return nil
	}

	touchPct := d.PriceLevel.Sub(mid).Abs().Div(d.PriceLevel).Mul(decimal.NewFromInt(100))
	if touchPct.GreaterThan(params.TouchTolerancePercent) {
		return nil
	}
	if d.ErosionPercent().GreaterThanOrEqual(params.BounceDensityStablePercent) {
		return nil
	}
	if activityAtLevel.GreaterThan(quietThreshold) {
		return nil
	}

	distance := d.PriceLevel.Mul(params.SLBehindDensityPercent).Div(decimal.NewFromInt(100))
	stop := d.PriceLevel.Sub(distance)
	if dir == Short {
		stop = d.PriceLevel.Add(distance)
	}

	return &Signal{
		Symbol:     d.Symbol,
		Kind:       Bounce,
		Direction:  dir,
		EntryPrice: mid,
		StopLoss:   stop,
		DensityRef: density.Key{Symbol: d.Symbol, Side: d.Side, Price: d.PriceLevel.String()},
		Priority:   3,
		CreatedAt:  time.Now(),
	}
}
