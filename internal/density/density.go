// Package density implements the Density Tracker: scans each book update for
// price levels and clusters that simultaneously satisfy an absolute, a
// relative, and a percent-of-total volume criterion, and maintains the
// keyed lifecycle record for each one.
package density

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/book"
	"sentinel/internal/money"
)

// Params are the per-symbol thresholds a density test runs against, the
// density-relevant subset of CoinParameters.
type Params struct {
	ThresholdAbs       decimal.Decimal // quote units
	RelativeMultiplier decimal.Decimal
	ThresholdPercent   decimal.Decimal
	ClusterRangePct    decimal.Decimal
	Tick               decimal.Decimal
}

// Key is the identity of a density: (symbol, side, tick-rounded price).
type Key struct {
	Symbol string
	Side   book.Side
	Price  string // decimal.Decimal.String() of the tick-rounded representative price
}

// Density is the lifecycle record for one qualifying order book level.
type Density struct {
	Symbol         string
	Side           book.Side
	PriceLevel     decimal.Decimal
	InitialVolume  decimal.Decimal
	CurrentVolume  decimal.Decimal
	AppearedAt     time.Time
	LastSeenAt     time.Time
	DisappearedAt  time.Time // zero value means still alive
	IsCluster      bool
	missedScans    int
}

// ErosionPercent is max(0, (initial-current)/initial * 100).
func (d Density) ErosionPercent() decimal.Decimal {
	if d.InitialVolume.IsZero() {
		return decimal.Zero
	}
	erosion := d.InitialVolume.Sub(d.CurrentVolume).Div(d.InitialVolume).Mul(decimal.NewFromInt(100))
	if erosion.IsNegative() {
		return decimal.Zero
	}
	return erosion
}

// Alive reports whether the density has not disappeared.
func (d Density) Alive() bool {
	return d.DisappearedAt.IsZero()
}

// EventKind tags a lifecycle transition emitted by a scan.
type EventKind string

const (
	Appeared    EventKind = "appeared"
	Updated     EventKind = "updated"
	Disappeared EventKind = "disappeared"
)

// Event is one lifecycle transition, consumed by the Signal Generator.
type Event struct {
	Kind    EventKind
	Density Density
}

// Tracker owns the density map for every symbol (each Key carries its
// symbol); readers call the pure query methods below.
type Tracker struct {
	mu    sync.RWMutex
	index map[Key]*Density
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{index: make(map[Key]*Density)}
}

// Scan runs one update cycle against ob using params, returning lifecycle
// events in no particular cross-symbol order (per-symbol order is the
// caller's responsibility; the orchestrator's signal loop never scans the
// same symbol twice concurrently).
func (t *Tracker) Scan(ob book.OrderBook, params Params) []Event {
	var events []Event
	events = append(events, t.scanSide(ob.Symbol, book.Bid, ob.Bids, params)...)
	events = append(events, t.scanSide(ob.Symbol, book.Ask, ob.Asks, params)...)
	return events
}

func (t *Tracker) scanSide(symbol string, side book.Side, levels []book.PriceLevel, params Params) []Event {
	candidates := qualifyingLevels(levels, params)
	clusters := buildClusters(candidates, params)

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	seenKeys := make(map[Key]bool)
	var events []Event

	// clusters supersede single levels at the same tick.
	clusterTicks := make(map[string]bool)
	for _, c := range clusters {
		clusterTicks[KeyFor(symbol, side, c.representative, params.Tick).Price] = true
	}

	for _, c := range clusters {
		key := KeyFor(symbol, side, c.representative, params.Tick)
		seenKeys[key] = true
		events = append(events, t.upsert(key, symbol, side, c.representative, c.totalVolume, true, now)...)
	}
	for _, lvl := range candidates {
		key := KeyFor(symbol, side, lvl.Price, params.Tick)
		if clusterTicks[key.Price] {
			continue
		}
		seenKeys[key] = true
		events = append(events, t.upsert(key, symbol, side, lvl.Price, lvl.Volume, false, now)...)
	}

	// any existing density on this (symbol, side) not refreshed this scan
	// is a miss toward the two-consecutive-scan disappearance rule.
	for key, d := range t.index {
		if key.Symbol != symbol || key.Side != side || seenKeys[key] {
			continue
		}
		if !d.Alive() {
			continue
		}
		d.missedScans++
		if d.missedScans >= 2 {
			d.DisappearedAt = now
			events = append(events, Event{Kind: Disappeared, Density: *d})
		}
	}

	return events
}

func (t *Tracker) upsert(key Key, symbol string, side book.Side, price, volume decimal.Decimal, isCluster bool, now time.Time) []Event {
	d, exists := t.index[key]
	if !exists {
		d = &Density{
			Symbol:        symbol,
			Side:          side,
			PriceLevel:    price,
			InitialVolume: volume,
			CurrentVolume: volume,
			AppearedAt:    now,
			LastSeenAt:    now,
			IsCluster:     isCluster,
		}
		t.index[key] = d
		return []Event{{Kind: Appeared, Density: *d}}
	}

	revived := !d.Alive()
	d.CurrentVolume = volume
	d.LastSeenAt = now
	d.missedScans = 0
	if revived {
		d.DisappearedAt = time.Time{}
		d.InitialVolume = volume
		d.AppearedAt = now
		return []Event{{Kind: Appeared, Density: *d}}
	}
	return []Event{{Kind: Updated, Density: *d}}
}

// Get returns the current density at key, if alive or recently disappeared.
func (t *Tracker) Get(key Key) (Density, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.index[key]
	if !ok {
		return Density{}, false
	}
	return *d, true
}

// AliveOn returns every currently-alive density on (symbol, side), used by
// the Position Monitor's COUNTER_DENSITY check.
func (t *Tracker) AliveOn(symbol string, side book.Side) []Density {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Density
	for k, d := range t.index {
		if k.Symbol == symbol && k.Side == side && d.Alive() {
			out = append(out, *d)
		}
	}
	return out
}

// KeyFor builds the identity key for a raw price, tick-rounding it first so
// identity is stable against centroid drift within a tick.
func KeyFor(symbol string, side book.Side, price, tick decimal.Decimal) Key {
	p := Precision{Tick: tick}.round(price)
	return Key{Symbol: symbol, Side: side, Price: p.String()}
}

// Precision is the minimal tick-rounding helper density needs locally;
// internal/money.Precision is the fuller version used at order-submission
// time.
type Precision struct {
	Tick decimal.Decimal
}

func (p Precision) round(price decimal.Decimal) decimal.Decimal {
	if p.Tick.IsZero() {
		return price
	}
	return money.Precision{TickSize: p.Tick, PricePlaces: 8}.RoundToTick(price)
}

func qualifyingLevels(levels []book.PriceLevel, params Params) []book.PriceLevel {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Volume)
	}

	var out []book.PriceLevel
	for i, l := range levels {
		quoteVolume := l.Volume.Mul(l.Price)
		absOK := quoteVolume.GreaterThanOrEqual(params.ThresholdAbs)

		relOK := false
		if mean, ok := meanOfNearestNeighbors(levels, i, 5); ok {
			relOK = l.Volume.GreaterThanOrEqual(mean.Mul(params.RelativeMultiplier))
		}

		pctOK := false
		if !total.IsZero() {
			pct := l.Volume.Div(total).Mul(decimal.NewFromInt(100))
			pctOK = pct.GreaterThanOrEqual(params.ThresholdPercent)
		}

		if absOK && relOK && pctOK {
			out = append(out, l)
		}
	}
	return out
}

func meanOfNearestNeighbors(levels []book.PriceLevel, center int, n int) (decimal.Decimal, bool) {
	var sum decimal.Decimal
	count := 0
	for offset := 1; offset <= n && count < n; offset++ {
		if center-offset >= 0 {
			sum = sum.Add(levels[center-offset].Volume)
			count++
		}
		if count >= n {
			break
		}
		if center+offset < len(levels) {
			sum = sum.Add(levels[center+offset].Volume)
			count++
		}
	}
	if count == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(int64(count))), true
}

type cluster struct {
	representative decimal.Decimal
	totalVolume    decimal.Decimal
}

// buildClusters groups contiguous qualifying levels within ClusterRangePct
// of a representative price into a single cluster, identified by its
// volume-weighted centroid.
func buildClusters(levels []book.PriceLevel, params Params) []cluster {
	if len(levels) < 2 || params.ClusterRangePct.IsZero() {
		return nil
	}
	var clusters []cluster
	i := 0
	for i < len(levels) {
		j := i
		groupVolume := levels[i].Volume
		groupWeighted := levels[i].Price.Mul(levels[i].Volume)
		for j+1 < len(levels) {
			rangePct := money.AbsPercentDiff(levels[j+1].Price, levels[i].Price)
			if rangePct.GreaterThan(params.ClusterRangePct) {
				break
			}
			j++
			groupVolume = groupVolume.Add(levels[j].Volume)
			groupWeighted = groupWeighted.Add(levels[j].Price.Mul(levels[j].Volume))
		}
		if j > i {
			centroid := groupWeighted.Div(groupVolume)
			clusters = append(clusters, cluster{representative: centroid, totalVolume: groupVolume})
		}
		i = j + 1
	}
	return clusters
}
