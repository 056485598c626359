// Package book implements the Market Feed: one live orderbook per active
// symbol, merged from exchange snapshot + delta updates, plus the bounded
// history buffers consumed by trend and take-profit logic.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies a book side.
type Side string

const (
	Bid Side = "BID"
	Ask Side = "ASK"
)

// PriceLevel is one (price, volume) row of a book side.
type PriceLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// OrderBook is an immutable snapshot of one symbol's top-N levels on each
// side, descending by price on Bids and ascending on Asks.
type OrderBook struct {
	Symbol    string
	Timestamp time.Time
	Bids      []PriceLevel
	Asks      []PriceLevel
}

// BestBid returns the highest bid price level, or zero value and false if
// the book has no bids.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask price level, or zero value and false if
// the book has no asks.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns (best_bid+best_ask)/2, or false if either side is empty.
func (b OrderBook) Mid() (decimal.Decimal, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// TotalBidVolume sums volume over all tracked bid levels (top N).
func (b OrderBook) TotalBidVolume() decimal.Decimal {
	return sumVolume(b.Bids)
}

// TotalAskVolume sums volume over all tracked ask levels (top N).
func (b OrderBook) TotalAskVolume() decimal.Decimal {
	return sumVolume(b.Asks)
}

// ImbalanceRatio returns bid/ask total-volume ratio, or 1 (neutral) if ask
// volume is zero.
func (b OrderBook) ImbalanceRatio() decimal.Decimal {
	ask := b.TotalAskVolume()
	if ask.IsZero() {
		return decimal.NewFromInt(1)
	}
	return b.TotalBidVolume().Div(ask)
}

// Valid checks the book invariants from the data model: best_bid < best_ask,
// no duplicate prices on a side, length within the configured depth.
func (b OrderBook) Valid(maxDepth int) bool {
	if len(b.Bids) > maxDepth || len(b.Asks) > maxDepth {
		return false
	}
	if bid, ok1 := b.BestBid(); ok1 {
		if ask, ok2 := b.BestAsk(); ok2 {
			if !bid.Price.LessThan(ask.Price) {
				return false
			}
		}
	}
	return !hasDuplicatePrices(b.Bids) && !hasDuplicatePrices(b.Asks)
}

func sumVolume(levels []PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Volume)
	}
	return total
}

func hasDuplicatePrices(levels []PriceLevel) bool {
	seen := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		key := l.Price.String()
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
	}
	return false
}

// mutableBook is the live, mutable representation a worker applies deltas
// to. Converted to an immutable OrderBook snapshot for every reader.
type mutableBook struct {
	symbol    string
	depth     int
	lastSeq   int64
	bids      map[string]PriceLevel // keyed by price string for O(1) delta application
	asks      map[string]PriceLevel
	updatedAt time.Time
}

func newMutableBook(symbol string, depth int) *mutableBook {
	return &mutableBook{
		symbol: symbol,
		depth:  depth,
		bids:   make(map[string]PriceLevel),
		asks:   make(map[string]PriceLevel),
	}
}

func (m *mutableBook) applySnapshot(bids, asks []PriceLevel, seq int64) {
	m.bids = make(map[string]PriceLevel, len(bids))
	m.asks = make(map[string]PriceLevel, len(asks))
	for _, l := range bids {
		m.bids[l.Price.String()] = l
	}
	for _, l := range asks {
		m.asks[l.Price.String()] = l
	}
	m.lastSeq = seq
	m.updatedAt = time.Now()
}

// applyEvent validates one diff-depth event's [firstSeq, finalSeq] range
// against lastSeq and, if it bridges lastSeq+1, applies every bid/ask
// level the event carries. Returns false if the event is ahead of
// lastSeq+1 (a gap requiring resync); a wholly stale/duplicate event is
// dropped without invalidating the book.
func (m *mutableBook) applyEvent(bids, asks []PriceLevel, firstSeq, finalSeq int64) bool {
	if finalSeq <= m.lastSeq {
		return true
	}
	if m.lastSeq != 0 && firstSeq > m.lastSeq+1 {
		return false
	}
	for _, l := range bids {
		applyLevel(m.bids, l)
	}
	for _, l := range asks {
		applyLevel(m.asks, l)
	}
	m.lastSeq = finalSeq
	m.updatedAt = time.Now()
	return true
}

func applyLevel(target map[string]PriceLevel, level PriceLevel) {
	key := level.Price.String()
	if level.Volume.IsZero() {
		delete(target, key)
	} else {
		target[key] = level
	}
}

func (m *mutableBook) snapshot() OrderBook {
	bids := sortedLevels(m.bids, true)
	asks := sortedLevels(m.asks, false)
	if len(bids) > m.depth {
		bids = bids[:m.depth]
	}
	if len(asks) > m.depth {
		asks = asks[:m.depth]
	}
	return OrderBook{
		Symbol:    m.symbol,
		Timestamp: m.updatedAt,
		Bids:      append([]PriceLevel(nil), bids...),
		Asks:      append([]PriceLevel(nil), asks...),
	}
}

func sortedLevels(m map[string]PriceLevel, descending bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
