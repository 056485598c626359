package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one (time, mid) observation.
type PriceSample struct {
	At  time.Time
	Mid decimal.Decimal
}

// VolumeSample is one (time, total-bid-volume, total-ask-volume) observation.
type VolumeSample struct {
	At       time.Time
	BidVol   decimal.Decimal
	AskVol   decimal.Decimal
}

// SymbolHistory is a pair of bounded ring buffers, capacity ~60 samples
// each. A fixed-size slice with a write cursor is simpler and faster than
// pulling in a ring-buffer dependency for this shape.
type SymbolHistory struct {
	mu sync.RWMutex

	prices  []PriceSample
	priceAt int

	volumes  []VolumeSample
	volumeAt int

	capacity int
	priceN   int
	volumeN  int
}

// NewSymbolHistory builds ring buffers of the given capacity.
func NewSymbolHistory(capacity int) *SymbolHistory {
	return &SymbolHistory{
		prices:   make([]PriceSample, capacity),
		volumes:  make([]VolumeSample, capacity),
		capacity: capacity,
	}
}

func (h *SymbolHistory) AppendPrice(at time.Time, mid decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices[h.priceAt] = PriceSample{At: at, Mid: mid}
	h.priceAt = (h.priceAt + 1) % h.capacity
	if h.priceN < h.capacity {
		h.priceN++
	}
}

func (h *SymbolHistory) AppendVolume(at time.Time, bidVol, askVol decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volumes[h.volumeAt] = VolumeSample{At: at, BidVol: bidVol, AskVol: askVol}
	h.volumeAt = (h.volumeAt + 1) % h.capacity
	if h.volumeN < h.capacity {
		h.volumeN++
	}
}

// PricesSince returns price samples with At >= since, oldest first.
func (h *SymbolHistory) PricesSince(since time.Time) []PriceSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PriceSample, 0, h.priceN)
	for i := 0; i < h.priceN; i++ {
		idx := (h.priceAt - h.priceN + i + h.capacity) % h.capacity
		s := h.prices[idx]
		if !s.At.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

// VolumesSince returns volume samples with At >= since, oldest first.
func (h *SymbolHistory) VolumesSince(since time.Time) []VolumeSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]VolumeSample, 0, h.volumeN)
	for i := 0; i < h.volumeN; i++ {
		idx := (h.volumeAt - h.volumeN + i + h.capacity) % h.capacity
		s := h.volumes[idx]
		if !s.At.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

// SampleCount reports how many price samples currently exist, used by the
// velocity check's "at least 10 samples present" boundary.
func (h *SymbolHistory) SampleCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.priceN
}

// ActivitySince sums the absolute change in side's total volume between
// consecutive samples at or after since, a proxy for how much the book
// moved on that side recently. There is no per-price-level trade feed to
// measure activity exactly at a density's price, so the side's aggregate
// churn stands in for it.
func (h *SymbolHistory) ActivitySince(since time.Time, side Side) decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := decimal.Zero
	var prev decimal.Decimal
	have := false
	for i := 0; i < h.volumeN; i++ {
		idx := (h.volumeAt - h.volumeN + i + h.capacity) % h.capacity
		s := h.volumes[idx]
		if s.At.Before(since) {
			continue
		}
		cur := s.BidVol
		if side == Ask {
			cur = s.AskVol
		}
		if have {
			total = total.Add(cur.Sub(prev).Abs())
		}
		prev = cur
		have = true
	}
	return total
}
