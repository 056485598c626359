package book

import (
	"context"
	"sync"
	"time"

	"sentinel/internal/exchangeio"
	"sentinel/internal/telemetry"
)

// EmergencyRaiser lets the feed assert the EMERGENCY condition to the
// Safety Supervisor without importing it (avoids an import cycle).
type EmergencyRaiser interface {
	RaiseEmergency(reason string)
}

// HasOpenPosition reports whether symbol currently has a live position, so
// the feed knows whether a prolonged outage is an EMERGENCY.
type HasOpenPosition interface {
	HasOpenPosition(symbol string) bool
}

// Feed is the Market Feed: one goroutine per active symbol, each owning a
// mutableBook behind a mutex, reconciling snapshot and delta updates.
type Feed struct {
	client exchangeio.Client
	log    *telemetry.Logger
	depth  int

	mu      sync.RWMutex
	workers map[string]*bookWorker

	emergency EmergencyRaiser
	positions HasOpenPosition
}

// NewFeed builds a Market Feed bound to client.
func NewFeed(client exchangeio.Client, log *telemetry.Logger, depth int, emergency EmergencyRaiser, positions HasOpenPosition) *Feed {
	return &Feed{
		client:    client,
		log:       log,
		depth:     depth,
		workers:   make(map[string]*bookWorker),
		emergency: emergency,
		positions: positions,
	}
}

// Subscribe starts a worker for symbol if not already running.
func (f *Feed) Subscribe(ctx context.Context, symbol string) {
	f.mu.Lock()
	if _, ok := f.workers[symbol]; ok {
		f.mu.Unlock()
		return
	}
	w := newBookWorker(symbol, f.client, f.log, f.depth, f.emergency, f.positions)
	f.workers[symbol] = w
	f.mu.Unlock()

	go w.run(ctx)
}

// Unsubscribe stops the worker for symbol. Callers must never invoke this
// while the symbol has an open position.
func (f *Feed) Unsubscribe(symbol string) {
	f.mu.Lock()
	w, ok := f.workers[symbol]
	if ok {
		delete(f.workers, symbol)
	}
	f.mu.Unlock()
	if ok {
		w.stop()
	}
}

// CurrentBook returns a consistent copy of symbol's book, or false if no
// worker exists or it hasn't produced a book yet.
func (f *Feed) CurrentBook(symbol string) (OrderBook, bool) {
	f.mu.RLock()
	w, ok := f.workers[symbol]
	f.mu.RUnlock()
	if !ok {
		return OrderBook{}, false
	}
	return w.current()
}

// History returns the ring buffers attached to symbol's worker, or nil if
// symbol has no worker (it was never subscribed, or was unsubscribed).
func (f *Feed) History(symbol string) *SymbolHistory {
	f.mu.RLock()
	w, ok := f.workers[symbol]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	return w.history
}

// ActiveSymbols returns the symbols currently subscribed.
func (f *Feed) ActiveSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.workers))
	for s := range f.workers {
		out = append(out, s)
	}
	return out
}

type bookWorker struct {
	symbol    string
	client    exchangeio.Client
	log       *telemetry.Logger
	depth     int
	emergency EmergencyRaiser
	positions HasOpenPosition

	mu   sync.RWMutex
	book *mutableBook

	history *SymbolHistory

	cancel context.CancelFunc
}

func newBookWorker(symbol string, client exchangeio.Client, log *telemetry.Logger, depth int, emergency EmergencyRaiser, positions HasOpenPosition) *bookWorker {
	return &bookWorker{
		symbol:    symbol,
		client:    client,
		log:       log,
		depth:     depth,
		emergency: emergency,
		positions: positions,
		book:      newMutableBook(symbol, depth),
		history:   NewSymbolHistory(60),
	}
}

func (w *bookWorker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *bookWorker) current() (OrderBook, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.book.lastSeq == 0 {
		return OrderBook{}, false
	}
	return w.book.snapshot(), true
}

// run owns the reconnect loop: exponential backoff 1s->30s, reseed with a
// fresh snapshot on every (re)connect and on any sequence gap.
func (w *bookWorker) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	defer cancel()

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	var disconnectedSince time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.resync(ctx); err != nil {
			w.log.Warn("feed.resync_failed", w.symbol, err.Error())
			if disconnectedSince.IsZero() {
				disconnectedSince = time.Now()
			}
			w.checkOutage(disconnectedSince)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}

		events, errc := w.client.StreamDepth(ctx, w.symbol)
		backoff = time.Second
		disconnectedSince = time.Time{}

		streamErr := w.consume(ctx, events, errc)
		if streamErr == nil {
			return // ctx cancelled
		}
		w.log.Warn("feed.stream_dropped", w.symbol, streamErr.Error())
		if disconnectedSince.IsZero() {
			disconnectedSince = time.Now()
		}
	}
}

func (w *bookWorker) resync(ctx context.Context) error {
	snap, err := w.client.DepthSnapshot(ctx, w.symbol, w.depth)
	if err != nil {
		return err
	}
	w.mu.Lock()
	bids := toLevels(snap.Bids)
	asks := toLevels(snap.Asks)
	w.book.applySnapshot(bids, asks, snap.LastSeq)
	w.mu.Unlock()
	w.recordSample()
	return nil
}

func (w *bookWorker) consume(ctx context.Context, events <-chan exchangeio.DepthEvent, errc <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errc:
			if ok && err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return errStreamClosed
			}
			w.mu.Lock()
			gapFree := w.book.applyEvent(toLevels(ev.Bids), toLevels(ev.Asks), ev.FirstSeq, ev.FinalSeq)
			w.mu.Unlock()
			if !gapFree {
				return errSequenceGap
			}
			w.recordSample()
		}
	}
}

func (w *bookWorker) recordSample() {
	snap, ok := w.current()
	if !ok {
		return
	}
	mid, hasMid := snap.Mid()
	if hasMid {
		w.history.AppendPrice(time.Now(), mid)
	}
	w.history.AppendVolume(time.Now(), snap.TotalBidVolume(), snap.TotalAskVolume())
}

func (w *bookWorker) checkOutage(since time.Time) {
	if since.IsZero() || w.emergency == nil || w.positions == nil {
		return
	}
	if time.Since(since) >= 30*time.Second && w.positions.HasOpenPosition(w.symbol) {
		w.emergency.RaiseEmergency("market feed outage >= 30s with open position on " + w.symbol)
	}
}

func toLevels(lu []exchangeio.LevelUpdate) []PriceLevel {
	out := make([]PriceLevel, 0, len(lu))
	for _, l := range lu {
		out = append(out, PriceLevel{Price: l.Price, Volume: l.Volume})
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

type feedError string

func (e feedError) Error() string { return string(e) }

const (
	errSequenceGap  feedError = "sequence gap detected"
	errStreamClosed feedError = "depth stream closed"
)
