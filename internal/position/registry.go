package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/exchangeio"
	"sentinel/internal/execution"
	"sentinel/internal/signal"
	"sentinel/internal/telemetry"
)

// TradeStore is the durable side of a Position: created at OPEN, updated on
// stop-change (including breakeven) and on close. Implemented by
// internal/store against the trades table.
type TradeStore interface {
	CreateOpenTrade(ctx context.Context, p Position) (string, error)
	UpdateStop(ctx context.Context, id string, stopLoss decimal.Decimal, breakevenMoved bool) error
	CloseTrade(ctx context.Context, id string, exitPrice, pnl decimal.Decimal, reason ExitReason) error
	OpenTrades(ctx context.Context) ([]Position, error)
}

// Registry owns the open-position set exclusively; every read and mutation
// of open positions goes through it.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]*Position // keyed by symbol

	store TradeStore
	log   *telemetry.Logger
}

// NewRegistry builds an empty Registry.
func NewRegistry(store TradeStore, log *telemetry.Logger) *Registry {
	return &Registry{positions: make(map[string]*Position), store: store, log: log}
}

// Register creates the trade record and tracks a freshly CONFIRMED position.
func (r *Registry) Register(ctx context.Context, o execution.Outcome) (Position, error) {
	p := Position{
		ID:           fmt.Sprintf("%s-%d", o.Symbol, time.Now().UnixNano()),
		Symbol:       o.Symbol,
		Direction:    o.Direction,
		EntryPrice:   o.EntryPrice,
		Size:         o.Size,
		Leverage:     o.Leverage,
		SignalKind:   o.SignalKind,
		DensityPrice: o.DensityPrice,
		StopLoss:     o.StopLoss,
		Status:       Open,
		OpenedAt:     time.Now(),
	}
	id, err := r.store.CreateOpenTrade(ctx, p)
	if err != nil {
		return Position{}, fmt.Errorf("register position: %w", err)
	}
	p.ID = id

	r.mu.Lock()
	r.positions[p.Symbol] = &p
	r.mu.Unlock()
	r.log.Info("position.opened", p.Symbol, fmt.Sprintf("dir=%s entry=%s size=%s stop=%s", p.Direction, p.EntryPrice, p.Size, p.StopLoss))
	return p, nil
}

// PromoteBreakeven moves stop_loss to entry_price, sticky: never unset once
// true and never regressed in the adverse direction once set.
func (r *Registry) PromoteBreakeven(ctx context.Context, symbol string) error {
	r.mu.Lock()
	p, ok := r.positions[symbol]
	if !ok || p.BreakevenMoved {
		r.mu.Unlock()
		return nil
	}
	entry := p.EntryPrice
	r.mu.Unlock()

	if err := r.store.UpdateStop(ctx, p.ID, entry, true); err != nil {
		return err
	}

	r.mu.Lock()
	p.StopLoss = entry
	p.BreakevenMoved = true
	r.mu.Unlock()
	r.log.Info("position.breakeven", symbol, fmt.Sprintf("stop=%s", entry))
	return nil
}

// Close marks a position closed and persists the close.
func (r *Registry) Close(ctx context.Context, symbol string, exitPrice decimal.Decimal, reason ExitReason) error {
	r.mu.Lock()
	p, ok := r.positions[symbol]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("close position: no open position for %s", symbol)
	}
	sign := decimal.NewFromInt(1)
	if p.Direction == signal.Short {
		sign = decimal.NewFromInt(-1)
	}
	pnl := exitPrice.Sub(p.EntryPrice).Mul(p.Size).Mul(sign)
	r.mu.Unlock()

	if err := r.store.CloseTrade(ctx, p.ID, exitPrice, pnl, reason); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.positions, symbol)
	r.mu.Unlock()
	r.log.Info("position.closed", symbol, fmt.Sprintf("reason=%s exit=%s pnl=%s", reason, exitPrice, pnl))
	return nil
}

// Get returns the current position for symbol.
func (r *Registry) Get(symbol string) (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// All returns a copy of every open position.
func (r *Registry) All() []Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	return out
}

// OpenCount implements signal.PositionView.
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// HasOpenPosition implements book.HasOpenPosition.
func (r *Registry) HasOpenPosition(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.positions[symbol]
	return ok
}

// HasOpenPositionDirection implements signal.PositionView.
func (r *Registry) HasOpenPositionDirection(symbol string, dir signal.Direction) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[symbol]
	if !ok {
		return false
	}
	return p.Direction == dir
}

// AggregateNotional implements signal.PositionView.
func (r *Registry) AggregateNotional() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, p := range r.positions {
		total = total.Add(p.Notional())
	}
	return total
}

// Reconcile runs the startup sequence: fetch exchange-open positions and
// DB-open trade rows, join by symbol, restore monitoring state
// for matched pairs, and warn about exchange positions with no DB row.
func (r *Registry) Reconcile(ctx context.Context, client exchangeio.Client) error {
	exchangePositions, err := client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch exchange positions: %w", err)
	}
	dbTrades, err := r.store.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch open trades: %w", err)
	}
	bySymbol := make(map[string]Position, len(dbTrades))
	for _, t := range dbTrades {
		bySymbol[t.Symbol] = t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range exchangePositions {
		dbRow, ok := bySymbol[ep.Symbol]
		if !ok {
			r.log.Warn("position.reconcile_unmatched", ep.Symbol, "exchange position has no matching OPEN trade row; manual reconciliation required")
			continue
		}
		p := dbRow
		r.positions[p.Symbol] = &p
		r.log.Info("position.reconcile_restored", p.Symbol, fmt.Sprintf("breakeven_moved=%v stop=%s", p.BreakevenMoved, p.StopLoss))
	}
	return nil
}
