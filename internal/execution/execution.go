// Package execution implements the Execution Core: the state machine that
// opens a market position, sets its protective stop, and owns the atomic
// compensating close when the stop cannot be set.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/exchangeio"
	"sentinel/internal/money"
	"sentinel/internal/signal"
	"sentinel/internal/telemetry"
)

// State names the execution state machine's nodes.
type State string

const (
	Idle         State = "IDLE"
	SetIsolated  State = "SET_ISOLATED"
	SetLeverage  State = "SET_LEVERAGE"
	PlaceMarket  State = "PLACE_MARKET"
	SetStop      State = "SET_STOP"
	Confirmed    State = "CONFIRMED"
	ForceClosing State = "FORCE_CLOSE"
	Failed       State = "FAILED"
)

// Outcome is what a successful execute() call hands to the Position
// Registry; execution never imports the position package, avoiding a cycle
// between Execution Core and Position Monitor (which calls back into
// execution to close).
type Outcome struct {
	Symbol       string
	Direction    signal.Direction
	EntryPrice   decimal.Decimal
	Size         decimal.Decimal
	Leverage     int
	StopLoss     decimal.Decimal
	SignalKind   signal.Kind
	DensityPrice decimal.Decimal
}

// Rejected means the fill was force-closed because its stop could not be set;
// Reason names why. Failures before the fill are returned as wrapped errors.
type Rejected struct {
	Reason string
}

func (r Rejected) Error() string { return r.Reason }

// Core runs the IDLE->...->CONFIRMED/FORCE_CLOSE state machine.
type Core struct {
	client exchangeio.Client
	log    *telemetry.Logger
}

// NewCore builds an Execution Core bound to client.
func NewCore(client exchangeio.Client, log *telemetry.Logger) *Core {
	return &Core{client: client, log: log}
}

// Execute runs the state machine for one validated signal, sized as
// floor(position_size_usdt * leverage / entry_price), rounded to the
// symbol's lot step.
func (c *Core) Execute(ctx context.Context, s signal.Signal, positionSizeUSDT decimal.Decimal, leverage int, marginIsolated bool) (Outcome, error) {
	state := Idle
	symbol := s.Symbol

	filters, err := c.client.SymbolFilters(ctx, symbol)
	if err != nil {
		return Outcome{}, fmt.Errorf("execute %s: %w", symbol, err)
	}
	prec := money.Precision{TickSize: filters.TickSize, LotSize: filters.LotSize, PricePlaces: filters.PricePlaces, QtyPlaces: filters.QtyPlaces}

	state = SetIsolated
	if err := c.client.SwitchMarginMode(ctx, symbol, marginIsolated); err != nil {
		c.log.Err("execution.set_isolated_failed", symbol, err)
		return Outcome{}, fmt.Errorf("state %s: %w", state, err)
	}

	state = SetLeverage
	if err := c.client.SetLeverage(ctx, symbol, leverage); err != nil {
		c.log.Err("execution.set_leverage_failed", symbol, err)
		return Outcome{}, fmt.Errorf("state %s: %w", state, err)
	}

	state = PlaceMarket
	rawQty := positionSizeUSDT.Mul(decimal.NewFromInt(int64(leverage))).Div(s.EntryPrice)
	qty := prec.RoundToLot(rawQty.Floor())
	side := exchangeio.Buy
	if s.Direction == signal.Short {
		side = exchangeio.Sell
	}

	result, err := c.client.PlaceMarketOrder(ctx, exchangeio.OrderRequest{Symbol: symbol, Side: side, Quantity: qty})
	if err != nil {
		c.log.Err("execution.place_market_failed", symbol, err)
		return Outcome{}, fmt.Errorf("state %s: %w", state, err)
	}
	c.log.Info("execution.filled", symbol, fmt.Sprintf("side=%s qty=%s avg=%s", side, result.FilledQty, result.AvgFillPrice))

	state = SetStop
	stop := prec.RoundToTick(s.StopLoss)
	closeSide := exchangeio.Sell
	if s.Direction == signal.Short {
		closeSide = exchangeio.Buy
	}
	if err := c.client.SetTradingStop(ctx, symbol, stop, closeSide); err != nil {
		c.log.Critical("execution.set_stop_failed", symbol, err.Error())
		if closeErr := c.forceClose(ctx, symbol, result.FilledQty, closeSide); closeErr != nil {
			c.log.Critical("execution.force_close_failed", symbol, closeErr.Error())
			return Outcome{}, fmt.Errorf("force close after stop failure: %w", closeErr)
		}
		return Outcome{}, Rejected{Reason: "stop_set_failed_force_closed"}
	}

	state = Confirmed
	c.log.Info("execution.confirmed", symbol, string(state))
	return Outcome{
		Symbol:       symbol,
		Direction:    s.Direction,
		EntryPrice:   result.AvgFillPrice,
		Size:         result.FilledQty,
		Leverage:     leverage,
		StopLoss:     stop,
		SignalKind:   s.Kind,
		DensityPrice: densityPrice(s),
	}, nil
}

func densityPrice(s signal.Signal) decimal.Decimal {
	p, err := decimal.NewFromString(s.DensityRef.Price)
	if err != nil {
		return decimal.Zero
	}
	return p
}

// forceClose is the FORCE_CLOSE transition: a reduce-only market order
// opposite the filled side, retried with elevated urgency (5 attempts,
// 0.5s linear backoff) until size reaches zero. Never returns without
// either a confirmed zero size or an error; it is never left half-done.
func (c *Core) forceClose(ctx context.Context, symbol string, qty decimal.Decimal, closeSide exchangeio.OrderSide) error {
	remaining := qty
	policy := exchangeio.CriticalRetry
	attempt := 0
	for remaining.GreaterThan(decimal.Zero) && attempt < policy.MaxAttempts {
		attempt++
		result, err := c.client.PlaceMarketOrder(ctx, exchangeio.OrderRequest{
			Symbol:     symbol,
			Side:       closeSide,
			Quantity:   remaining,
			ReduceOnly: true,
		})
		if err != nil {
			c.log.Warn("execution.force_close_attempt_failed", symbol, fmt.Sprintf("attempt=%d err=%v", attempt, err))
			select {
			case <-time.After(policy.BaseDelay + time.Duration(attempt)*policy.LinearStep):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		remaining = remaining.Sub(result.FilledQty)
	}
	if remaining.GreaterThan(decimal.Zero) {
		return fmt.Errorf("force close did not reach size=0 for %s after %d attempts, remaining=%s", symbol, attempt, remaining)
	}
	return nil
}

// CloseReduceOnly submits a reduce-only market close for an existing
// position, used by the Position Monitor's exit evaluator and by the
// Safety Supervisor's EMERGENCY fan-out. Retries under the critical policy
// like forceClose, since a close failure here also leaves a position
// without fresh protection until the next monitor cycle.
func (c *Core) CloseReduceOnly(ctx context.Context, symbol string, qty decimal.Decimal, direction signal.Direction) (exchangeio.OrderResult, error) {
	closeSide := exchangeio.Sell
	if direction == signal.Short {
		closeSide = exchangeio.Buy
	}
	var result exchangeio.OrderResult
	err := exchangeio.CriticalRetry.Do(ctx, func() (time.Duration, error) {
		var e error
		result, e = c.client.PlaceMarketOrder(ctx, exchangeio.OrderRequest{
			Symbol:     symbol,
			Side:       closeSide,
			Quantity:   qty,
			ReduceOnly: true,
		})
		return 0, e
	})
	return result, err
}

// MoveStopToBreakeven reissues the stop at entryPrice; idempotent from the
// caller's perspective (retried next monitor cycle on failure, never
// blocking other checks).
func (c *Core) MoveStopToBreakeven(ctx context.Context, symbol string, entryPrice decimal.Decimal, direction signal.Direction) error {
	closeSide := exchangeio.Sell
	if direction == signal.Short {
		closeSide = exchangeio.Buy
	}
	return c.client.SetTradingStop(ctx, symbol, entryPrice, closeSide)
}
