// Package safety implements the Safety Supervisor: periodic balance,
// exposure, and connection-health checks that may raise the global
// EMERGENCY condition.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/exchangeio"
	"sentinel/internal/execution"
	"sentinel/internal/position"
	"sentinel/internal/telemetry"
)

// Shutdowner lets the Supervisor ask the Orchestrator to terminate after an
// EMERGENCY force-close-all completes.
type Shutdowner interface {
	RequestShutdown(reason string)
}

// Params are the safety.* config keys.
type Params struct {
	MinBalanceUSDT        decimal.Decimal
	MaxExposurePercent    decimal.Decimal
	ConnectionLossTimeout time.Duration
	CheckInterval         time.Duration
}

// Supervisor runs the periodic checks and owns the global soft-stop /
// EMERGENCY flags.
type Supervisor struct {
	client    exchangeio.Client
	registry  *position.Registry
	core      *execution.Core
	log       *telemetry.Logger
	shutdown  Shutdowner
	params    Params

	mu             sync.RWMutex
	emergency      bool
	softStop       bool
	dailyRealizedPnL decimal.Decimal
	lastConnFresh  time.Time
}

// NewSupervisor builds a Safety Supervisor running the periodic
// balance/exposure/connection checks.
func NewSupervisor(client exchangeio.Client, registry *position.Registry, core *execution.Core, log *telemetry.Logger, shutdown Shutdowner, params Params) *Supervisor {
	return &Supervisor{client: client, registry: registry, core: core, log: log, shutdown: shutdown, params: params, lastConnFresh: time.Now()}
}

// NotifyConnectionFresh is called by the Market Feed (indirectly, via the
// orchestrator) whenever any symbol's book updates, keeping the connection
// freshness clock alive.
func (s *Supervisor) NotifyConnectionFresh() {
	s.mu.Lock()
	s.lastConnFresh = time.Now()
	s.mu.Unlock()
}

// RaiseEmergency implements book.EmergencyRaiser: the Market Feed calls this
// directly when an outage exceeds the threshold with an open position.
func (s *Supervisor) RaiseEmergency(reason string) {
	s.trigger(reason)
}

// SoftStopped reports whether new signal execution should be blocked
// (aggregate exposure over threshold) without closing existing positions.
func (s *Supervisor) SoftStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.softStop
}

// RecordRealizedPnL folds a closed position's PnL into the running daily
// counter used for session PnL reporting.
func (s *Supervisor) RecordRealizedPnL(pnl decimal.Decimal) {
	s.mu.Lock()
	s.dailyRealizedPnL = s.dailyRealizedPnL.Add(pnl)
	s.mu.Unlock()
}

// DailyRealizedPnL returns the running total for reporting/logging.
func (s *Supervisor) DailyRealizedPnL() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dailyRealizedPnL
}

// Run ticks every params.CheckInterval (typically 30s) until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.params.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

func (s *Supervisor) checkOnce(ctx context.Context) {
	balance, err := s.client.GetWalletBalance(ctx)
	if err != nil {
		s.log.Warn("safety.balance_check_failed", "", err.Error())
	} else if balance.LessThan(s.params.MinBalanceUSDT) {
		s.trigger(fmt.Sprintf("balance %s below minimum %s", balance, s.params.MinBalanceUSDT))
		return
	}

	exposure := s.registry.AggregateNotional()
	if !balance.IsZero() {
		exposurePct := exposure.Div(balance).Mul(decimal.NewFromInt(100))
		if exposurePct.GreaterThan(s.params.MaxExposurePercent) {
			s.mu.Lock()
			s.softStop = true
			s.mu.Unlock()
			s.log.Warn("safety.soft_stop", "", fmt.Sprintf("exposure %.2f%% exceeds max %.2f%%", exposurePct.InexactFloat64(), s.params.MaxExposurePercent.InexactFloat64()))
		} else {
			s.mu.Lock()
			s.softStop = false
			s.mu.Unlock()
		}
	}

	s.mu.RLock()
	since := s.lastConnFresh
	s.mu.RUnlock()
	if time.Since(since) >= s.params.ConnectionLossTimeout && len(s.registry.All()) > 0 {
		s.trigger("connection down >= " + s.params.ConnectionLossTimeout.String() + " with open positions")
	}
}

// trigger raises EMERGENCY once, closes every open position in parallel
// via the Execution Core's CloseReduceOnly, then requests shutdown.
func (s *Supervisor) trigger(reason string) {
	s.mu.Lock()
	if s.emergency {
		s.mu.Unlock()
		return
	}
	s.emergency = true
	s.mu.Unlock()

	s.log.Critical("safety.emergency", "", reason)

	positions := s.registry.All()
	var wg sync.WaitGroup
	for _, p := range positions {
		wg.Add(1)
		go func(p position.Position) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			result, err := s.core.CloseReduceOnly(ctx, p.Symbol, p.Size, p.Direction)
			if err != nil {
				s.log.Critical("safety.emergency_close_failed", p.Symbol, err.Error())
				return
			}
			if err := s.registry.Close(ctx, p.Symbol, result.AvgFillPrice, position.ExitEmergency); err != nil {
				s.log.Critical("safety.emergency_persist_failed", p.Symbol, err.Error())
			}
		}(p)
	}
	wg.Wait()

	if s.shutdown != nil {
		s.shutdown.RequestShutdown(reason)
	}
}

// Emergency reports whether EMERGENCY has been raised.
func (s *Supervisor) Emergency() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emergency
}
