// Package store implements the persistence layer with gorm.io/gorm and
// gorm.io/driver/postgres.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sentinel/internal/position"
	"sentinel/internal/signal"
	"sentinel/internal/telemetry"
)

// Open connects to Postgres and runs AutoMigrate for every table this
// service uses. AutoMigrate is the minimal "make the tables exist" step;
// schema migrations themselves stay out of scope.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&TradeRow{}, &CoinParametersRow{}, &OrderbookSnapshotRow{}, &DensityRow{}, &MarketStatsRow{}, &SystemEventRow{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return db, nil
}

// TradeRow backs the trades table.
type TradeRow struct {
	ID                  string `gorm:"primaryKey"`
	Symbol              string `gorm:"index"`
	EntryTime           time.Time
	ExitTime            *time.Time
	EntryPrice          string
	ExitPrice           *string
	PositionSize        string
	Leverage            int
	Direction           string
	SignalType          string
	ProfitLoss          *string
	ProfitLossPercent   *string
	StopLossPrice       string
	BreakevenMoved      bool
	Status              string `gorm:"index"`
	ExitReason          *string
	ParametersSnapshot  string
}

// CoinParametersRow backs the coin_parameters table.
type CoinParametersRow struct {
	Symbol                     string `gorm:"primaryKey"`
	AbsoluteDensityThreshold   string
	RelativeDensityMultiplier  string
	PercentOfTotalThreshold    string
	ClusterPriceRangePercent   string
	BreakoutErosionPercent     string
	BreakoutMinStopLossPercent string
	BounceDensityStablePercent string
	BounceErosionExitPercent   string
	BreakevenProfitPercent     string
	TouchTolerancePercent      string
	SLBehindDensityPercent     string
	Enabled                    bool
	PreferredStrategy          string
}

// OrderbookSnapshotRow backs the time-partitioned orderbook_snapshots table
// (retention ~30 days, enforced by an external retention job; retention
// policy is an ambient ops concern, not core logic, so it stays out of
// scope here).
type OrderbookSnapshotRow struct {
	Time   time.Time `gorm:"primaryKey;index"`
	Symbol string    `gorm:"primaryKey"`
	Bids   string    // JSON-encoded []PriceLevel
	Asks   string
}

// DensityRow backs the time-partitioned densities table (retention ~60 days).
type DensityRow struct {
	Time       time.Time `gorm:"primaryKey;index"`
	Symbol     string    `gorm:"primaryKey"`
	PriceLevel string    `gorm:"primaryKey"`
	Side       string    `gorm:"primaryKey"`
	Volume     string
}

// MarketStatsRow backs the market_stats table.
type MarketStatsRow struct {
	Symbol             string `gorm:"primaryKey"`
	Volume24h          string
	PriceChange24hPct  string
	IsActive           bool
	Rank               int
	UpdatedAt          time.Time
}

// SystemEventRow backs the system_events table; CRITICAL log events land
// here via telemetry.CriticalSink.
type SystemEventRow struct {
	Time      time.Time `gorm:"primaryKey;index"`
	EventType string    `gorm:"primaryKey"`
	Severity  string
	Symbol    string
	Details   string
}

// Store implements position.TradeStore and telemetry.CriticalSink.
type Store struct {
	db *gorm.DB
}

// New wraps an opened *gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// RecordSystemEvent implements telemetry.CriticalSink.
func (s *Store) RecordSystemEvent(ev telemetry.Event) error {
	row := SystemEventRow{
		Time:      ev.Time,
		EventType: ev.EventType,
		Severity:  string(ev.Severity),
		Symbol:    ev.Symbol,
		Details:   ev.Details,
	}
	return s.db.Create(&row).Error
}

// CreateOpenTrade implements position.TradeStore.
func (s *Store) CreateOpenTrade(ctx context.Context, p position.Position) (string, error) {
	row := TradeRow{
		ID:             p.ID,
		Symbol:         p.Symbol,
		EntryTime:      p.OpenedAt,
		EntryPrice:     p.EntryPrice.String(),
		PositionSize:   p.Size.String(),
		Leverage:       p.Leverage,
		Direction:      string(p.Direction),
		SignalType:     string(p.SignalKind),
		StopLossPrice:  p.StopLoss.String(),
		BreakevenMoved: p.BreakevenMoved,
		Status:         string(position.Open),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return row.ID, nil
}

// UpdateStop implements position.TradeStore.
func (s *Store) UpdateStop(ctx context.Context, id string, stopLoss decimal.Decimal, breakevenMoved bool) error {
	return s.db.WithContext(ctx).Model(&TradeRow{}).Where("id = ?", id).
		Updates(map[string]interface{}{"stop_loss_price": stopLoss.String(), "breakeven_moved": breakevenMoved}).Error
}

// CloseTrade implements position.TradeStore.
func (s *Store) CloseTrade(ctx context.Context, id string, exitPrice, pnl decimal.Decimal, reason position.ExitReason) error {
	now := time.Now()
	exitStr := exitPrice.String()
	pnlStr := pnl.String()
	reasonStr := string(reason)
	return s.db.WithContext(ctx).Model(&TradeRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"exit_time":   &now,
		"exit_price":  &exitStr,
		"profit_loss": &pnlStr,
		"status":      string(position.Closed),
		"exit_reason": &reasonStr,
	}).Error
}

// OpenTrades implements position.TradeStore, feeding startup reconciliation.
func (s *Store) OpenTrades(ctx context.Context) ([]position.Position, error) {
	var rows []TradeRow
	if err := s.db.WithContext(ctx).Where("status = ?", string(position.Open)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]position.Position, 0, len(rows))
	for _, r := range rows {
		entry, _ := decimal.NewFromString(r.EntryPrice)
		size, _ := decimal.NewFromString(r.PositionSize)
		stop, _ := decimal.NewFromString(r.StopLossPrice)
		out = append(out, position.Position{
			ID:             r.ID,
			Symbol:         r.Symbol,
			Direction:      signal.Direction(r.Direction),
			EntryPrice:     entry,
			Size:           size,
			Leverage:       r.Leverage,
			SignalKind:     signal.Kind(r.SignalType),
			StopLoss:       stop,
			BreakevenMoved: r.BreakevenMoved,
			Status:         position.Open,
			OpenedAt:       r.EntryTime,
		})
	}
	return out, nil
}

// LoadCoinParameters reads the cached per-symbol thresholds the
// Orchestrator loads at startup.
func (s *Store) LoadCoinParameters(ctx context.Context) ([]signal.CoinParameters, error) {
	var rows []CoinParametersRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]signal.CoinParameters, 0, len(rows))
	for _, r := range rows {
		out = append(out, signal.CoinParameters{
			Symbol:                     r.Symbol,
			AbsoluteDensityThreshold:   mustDecimal(r.AbsoluteDensityThreshold),
			RelativeDensityMultiplier:  mustDecimal(r.RelativeDensityMultiplier),
			PercentOfTotalThreshold:    mustDecimal(r.PercentOfTotalThreshold),
			ClusterPriceRangePercent:   mustDecimal(r.ClusterPriceRangePercent),
			BreakoutErosionPercent:     mustDecimal(r.BreakoutErosionPercent),
			BreakoutMinStopLossPercent: mustDecimal(r.BreakoutMinStopLossPercent),
			BounceDensityStablePercent: mustDecimal(r.BounceDensityStablePercent),
			BounceErosionExitPercent:   mustDecimal(r.BounceErosionExitPercent),
			BreakevenProfitPercent:     mustDecimal(r.BreakevenProfitPercent),
			TouchTolerancePercent:      mustDecimal(r.TouchTolerancePercent),
			SLBehindDensityPercent:     mustDecimal(r.SLBehindDensityPercent),
			Enabled:                    r.Enabled,
		})
	}
	return out, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// ActiveSymbols implements orchestrator.ActiveSymbolSource against the
// market_stats table: the ranking/top-gainers service itself is the external
// collaborator treated as out of scope, this just reads the is_active
// column it last wrote.
func (s *Store) ActiveSymbols(ctx context.Context) ([]string, error) {
	var rows []MarketStatsRow
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Symbol)
	}
	return out, nil
}

// RecordMarketStats upserts the single-row-per-symbol ranking view market
// data collaborators feed; top-gainers/losers ranking itself is the
// external collaborator treated as out of scope, this just persists its
// output.
func (s *Store) RecordMarketStats(ctx context.Context, symbol string, volume24h, changePct decimal.Decimal, active bool, rank int) error {
	row := MarketStatsRow{
		Symbol:            symbol,
		Volume24h:         volume24h.String(),
		PriceChange24hPct: changePct.String(),
		IsActive:          active,
		Rank:              rank,
		UpdatedAt:         time.Now(),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}
