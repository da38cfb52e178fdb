// Package store persists trades in SQLite or PostgreSQL via gorm.
//
// One Trade row is the full record of an intended position: the buy order,
// the optional sell order, and the resolution outcome. Update methods are
// guarded UPDATE statements so replayed events (a get_order result landing
// after a WebSocket event already advanced the row) are no-ops, and a fill
// discovered after a cancel can still upgrade the row. Fills are never
// lost to event ordering.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Order status values for both the buy and sell sub-machines.
const (
	StatusOpen      = "open"
	StatusPartial   = "partial"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// ErrNotFound is returned by lookups for unknown trade IDs.
var ErrNotFound = errors.New("trade not found")

// Trade is one intended position from placement to resolution.
type Trade struct {
	ID           string `gorm:"primaryKey"`
	DeploymentID string `gorm:"index"`
	MarketID     string `gorm:"index"`
	Slug         string `gorm:"index"`
	TokenID      string
	OrderSide    string // "YES" or "NO"
	Strategy     string // "threshold" or "limit_buy"

	// Config snapshot at creation, JSON-encoded for audit.
	ConfigSnapshot string

	// Buy order
	BuyOrderID      string          `gorm:"index"`
	BuyPrice        decimal.Decimal `gorm:"type:decimal(20,6)"`
	BuySizeOrdered  decimal.Decimal `gorm:"type:decimal(20,6)"`
	BuyStatus       string          `gorm:"index"`
	BuyFilledShares decimal.Decimal `gorm:"type:decimal(20,6)"`
	BuyFillPrice    decimal.Decimal `gorm:"type:decimal(20,6)"`
	BuyDollarsSpent decimal.Decimal `gorm:"type:decimal(20,6)"`
	BuyFee          decimal.Decimal `gorm:"type:decimal(20,6)"`
	BuyPlacedAt     *time.Time
	BuyFilledAt     *time.Time

	// Sell order
	SellOrderID         string
	SellPrice           decimal.Decimal `gorm:"type:decimal(20,6)"`
	SellSize            decimal.Decimal `gorm:"type:decimal(20,6)"`
	SellStatus          string
	SellSharesFilled    decimal.Decimal `gorm:"type:decimal(20,6)"`
	SellDollarsReceived decimal.Decimal `gorm:"type:decimal(20,6)"`
	SellFee             decimal.Decimal `gorm:"type:decimal(20,6)"`
	SellReason          string // "stop_loss", "late_exit", "limit_exit", "resolution"
	SellPlacedAt        *time.Time
	SellFilledAt        *time.Time

	// Resolution
	Resolved        bool            `gorm:"index"`
	OutcomePrice    decimal.Decimal `gorm:"type:decimal(20,6)"`
	WinningSide     string
	Payout          decimal.Decimal `gorm:"type:decimal(20,6)"`
	NetPayout       decimal.Decimal `gorm:"type:decimal(20,6)"`
	ROI             decimal.Decimal `gorm:"type:decimal(20,6)"`
	IsWin           bool
	PrincipalBefore decimal.Decimal `gorm:"type:decimal(20,6)"`
	PrincipalAfter  decimal.Decimal `gorm:"type:decimal(20,6)"`
	ResolvedAt      *time.Time
	ErrorMessage    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats summarizes the trade history for the status API and the CLI.
type Stats struct {
	TotalTrades    int64
	OpenPositions  int64
	Wins           int64
	Losses         int64
	TotalNetPayout decimal.Decimal
}

// Store wraps the database handle. All methods are safe for concurrent use;
// each write is a single guarded UPDATE inside its own transaction.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the database selected by the DSN (a postgres:// URL or
// a SQLite file path) and migrates the schema. Migration adds any columns
// missing from an older deployment; its failure is fatal.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&Trade{}); err != nil {
		return nil, fmt.Errorf("migrate trades schema: %w", err)
	}

	logger.Info("trade store opened", "dsn", dsn)
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTrade inserts a new trade row. The caller sets the buy fields;
// an empty ID gets a fresh UUID. Returns the trade ID.
func (s *Store) CreateTrade(ctx context.Context, trade *Trade) (string, error) {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.BuyStatus == "" {
		trade.BuyStatus = StatusOpen
	}
	if trade.BuyPlacedAt == nil {
		now := time.Now()
		trade.BuyPlacedAt = &now
	}
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return "", fmt.Errorf("create trade: %w", err)
	}
	return trade.ID, nil
}

// GetTrade fetches one trade by ID.
func (s *Store) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	var trade Trade
	err := s.db.WithContext(ctx).First(&trade, "id = ?", tradeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return &trade, nil
}

// UpdateBuyFill advances the buy sub-machine. The update is dropped when
// the row already carries the new status (replayed event) or already
// reached filled/failed. A cancelled row may still advance to partial or
// filled when late evidence shows the order matched before the cancel.
func (s *Store) UpdateBuyFill(ctx context.Context, tradeID string, filledShares, fillPrice, dollarsSpent, fee decimal.Decimal, status string) error {
	fields := map[string]interface{}{
		"buy_filled_shares": filledShares,
		"buy_fill_price":    fillPrice,
		"buy_dollars_spent": dollarsSpent,
		"buy_fee":           fee,
		"buy_status":        status,
	}
	if status == StatusFilled || status == StatusPartial {
		now := time.Now()
		fields["buy_filled_at"] = &now
	}

	res := s.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ?", tradeID).
		Where("buy_status <> ?", status).
		Where("buy_status NOT IN ?", []string{StatusFilled, StatusFailed}).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update buy fill: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debug("buy fill update dropped", "trade_id", tradeID, "status", status)
	}
	return nil
}

// UpdateBuyStatus records a status-only buy transition (cancelled, failed)
// with an optional error message. Same replay and terminal guards as
// UpdateBuyFill.
func (s *Store) UpdateBuyStatus(ctx context.Context, tradeID, status, errorMessage string) error {
	fields := map[string]interface{}{"buy_status": status}
	if errorMessage != "" {
		fields["error_message"] = errorMessage
	}

	res := s.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ?", tradeID).
		Where("buy_status <> ?", status).
		Where("buy_status NOT IN ?", []string{StatusFilled, StatusFailed}).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update buy status: %w", res.Error)
	}
	return nil
}

// SetBuyOrderID records the exchange-accepted order ID for a trade whose
// placement succeeded on a retry after the row was created.
func (s *Store) SetBuyOrderID(ctx context.Context, tradeID, orderID string) error {
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ?", tradeID).
		Update("buy_order_id", orderID).Error
	if err != nil {
		return fmt.Errorf("set buy order id: %w", err)
	}
	return nil
}

// UpdateSellOrder records a placed-and-verified sell order on the trade.
func (s *Store) UpdateSellOrder(ctx context.Context, tradeID, sellOrderID string, price, size decimal.Decimal, status, reason string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ?", tradeID).
		Updates(map[string]interface{}{
			"sell_order_id":  sellOrderID,
			"sell_price":     price,
			"sell_size":      size,
			"sell_status":    status,
			"sell_reason":    reason,
			"sell_placed_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("update sell order: %w", err)
	}
	return nil
}

// UpdateSellFill advances the sell sub-machine with the same guards as
// the buy side.
func (s *Store) UpdateSellFill(ctx context.Context, tradeID, status string, sharesFilled, dollarsReceived, fee decimal.Decimal) error {
	fields := map[string]interface{}{
		"sell_shares_filled":    sharesFilled,
		"sell_dollars_received": dollarsReceived,
		"sell_fee":              fee,
		"sell_status":           status,
	}
	if status == StatusFilled || status == StatusPartial {
		now := time.Now()
		fields["sell_filled_at"] = &now
	}

	res := s.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ?", tradeID).
		Where("sell_status <> ?", status).
		Where("sell_status NOT IN ?", []string{StatusFilled, StatusFailed}).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update sell fill: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debug("sell fill update dropped", "trade_id", tradeID, "status", status)
	}
	return nil
}

// UpdateSellStatus records a status-only sell transition.
func (s *Store) UpdateSellStatus(ctx context.Context, tradeID, status, errorMessage string) error {
	fields := map[string]interface{}{"sell_status": status}
	if errorMessage != "" {
		fields["error_message"] = errorMessage
	}

	res := s.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ?", tradeID).
		Where("sell_status <> ?", status).
		Where("sell_status NOT IN ?", []string{StatusFilled, StatusFailed}).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update sell status: %w", res.Error)
	}
	return nil
}

// UpdateResolution finalizes a trade. It writes exactly once: a second
// call finds resolved=true and is a no-op, so principal_after is never
// rewritten.
func (s *Store) UpdateResolution(ctx context.Context, tradeID string, outcomePrice, payout, netPayout, roi, principalAfter decimal.Decimal, isWin bool, winningSide string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ?", tradeID).
		Where("resolved = ?", false).
		Updates(map[string]interface{}{
			"resolved":        true,
			"outcome_price":   outcomePrice,
			"payout":          payout,
			"net_payout":      netPayout,
			"roi":             roi,
			"is_win":          isWin,
			"winning_side":    winningSide,
			"principal_after": principalAfter,
			"resolved_at":     &now,
		})
	if res.Error != nil {
		return fmt.Errorf("update resolution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debug("resolution update dropped, already resolved", "trade_id", tradeID)
	}
	return nil
}

// HasBetOnMarket reports whether any trade with an accepted buy order
// exists for the slug. Called twice around placement to close the race
// window: once before sizing and once immediately before the order posts.
func (s *Store) HasBetOnMarket(ctx context.Context, slug string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("slug = ?", slug).
		Where("buy_order_id <> ''").
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("has bet on market: %w", err)
	}
	return count > 0, nil
}

// LatestPrincipal returns the principal_after of the most recently
// resolved trade of this deployment, skipping failed buys and trades
// without an accepted order. The boolean is false when no such trade
// exists and the caller should fall back to initial_principal.
func (s *Store) LatestPrincipal(ctx context.Context, deploymentID string) (decimal.Decimal, bool, error) {
	var trade Trade
	err := s.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Where("buy_order_id <> ''").
		Where("resolved = ?", true).
		Where("buy_status <> ?", StatusFailed).
		Where("principal_after > 0").
		Order("resolved_at DESC").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("latest principal: %w", err)
	}
	return trade.PrincipalAfter, true, nil
}

// OpenBuys returns trades whose buy order is still working on the book.
func (s *Store) OpenBuys(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).
		Where("buy_order_id <> ''").
		Where("buy_status IN ?", []string{StatusOpen, StatusPartial}).
		Order("created_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("open buys: %w", err)
	}
	return trades, nil
}

// OpenSells returns trades whose sell order is still working on the book.
func (s *Store) OpenSells(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).
		Where("sell_order_id <> ''").
		Where("sell_status IN ?", []string{StatusOpen, StatusPartial}).
		Order("created_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("open sells: %w", err)
	}
	return trades, nil
}

// Unresolved returns trades holding shares that have not been resolved.
func (s *Store) Unresolved(ctx context.Context) ([]Trade, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).
		Where("resolved = ?", false).
		Where("buy_filled_shares > 0").
		Order("created_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("unresolved trades: %w", err)
	}
	return trades, nil
}

// FilledWithoutSell returns filled, unresolved buys with no sell order
// whose fill is at least minAge old. The reconciler re-invokes sell
// placement for these.
func (s *Store) FilledWithoutSell(ctx context.Context, minAge time.Duration) ([]Trade, error) {
	cutoff := time.Now().Add(-minAge)
	var trades []Trade
	err := s.db.WithContext(ctx).
		Where("buy_status = ?", StatusFilled).
		Where("sell_order_id = ''").
		Where("resolved = ?", false).
		Where("buy_filled_at <= ?", cutoff).
		Order("buy_filled_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("filled without sell: %w", err)
	}
	return trades, nil
}

// TradesByMarket returns this deployment's trades on one market.
func (s *Store) TradesByMarket(ctx context.Context, deploymentID, marketID string) ([]Trade, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Where("market_id = ?", marketID).
		Order("created_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("trades by market: %w", err)
	}
	return trades, nil
}

// RecentTrades returns the newest trades first, up to limit.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	return trades, nil
}

// GetStats aggregates trade counts and realized PnL.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := s.db.WithContext(ctx).Model(&Trade{}).Count(&stats.TotalTrades).Error; err != nil {
		return nil, fmt.Errorf("stats total: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("resolved = ?", false).
		Where("buy_filled_shares > 0").
		Count(&stats.OpenPositions).Error; err != nil {
		return nil, fmt.Errorf("stats open: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("resolved = ? AND is_win = ?", true, true).
		Count(&stats.Wins).Error; err != nil {
		return nil, fmt.Errorf("stats wins: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("resolved = ? AND is_win = ?", true, false).
		Count(&stats.Losses).Error; err != nil {
		return nil, fmt.Errorf("stats losses: %w", err)
	}

	var result struct {
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Select("COALESCE(SUM(net_payout), 0) as total").
		Where("resolved = ?", true).
		Scan(&result).Error
	if err != nil {
		return nil, fmt.Errorf("stats net payout: %w", err)
	}
	stats.TotalNetPayout = result.Total

	return stats, nil
}
