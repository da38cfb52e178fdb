package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"polytrader/internal/store"
	"polytrader/pkg/types"
)

// Strategy is the kernel the engine drives. One instance runs per
// deployment.
type Strategy interface {
	Name() string

	// OnMarketsDetected folds a detection sweep into the monitored set and
	// returns the markets that are new this sweep, so the engine can
	// subscribe their tokens on the market feed.
	OnMarketsDetected(ctx context.Context, markets []types.MarketInfo) []types.MarketInfo

	// Tick runs one evaluation pass over the monitored markets.
	Tick(ctx context.Context)

	// OnBuyFilled reacts to a confirmed buy fill; wired into the order
	// manager's hook and run synchronously.
	OnBuyFilled(ctx context.Context, trade *store.Trade)

	// PlaceExit places (or re-places) the exit sell for a filled trade.
	PlaceExit(ctx context.Context, trade *store.Trade) error
}

// PrincipalSource exposes the bankroll owned by the resolution engine.
type PrincipalSource interface {
	Principal() decimal.Decimal
}

// BalanceSource reads the wallet's exchange cash balance.
type BalanceSource interface {
	GetBalanceAllowance(ctx context.Context, assetType, tokenID string) (*types.BalanceAllowance, error)
}
