package strategy

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"polytrader/internal/config"
	"polytrader/internal/market"
	"polytrader/internal/orders"
	"polytrader/internal/store"
	"polytrader/pkg/types"
)

// LimitBuy rests a bid on both sides of each new up/down market and rides
// whichever fills: the sibling bid is cancelled and a profit-take sell
// goes out at sell_price. Bids that never fill are pulled once the market
// gets close to resolution, and a standing profit-take is swapped for a
// bid-chasing late exit.
type LimitBuy struct {
	cfg       *config.Config
	books     *market.Cache
	catalog   *market.Catalog
	mgr       *orders.Manager
	store     *store.Store
	principal PrincipalSource
	deployID  string
	logger    *slog.Logger

	mu        sync.Mutex
	monitored map[string]types.MarketInfo
	attempted map[string]bool // slug -> placement attempted (even if it failed)
}

// NewLimitBuy builds the limit-buy strategy.
func NewLimitBuy(
	cfg *config.Config,
	books *market.Cache,
	catalog *market.Catalog,
	mgr *orders.Manager,
	st *store.Store,
	principal PrincipalSource,
	deployID string,
	logger *slog.Logger,
) *LimitBuy {
	return &LimitBuy{
		cfg:       cfg,
		books:     books,
		catalog:   catalog,
		mgr:       mgr,
		store:     st,
		principal: principal,
		deployID:  deployID,
		logger:    logger.With("strategy", "limit_buy"),
		monitored: make(map[string]types.MarketInfo),
		attempted: make(map[string]bool),
	}
}

func (l *LimitBuy) Name() string { return config.StrategyLimitBuy }

// OnMarketsDetected opens the dual position on every new market that is
// far enough from resolution. The slug is marked attempted before the
// first placement so a failing market is not retried every sweep.
func (l *LimitBuy) OnMarketsDetected(ctx context.Context, markets []types.MarketInfo) []types.MarketInfo {
	var fresh []types.MarketInfo

	for _, m := range markets {
		l.mu.Lock()
		_, known := l.monitored[m.Slug]
		l.monitored[m.Slug] = m
		alreadyTried := l.attempted[m.Slug]
		l.mu.Unlock()

		if !known {
			fresh = append(fresh, m)
		}
		if alreadyTried {
			continue
		}

		minutes, ok := l.catalog.MinutesUntilResolution(&m)
		if !ok || minutes < l.cfg.MinMinutesBeforeResolution {
			continue
		}

		l.mu.Lock()
		l.attempted[m.Slug] = true
		l.mu.Unlock()
		l.openDualPosition(ctx, m)
	}

	l.pruneEnded(ctx)
	return fresh
}

// openDualPosition places the YES and NO bids as two trades on one slug.
func (l *LimitBuy) openDualPosition(ctx context.Context, m types.MarketInfo) {
	legs := []struct {
		side  types.OutcomeSide
		price float64
	}{
		{types.OutcomeYes, l.cfg.YesBuyPrice},
		{types.OutcomeNo, l.cfg.NoBuyPrice},
	}

	l.logger.Info("opening dual position",
		"slug", m.Slug,
		"yes_price", l.cfg.YesBuyPrice,
		"no_price", l.cfg.NoBuyPrice,
		"size", l.cfg.OrderSize,
	)

	for _, leg := range legs {
		trade := &store.Trade{
			MarketID:        m.ConditionID,
			Slug:            m.Slug,
			TokenID:         m.TokenID(leg.side),
			OrderSide:       string(leg.side),
			Strategy:        config.StrategyLimitBuy,
			PrincipalBefore: l.principal.Principal(),
		}
		order := types.UserOrder{
			TokenID:   m.TokenID(leg.side),
			Price:     leg.price,
			Size:      l.cfg.OrderSize,
			Side:      types.BUY,
			OrderType: types.OrderTypeGTC,
			TickSize:  m.TickSize,
			NegRisk:   m.NegRisk,
		}
		if _, err := l.mgr.PlaceBuy(ctx, trade, order, m.EndDate); err != nil {
			// Slug stays attempted: no retry storm on a rejecting market.
			l.logger.Error("leg placement failed", "slug", m.Slug, "side", leg.side, "error", err)
		}
	}
}

// Tick pulls stalled bids and re-prices standing exits near resolution.
func (l *LimitBuy) Tick(ctx context.Context) {
	l.mu.Lock()
	markets := make([]types.MarketInfo, 0, len(l.monitored))
	for _, m := range l.monitored {
		markets = append(markets, m)
	}
	l.mu.Unlock()

	for _, m := range markets {
		minutes, ok := l.catalog.MinutesUntilResolution(&m)
		nearEnd := !ok || minutes <= l.cfg.CancelThresholdMinutes
		if !nearEnd {
			continue
		}

		trades, err := l.store.TradesByMarket(ctx, l.deployID, m.ConditionID)
		if err != nil {
			l.logger.Warn("market trades lookup failed", "slug", m.Slug, "error", err)
			continue
		}
		for i := range trades {
			trade := &trades[i]
			switch {
			case trade.BuyStatus == store.StatusOpen && trade.BuyOrderID != "":
				l.cancelStalledBuy(ctx, trade)
			case trade.SellStatus == store.StatusOpen && trade.SellOrderID != "":
				l.lateExit(ctx, trade)
			}
		}
	}
}

func (l *LimitBuy) cancelStalledBuy(ctx context.Context, trade *store.Trade) {
	l.logger.Info("cancelling stalled bid", "trade_id", trade.ID, "slug", trade.Slug)
	if err := l.mgr.CancelBuy(ctx, trade.BuyOrderID, "resolution too close"); err != nil {
		l.logger.Warn("stalled bid cancel failed", "trade_id", trade.ID, "error", err)
	}
}

// lateExit replaces the resting profit-take with a sell the book can
// actually lift before resolution: best_bid − best_bid_margin, clamped to
// [max(0.01, sell_price_lower_bound), 0.99].
func (l *LimitBuy) lateExit(ctx context.Context, trade *store.Trade) {
	book, err := l.books.Book(ctx, trade.TokenID)
	if err != nil {
		l.logger.Warn("late exit book unavailable", "trade_id", trade.ID, "error", err)
		return
	}
	bid, ok := book.BestBid()
	if !ok {
		return
	}

	lower := math.Max(0.01, l.cfg.SellPriceLowerBound)
	price := bid - l.cfg.BestBidMargin
	if price > 0.99 {
		price = 0.99
	}
	if price < lower {
		l.logger.Error("late exit clamped to lower bound, book has collapsed",
			"trade_id", trade.ID,
			"best_bid", bid,
			"lower_bound", lower,
		)
		price = lower
	}
	if price >= trade.SellPrice.InexactFloat64() {
		// Standing sell is already as good or better.
		return
	}

	l.logger.Info("late exit reprice",
		"trade_id", trade.ID,
		"old_price", trade.SellPrice,
		"new_price", price,
	)
	if _, err := l.mgr.ReplaceSell(ctx, trade, trade.SellOrderID, price, "late_exit"); err != nil {
		l.logger.Warn("late exit replace failed", "trade_id", trade.ID, "error", err)
	}
}

// OnBuyFilled cancels the sibling bid and places the profit-take for the
// filled side.
func (l *LimitBuy) OnBuyFilled(ctx context.Context, trade *store.Trade) {
	siblings, err := l.store.TradesByMarket(ctx, trade.DeploymentID, trade.MarketID)
	if err != nil {
		l.logger.Error("sibling lookup failed", "trade_id", trade.ID, "error", err)
	} else {
		for i := range siblings {
			sib := &siblings[i]
			if sib.ID == trade.ID || sib.BuyOrderID == "" {
				continue
			}
			if sib.BuyStatus != store.StatusOpen && sib.BuyStatus != store.StatusPartial {
				continue
			}
			l.logger.Info("cancelling sibling bid",
				"filled_trade", trade.ID, "sibling_trade", sib.ID)
			if err := l.mgr.CancelBuy(ctx, sib.BuyOrderID, "sibling filled"); err != nil {
				l.logger.Warn("sibling cancel failed", "trade_id", sib.ID, "error", err)
			}
		}
	}

	if err := l.PlaceExit(ctx, trade); err != nil {
		l.logger.Error("exit placement failed", "trade_id", trade.ID, "error", err)
	}
}

// PlaceExit sells the filled side at the configured profit-take price.
func (l *LimitBuy) PlaceExit(ctx context.Context, trade *store.Trade) error {
	shares := math.Floor(trade.BuyFilledShares.InexactFloat64())
	return l.mgr.PlaceSell(ctx, trade, l.cfg.SellPrice, shares, "limit_exit")
}

// pruneEnded drops markets whose period ended with nothing at stake.
func (l *LimitBuy) pruneEnded(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for slug, m := range l.monitored {
		if now.Before(m.EndDate) {
			continue
		}
		has, err := l.store.HasBetOnMarket(ctx, slug)
		if err != nil || has {
			continue
		}
		delete(l.monitored, slug)
		delete(l.attempted, slug)
	}
}
