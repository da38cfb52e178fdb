package strategy

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"polytrader/internal/config"
	"polytrader/internal/exchange"
	"polytrader/internal/market"
	"polytrader/internal/orders"
	"polytrader/internal/store"
	"polytrader/pkg/types"
)

// sellRevalidationWindow is how recent a "filled" stop-loss sell must be
// for the monitor to double-check it against the exchange.
const sellRevalidationWindow = 2 * time.Minute

// Threshold buys the favored side of an up/down market when its ask
// crosses buy_threshold, exits at the profit-take price, and optionally
// runs a stop-loss monitor that chases a collapsing book.
type Threshold struct {
	cfg       *config.Config
	books     *market.Cache
	catalog   *market.Catalog
	mgr       *orders.Manager
	store     *store.Store
	principal PrincipalSource
	balances  BalanceSource
	gw        orders.Gateway
	logger    *slog.Logger

	mu        sync.Mutex
	monitored map[string]types.MarketInfo // slug -> market
	betSlugs  map[string]bool             // reservation set, slug -> reserved
}

// NewThreshold builds the threshold strategy.
func NewThreshold(
	cfg *config.Config,
	books *market.Cache,
	catalog *market.Catalog,
	mgr *orders.Manager,
	st *store.Store,
	principal PrincipalSource,
	gw orders.Gateway,
	logger *slog.Logger,
) *Threshold {
	return &Threshold{
		cfg:       cfg,
		books:     books,
		catalog:   catalog,
		mgr:       mgr,
		store:     st,
		principal: principal,
		balances:  gw,
		gw:        gw,
		logger:    logger.With("strategy", "threshold"),
		monitored: make(map[string]types.MarketInfo),
		betSlugs:  make(map[string]bool),
	}
}

func (t *Threshold) Name() string { return config.StrategyThreshold }

// OnMarketsDetected merges the sweep into the monitored set. A market with
// a bet on it stays monitored after its period ends so the stop-loss
// monitor and the resolver still see it; markets never bet on are pruned
// once ended.
func (t *Threshold) OnMarketsDetected(ctx context.Context, markets []types.MarketInfo) []types.MarketInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []types.MarketInfo
	for _, m := range markets {
		if _, ok := t.monitored[m.Slug]; !ok {
			fresh = append(fresh, m)
			t.logger.Info("monitoring market", "slug", m.Slug, "ends", m.EndDate)
		}
		t.monitored[m.Slug] = m
	}

	now := time.Now()
	for slug, m := range t.monitored {
		if now.Before(m.EndDate) {
			continue
		}
		if t.betSlugs[slug] {
			continue
		}
		has, err := t.store.HasBetOnMarket(ctx, slug)
		if err != nil || has {
			continue
		}
		delete(t.monitored, slug)
	}
	return fresh
}

// Tick evaluates entries for every running monitored market and runs the
// stop-loss monitor over filled trades.
func (t *Threshold) Tick(ctx context.Context) {
	t.mu.Lock()
	markets := make([]types.MarketInfo, 0, len(t.monitored))
	for _, m := range t.monitored {
		markets = append(markets, m)
	}
	t.mu.Unlock()

	now := time.Now()
	for _, m := range markets {
		if m.Running(now) {
			t.evaluateEntry(ctx, m)
		}
	}
	if t.cfg.SellThreshold > 0 {
		t.monitorStopLoss(ctx)
	}
}

// evaluateEntry runs the pre-trade gates in order and places the buy when
// the book triggers. Any gate failure aborts without state change.
func (t *Threshold) evaluateEntry(ctx context.Context, m types.MarketInfo) {
	// Capital is serialized: one position at a time across the deployment.
	if t.mgr.OpenBuyCount() > 0 || t.mgr.OpenSellCount() > 0 {
		return
	}
	if open, err := t.store.OpenBuys(ctx); err != nil || len(open) > 0 {
		return
	}
	if open, err := t.store.OpenSells(ctx); err != nil || len(open) > 0 {
		return
	}

	principal := t.principal.Principal().InexactFloat64()
	if principal < minBetDollars {
		return
	}

	if t.hasBet(ctx, m.Slug) {
		return
	}
	if !m.Active || !m.AcceptingOrders {
		return
	}

	yesBook, err := t.books.Book(ctx, m.YesTokenID)
	if err != nil {
		t.logger.Warn("yes book unavailable", "slug", m.Slug, "error", err)
		return
	}
	noBook, err := t.books.Book(ctx, m.NoTokenID)
	if err != nil {
		t.logger.Warn("no book unavailable", "slug", m.Slug, "error", err)
		return
	}

	side, ask, ok := market.CheckThreshold(yesBook, noBook, t.cfg.BuyThreshold)
	if !ok {
		return
	}
	if ask > t.cfg.UpperThreshold {
		t.logger.Debug("ask beyond upper threshold", "slug", m.Slug, "side", side, "ask", ask)
		return
	}

	if t.cfg.MaxMinutesBeforeResolution > 0 {
		minutes, known := t.catalog.MinutesUntilResolution(&m)
		if !known || minutes > t.cfg.MaxMinutesBeforeResolution {
			return
		}
	}

	price := math.Min(t.cfg.BuyThreshold+t.cfg.BuyMargin, math.Min(t.cfg.UpperThreshold, 0.99))
	amount := KellyAmount(principal, t.cfg.KellyFraction, t.cfg.KellyScaleFactor, t.cfg.DollarBetLimit)
	shares, err := SharesForInvestment(amount, price, t.cfg.DollarBetLimit)
	if err != nil {
		t.logger.Warn("sizing rejected", "slug", m.Slug, "amount", amount, "price", price, "error", err)
		return
	}

	if !t.walletCovers(ctx, shares*price) {
		t.logger.Warn("wallet balance below bet size", "slug", m.Slug, "cost", shares*price)
		return
	}

	// Reserve the slug before placing so YES and NO cannot both fire in
	// one pass; rolled back on failure.
	if !t.reserve(m.Slug) {
		return
	}
	if has, err := t.store.HasBetOnMarket(ctx, m.Slug); err != nil || has {
		t.release(m.Slug)
		return
	}

	t.logger.Info("threshold trigger",
		"slug", m.Slug,
		"side", side,
		"ask", ask,
		"price", price,
		"shares", shares,
	)

	// MarketID carries the CTF condition id so the row lines up with the
	// CLOB's trade-history and order responses.
	trade := &store.Trade{
		MarketID:        m.ConditionID,
		Slug:            m.Slug,
		TokenID:         m.TokenID(side),
		OrderSide:       string(side),
		Strategy:        config.StrategyThreshold,
		PrincipalBefore: t.principal.Principal(),
	}
	order := types.UserOrder{
		TokenID:   m.TokenID(side),
		Price:     price,
		Size:      shares,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
		TickSize:  m.TickSize,
		NegRisk:   m.NegRisk,
	}
	if _, err := t.mgr.PlaceBuy(ctx, trade, order, m.EndDate); err != nil {
		t.logger.Error("buy placement failed", "slug", m.Slug, "error", err)
		t.release(m.Slug)
	}
}

// OnBuyFilled places the profit-take exit immediately after the buy fills.
func (t *Threshold) OnBuyFilled(ctx context.Context, trade *store.Trade) {
	if err := t.PlaceExit(ctx, trade); err != nil {
		t.logger.Error("exit placement failed", "trade_id", trade.ID, "error", err)
	}
}

// PlaceExit sells the filled shares at the profit-take price.
func (t *Threshold) PlaceExit(ctx context.Context, trade *store.Trade) error {
	shares := math.Floor(trade.BuyFilledShares.InexactFloat64())
	return t.mgr.PlaceSell(ctx, trade, t.mgr.ProfitTakePrice(), shares, "limit_exit")
}

// monitorStopLoss watches every filled, unresolved trade on a monitored
// market and swaps the resting profit-take for a stop-loss sell when the
// bid collapses below sell_threshold.
func (t *Threshold) monitorStopLoss(ctx context.Context) {
	trades, err := t.store.Unresolved(ctx)
	if err != nil {
		t.logger.Warn("stop-loss sweep failed", "error", err)
		return
	}
	now := time.Now()
	for i := range trades {
		trade := &trades[i]
		if trade.BuyStatus != store.StatusFilled {
			continue
		}
		m, watched := t.lookupMonitored(trade.Slug)
		if !watched || !m.Running(now) {
			continue
		}
		t.checkStopLoss(ctx, trade)
	}
}

func (t *Threshold) checkStopLoss(ctx context.Context, trade *store.Trade) {
	// A sell flagged filled moments ago may be WS optimism; revalidate
	// against the exchange and revert when the order is actually live.
	if trade.SellStatus == store.StatusFilled && trade.SellFilledAt != nil &&
		time.Since(*trade.SellFilledAt) < sellRevalidationWindow {
		o, err := t.gw.GetOrder(ctx, trade.SellOrderID)
		if err == nil {
			st := orders.FromOpenOrder(o)
			if orders.IsLive(st.Status) && !st.Filled() {
				t.logger.Warn("sell fill flag reverted, order still live",
					"trade_id", trade.ID, "order_id", trade.SellOrderID)
				if uerr := t.store.UpdateSellStatus(ctx, trade.ID, store.StatusOpen, "fill flag reverted"); uerr != nil {
					t.logger.Error("revert sell status", "trade_id", trade.ID, "error", uerr)
					return
				}
				trade.SellStatus = store.StatusOpen
			}
		}
	}
	if trade.SellStatus == store.StatusFilled {
		return
	}

	book, err := t.books.Book(ctx, trade.TokenID)
	if err != nil {
		return
	}
	bid, ok := book.BestBid()
	if !ok || bid >= t.cfg.SellThreshold {
		return
	}

	stopPrice := math.Max(t.cfg.SellThreshold-t.cfg.SellMargin, 0.01)
	switch {
	case trade.SellOrderID == "":
		t.logger.Info("stop-loss trigger, no resting sell",
			"trade_id", trade.ID, "bid", bid, "stop_price", stopPrice)
		shares := math.Floor(trade.BuyFilledShares.InexactFloat64())
		if err := t.mgr.PlaceSell(ctx, trade, stopPrice, shares, "stop_loss"); err != nil {
			t.logger.Error("stop-loss placement failed", "trade_id", trade.ID, "error", err)
		}

	case trade.SellStatus == store.StatusOpen && trade.SellPrice.InexactFloat64() >= t.mgr.ProfitTakePrice():
		t.logger.Info("stop-loss trigger, replacing profit-take",
			"trade_id", trade.ID, "bid", bid, "stop_price", stopPrice)
		if _, err := t.mgr.ReplaceSell(ctx, trade, trade.SellOrderID, stopPrice, "stop_loss"); err != nil {
			t.logger.Error("stop-loss replace failed", "trade_id", trade.ID, "error", err)
		}
	}
}

func (t *Threshold) walletCovers(ctx context.Context, cost float64) bool {
	bal, err := t.balances.GetBalanceAllowance(ctx, exchange.AssetCollateral, "")
	if err != nil {
		t.logger.Warn("balance check failed", "error", err)
		return false
	}
	raw, err := strconv.ParseFloat(bal.Balance, 64)
	if err != nil {
		return false
	}
	// Collateral is reported in 6-decimal USDC base units.
	return raw/1e6 >= cost
}

func (t *Threshold) hasBet(ctx context.Context, slug string) bool {
	t.mu.Lock()
	reserved := t.betSlugs[slug]
	t.mu.Unlock()
	if reserved {
		return true
	}
	has, err := t.store.HasBetOnMarket(ctx, slug)
	if err != nil {
		t.logger.Warn("bet lookup failed", "slug", slug, "error", err)
		return true // fail closed
	}
	return has
}

func (t *Threshold) reserve(slug string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.betSlugs[slug] {
		return false
	}
	t.betSlugs[slug] = true
	return true
}

func (t *Threshold) release(slug string) {
	t.mu.Lock()
	delete(t.betSlugs, slug)
	t.mu.Unlock()
}

func (t *Threshold) lookupMonitored(slug string) (types.MarketInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.monitored[slug]
	return m, ok
}
