// Package resolution finalizes trades once their market's period ends:
// it reconciles the final state of the sell order, determines the winning
// side from the published outcome prices, computes fee-adjusted PnL, and
// advances the bankroll.
//
// The resolver owns the principal. Every other component reads it through
// the Principal accessor; only resolution writes it, and each write is
// derived from the trade's own principal_before rather than the in-memory
// value, so a drifted bankroll heals itself at the next resolution.
package resolution

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polytrader/internal/config"
	"polytrader/internal/exchange"
	"polytrader/internal/fees"
	"polytrader/internal/orders"
	"polytrader/internal/store"
	"polytrader/pkg/types"
)

// Timing knobs are variables so tests can shrink them.
var (
	// settleWait is the pause after market end before the final sell
	// reconciliation starts, giving the exchange time to settle matches.
	settleWait = 5 * time.Second

	// recheckInterval spaces the get_order re-checks of the sell order.
	recheckInterval = 3 * time.Second
)

// recheckAttempts bounds the final sell reconciliation loop.
const recheckAttempts = 10

// driftTolerance is the largest in-memory vs computed principal gap that
// passes without a warning.
var driftTolerance = decimal.NewFromFloat(0.01)

// MarketSource answers slug lookups. Satisfied by *market.Catalog.
type MarketSource interface {
	BySlug(ctx context.Context, slug string) (*types.MarketInfo, error)
}

// OrderSource is the slice of the exchange the resolver needs.
type OrderSource interface {
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// sellOutcome classifies the final state of a trade's sell order.
type sellOutcome int

const (
	sellUnfilled sellOutcome = iota
	sellPartial
	sellFilled
)

// Resolver polls unresolved trades and settles them against the market's
// published outcome.
type Resolver struct {
	cfg      *config.Config
	catalog  MarketSource
	gw       OrderSource
	store    *store.Store
	deployID string
	interval time.Duration
	logger   *slog.Logger

	// OnResolved, when set, is called after each successful resolution.
	OnResolved func(trade *store.Trade)

	mu        sync.Mutex
	principal decimal.Decimal
}

// NewResolver builds a resolver. Call RecoverPrincipal before Run.
func NewResolver(
	cfg *config.Config,
	catalog MarketSource,
	gw OrderSource,
	st *store.Store,
	deployID string,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		cfg:      cfg,
		catalog:  catalog,
		gw:       gw,
		store:    st,
		deployID: deployID,
		interval: 30 * time.Second,
		logger:   logger.With("component", "resolver"),
	}
}

// Principal returns the current bankroll.
func (r *Resolver) Principal() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.principal
}

func (r *Resolver) setPrincipal(p decimal.Decimal) {
	r.mu.Lock()
	r.principal = p
	r.mu.Unlock()
}

// RecoverPrincipal seeds the bankroll from the most recent resolved trade
// of this deployment, falling back to the configured initial principal.
func (r *Resolver) RecoverPrincipal(ctx context.Context) error {
	p, found, err := r.store.LatestPrincipal(ctx, r.deployID)
	if err != nil {
		return err
	}
	if !found {
		p = decimal.NewFromFloat(r.cfg.InitialPrincipal)
		r.logger.Info("no resolved trades for deployment, using initial principal",
			"deployment_id", r.deployID, "principal", p)
	} else {
		r.logger.Info("principal recovered from trade history",
			"deployment_id", r.deployID, "principal", p)
	}
	r.setPrincipal(p)
	return nil
}

// Run polls for resolvable trades until the context is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep resolves every trade whose market has ended and published a winner.
func (r *Resolver) Sweep(ctx context.Context) {
	trades, err := r.store.Unresolved(ctx)
	if err != nil {
		r.logger.Error("unresolved sweep failed", "error", err)
		return
	}

	now := time.Now()
	for i := range trades {
		trade := &trades[i]
		m, err := r.catalog.BySlug(ctx, trade.Slug)
		if err != nil {
			r.logger.Warn("market lookup failed", "slug", trade.Slug, "error", err)
			continue
		}
		if m.Running(now) || (m.Active && !m.Closed && now.Before(m.EndDate)) {
			continue
		}
		winner, ok := winningSide(m.OutcomePrices)
		if !ok {
			// Period ended but the outcome is not published yet.
			continue
		}
		r.resolve(ctx, trade, m, winner)
		if ctx.Err() != nil {
			return
		}
	}
}

// winningSide reads the published outcome prices: the outcome whose final
// price is 1.0 wins. Index 0 is YES, index 1 is NO.
func winningSide(prices []float64) (string, bool) {
	if len(prices) < 2 {
		return "", false
	}
	switch {
	case prices[0] == 1.0:
		return string(types.OutcomeYes), true
	case prices[1] == 1.0:
		return string(types.OutcomeNo), true
	}
	return "", false
}

func (r *Resolver) resolve(ctx context.Context, trade *store.Trade, m *types.MarketInfo, winner string) {
	r.logger.Info("resolving trade",
		"trade_id", trade.ID,
		"slug", trade.Slug,
		"side", trade.OrderSide,
		"winner", winner,
	)

	if !sleepCtx(ctx, settleWait) {
		return
	}
	outcome := r.finalizeSell(ctx, trade)

	// Re-read: finalizeSell may have recorded a late fill.
	fresh, err := r.store.GetTrade(ctx, trade.ID)
	if err != nil {
		r.logger.Error("trade re-read failed", "trade_id", trade.ID, "error", err)
		return
	}

	outcomePrice := betSidePrice(trade.OrderSide, m.OutcomePrices)
	betWon := trade.OrderSide == winner
	payout, net := settle(fresh, outcome, outcomePrice, betWon)

	denom := fresh.BuyDollarsSpent.Add(fresh.BuyFee)
	roi := decimal.Zero
	if !denom.IsZero() {
		roi = net.Div(denom).Round(6)
	}

	// The trade's own snapshot is the source of truth; the in-memory
	// bankroll is corrected to match.
	principalBefore := fresh.PrincipalBefore
	if principalBefore.IsZero() {
		principalBefore = r.Principal()
		r.logger.Warn("trade missing principal snapshot, using in-memory value",
			"trade_id", trade.ID, "principal", principalBefore)
	}
	newPrincipal := principalBefore.Add(net)
	if drift := r.Principal().Add(net).Sub(newPrincipal).Abs(); drift.GreaterThan(driftTolerance) {
		r.logger.Warn("principal drift detected, trusting trade ledger",
			"trade_id", trade.ID,
			"in_memory", r.Principal(),
			"principal_before", principalBefore,
			"drift", drift,
		)
	}

	err = r.store.UpdateResolution(ctx, trade.ID,
		decimal.NewFromFloat(outcomePrice), payout, net, roi, newPrincipal, betWon, winner)
	if err != nil {
		r.logger.Error("resolution write failed", "trade_id", trade.ID, "error", err)
		return
	}
	r.setPrincipal(newPrincipal)

	r.logger.Info("trade resolved",
		"trade_id", trade.ID,
		"won", betWon,
		"payout", payout,
		"net", net,
		"roi", roi,
		"principal", newPrincipal,
	)

	if r.OnResolved != nil {
		if resolved, err := r.store.GetTrade(ctx, trade.ID); err == nil {
			r.OnResolved(resolved)
		}
	}
}

// finalizeSell classifies the sell order's terminal state, re-checking the
// exchange up to recheckAttempts times. An order still live after all the
// re-checks is cancelled, after confirming it belongs to this trade.
func (r *Resolver) finalizeSell(ctx context.Context, trade *store.Trade) sellOutcome {
	if trade.SellOrderID == "" {
		return sellUnfilled
	}

	var last *orders.State
	for attempt := 0; attempt < recheckAttempts; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, recheckInterval) {
			break
		}
		o, err := r.gw.GetOrder(ctx, trade.SellOrderID)
		if errors.Is(err, exchange.ErrOrderNotFound) {
			last = nil
			break
		}
		if err != nil {
			r.logger.Warn("sell re-check failed",
				"trade_id", trade.ID, "attempt", attempt+1, "error", err)
			continue
		}
		st := orders.FromOpenOrder(o)
		last = &st
		if st.Filled() {
			r.recordSellFill(ctx, trade, st, store.StatusFilled)
			return sellFilled
		}
		if !orders.IsLive(st.Status) {
			break
		}
	}

	if last != nil && orders.IsLive(last.Status) {
		r.cancelLeftoverSell(ctx, trade, last)
		if last.PartiallyFilled() {
			r.recordSellFill(ctx, trade, *last, store.StatusPartial)
			return sellPartial
		}
		return sellUnfilled
	}
	if last != nil && last.PartiallyFilled() {
		r.recordSellFill(ctx, trade, *last, store.StatusPartial)
		return sellPartial
	}
	return sellUnfilled
}

// cancelLeftoverSell pulls a sell that survived the market, verifying the
// order actually belongs to this trade before cancelling.
func (r *Resolver) cancelLeftoverSell(ctx context.Context, trade *store.Trade, st *orders.State) {
	if (st.Market != "" && st.Market != trade.MarketID) ||
		(st.AssetID != "" && st.AssetID != trade.TokenID) {
		r.logger.Error("sell order does not match trade, refusing to cancel",
			"trade_id", trade.ID,
			"order_id", st.ID,
			"order_market", st.Market,
			"trade_market", trade.MarketID,
			"order_asset", st.AssetID,
			"trade_token", trade.TokenID,
		)
		return
	}
	if err := r.gw.CancelOrder(ctx, trade.SellOrderID); err != nil {
		r.logger.Warn("leftover sell cancel failed",
			"trade_id", trade.ID, "order_id", trade.SellOrderID, "error", err)
		return
	}
	if !st.PartiallyFilled() {
		if err := r.store.UpdateSellStatus(ctx, trade.ID, store.StatusCancelled, "market resolved before fill"); err != nil {
			r.logger.Error("record leftover cancel", "trade_id", trade.ID, "error", err)
		}
	}
}

func (r *Resolver) recordSellFill(ctx context.Context, trade *store.Trade, st orders.State, status string) {
	received := decimal.NewFromFloat(st.SizeMatched * st.Price)
	fee := fees.Fee(st.Price, received)
	err := r.store.UpdateSellFill(ctx, trade.ID, status,
		decimal.NewFromFloat(st.SizeMatched), received, fee)
	if err != nil {
		r.logger.Error("record final sell fill", "trade_id", trade.ID, "error", err)
	}
}

// betSidePrice picks the published final price of the side the trade bet on.
func betSidePrice(side string, prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	if strings.EqualFold(side, string(types.OutcomeYes)) {
		return prices[0]
	}
	return prices[1]
}

// settle computes the payout and the net result of the trade, fees counted
// on both legs.
func settle(trade *store.Trade, outcome sellOutcome, outcomePrice float64, betWon bool) (payout, net decimal.Decimal) {
	spent := trade.BuyDollarsSpent.Add(trade.BuyFee)

	switch outcome {
	case sellFilled:
		payout = trade.SellDollarsReceived
		net = payout.Sub(trade.SellFee).Sub(spent)

	case sellPartial:
		payout = trade.SellDollarsReceived
		sellFee := trade.SellFee
		if betWon {
			unsold := trade.BuyFilledShares.Sub(trade.SellSharesFilled)
			if unsold.IsNegative() {
				unsold = decimal.Zero
			}
			residual := unsold.Mul(decimal.NewFromFloat(outcomePrice))
			payout = payout.Add(residual)
			sellFee = sellFee.Add(fees.Fee(outcomePrice, residual))
		}
		net = payout.Sub(sellFee).Sub(spent)

	default: // sellUnfilled
		if !betWon {
			return decimal.Zero, spent.Neg()
		}
		payout = trade.BuyFilledShares.Mul(decimal.NewFromFloat(outcomePrice))
		net = payout.Sub(fees.Fee(1.0, payout)).Sub(spent)
	}
	return payout, net
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
