package orders

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"polytrader/internal/exchange"
	"polytrader/internal/store"
	"polytrader/pkg/types"
)

const (
	// activePace is the reconciler cadence while any order is tracked.
	activePace = 2 * time.Second

	// sellRetryAge is how old a sell-less filled buy must be before the
	// retry sweep re-invokes exit placement.
	sellRetryAge = 30 * time.Second
)

// Reconciler folds exchange evidence into the store. One loop, three
// sources per tick: trade history, the open-orders listing, and per-order
// lookups. WebSocket user events feed HandleOrderEvent/HandleTradeEvent
// for instant reaction; the polling tick continues as backup.
type Reconciler struct {
	mgr      *Manager
	idlePace time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a reconciler over the manager's registry.
func NewReconciler(mgr *Manager, idlePace time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		mgr:      mgr,
		idlePace: idlePace,
		logger:   logger.With("component", "reconciler"),
	}
}

// Run drives the reconciliation loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		pace := r.idlePace
		if r.mgr.HasTracked() {
			pace = activePace
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
		r.tick(ctx)
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	r.scanFillHistory(ctx)
	r.diffOpenOrders(ctx)
	r.probeOrders(ctx)
	r.retryMissingSells(ctx)
}

// scanFillHistory matches trade-history records against tracked order ids.
// Our id appears either as taker_order_id or inside maker_orders.
func (r *Reconciler) scanFillHistory(ctx context.Context) {
	snap := r.mgr.snapshot()
	if len(snap) == 0 {
		return
	}

	markets := make(map[string]bool)
	for _, t := range snap {
		markets[t.market] = true
	}

	for market := range markets {
		fills, err := r.mgr.gw.GetTrades(ctx, types.TradeParams{Market: market})
		if err != nil {
			r.logger.Warn("fill history scan failed", "market", market, "error", err)
			continue
		}
		for _, fill := range fills {
			// A FAILED settlement is not a fill.
			if strings.EqualFold(fill.Status, "FAILED") {
				continue
			}
			if t, ok := snap[fill.TakerOrderID]; ok {
				r.applyFill(ctx, fill.TakerOrderID, t, parseFloat(fill.Size), parseFloat(fill.Price))
			}
			for _, mo := range fill.MakerOrders {
				if t, ok := snap[mo.OrderID]; ok {
					r.applyFill(ctx, mo.OrderID, t, parseFloat(mo.MatchedAmount), parseFloat(mo.Price))
				}
			}
		}
	}
}

// diffOpenOrders compares the registry against the exchange's open-orders
// listing. An id missing from the listing is never acted on by itself: a
// corroborating get_order must confirm the terminal state first, because
// the listing lags both fills and cancels.
func (r *Reconciler) diffOpenOrders(ctx context.Context) {
	snap := r.mgr.snapshot()
	if len(snap) == 0 {
		return
	}

	open, err := r.mgr.gw.GetOpenOrders(ctx, "", "")
	if err != nil {
		r.logger.Warn("open orders listing failed", "error", err)
		return
	}
	live := make(map[string]bool, len(open))
	for _, o := range open {
		live[o.ID] = true
	}

	for orderID, t := range snap {
		if live[orderID] {
			continue
		}
		o, err := r.mgr.gw.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				r.noteNotFound(ctx, orderID, t)
			}
			continue
		}
		st := FromOpenOrder(o)
		switch {
		case st.Filled():
			r.applyFill(ctx, orderID, t, fillShares(st, t), st.Price)
		case Cancelled(st.Status):
			r.recordCancelled(ctx, orderID, t, "cancelled on exchange")
		}
		// Still live: the listing lagged, leave it tracked.
	}
}

// probeOrders runs the per-order get_order pass: partial fills, stale-open
// cancellation, market-end cancellation, and stop-loss re-pricing.
func (r *Reconciler) probeOrders(ctx context.Context) {
	snap := r.mgr.snapshot()
	for orderID, t := range snap {
		o, err := r.mgr.gw.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				r.noteNotFound(ctx, orderID, t)
			} else {
				r.logger.Warn("order probe failed", "order_id", orderID, "error", err)
			}
			continue
		}
		r.resetNotFound(orderID)

		st := FromOpenOrder(o)
		switch {
		case st.Filled():
			r.applyFill(ctx, orderID, t, fillShares(st, t), st.Price)

		case st.PartiallyFilled():
			r.applyPartial(ctx, orderID, t, st)

		case Cancelled(st.Status):
			r.recordCancelled(ctx, orderID, t, "cancelled on exchange")

		case IsLive(st.Status):
			r.handleLive(ctx, orderID, t)
		}
	}
}

// handleLive applies the zero-fill policies to a still-working order.
func (r *Reconciler) handleLive(ctx context.Context, orderID string, t tracked) {
	if t.side == types.BUY {
		if !t.endTime.IsZero() && time.Now().After(t.endTime) {
			if err := r.mgr.CancelBuy(ctx, orderID, "market ended before fill"); err != nil {
				r.logger.Warn("cancel ended-market buy", "order_id", orderID, "error", err)
			}
			return
		}
		if r.mgr.opts.CancelStaleBuys {
			checks := r.bumpOpenChecks(orderID)
			if checks >= staleOpenLimit {
				if err := r.mgr.CancelBuy(ctx, orderID, "stale open order, no fills"); err != nil {
					r.logger.Warn("cancel stale buy", "order_id", orderID, "error", err)
				}
			}
		}
		return
	}

	// Stop-loss sells are chased toward the bid; the resting 0.99
	// profit-take is left alone.
	if r.mgr.opts.RepriceStopLoss && t.price < r.mgr.opts.ProfitTakePrice {
		r.maybeReprice(ctx, orderID, t)
	}
}

// maybeReprice chases an unfilled stop-loss sell down by the margin, floor
// 0.01, at most maxReprices times.
func (r *Reconciler) maybeReprice(ctx context.Context, orderID string, t tracked) {
	if t.reprices >= maxReprices {
		return
	}
	restingSince := t.placedAt
	if !t.lastReprice.IsZero() {
		restingSince = t.lastReprice
	}
	if time.Since(restingSince) < repriceAfter {
		return
	}

	step := r.mgr.opts.SellMargin
	if step < 0.01 {
		step = 0.01
	}
	newPrice := t.price - step
	if newPrice < 0.01 {
		newPrice = 0.01
	}
	if newPrice >= t.price {
		return
	}

	trade, err := r.mgr.store.GetTrade(ctx, t.tradeID)
	if err != nil {
		r.logger.Error("load trade for reprice", "trade_id", t.tradeID, "error", err)
		return
	}
	r.logger.Info("repricing stop-loss sell",
		"trade_id", t.tradeID,
		"order_id", orderID,
		"old_price", t.price,
		"new_price", newPrice,
		"reprice", t.reprices+1,
	)
	newID, err := r.mgr.ReplaceSell(ctx, trade, orderID, newPrice, t.reason)
	if err != nil {
		r.logger.Warn("reprice failed", "order_id", orderID, "error", err)
		return
	}
	r.bumpReprices(newID, t.reprices+1)
}

// retryMissingSells re-invokes exit placement for filled trades whose sell
// never made it onto the book.
func (r *Reconciler) retryMissingSells(ctx context.Context) {
	if r.mgr.hooks.PlaceExit == nil {
		return
	}
	trades, err := r.mgr.store.FilledWithoutSell(ctx, sellRetryAge)
	if err != nil {
		r.logger.Warn("filled-without-sell sweep failed", "error", err)
		return
	}
	for i := range trades {
		trade := &trades[i]
		r.logger.Info("retrying missing sell", "trade_id", trade.ID)
		if err := r.mgr.hooks.PlaceExit(ctx, trade); err != nil {
			r.logger.Warn("exit retry failed", "trade_id", trade.ID, "error", err)
		}
	}
}

// HandleOrderEvent applies a user-channel order event immediately.
func (r *Reconciler) HandleOrderEvent(ctx context.Context, evt types.WSOrderEvent) {
	t := r.mgr.lookup(evt.ID)
	if t == nil {
		return
	}
	st := FromOrderEvent(evt)
	switch {
	case st.Filled():
		r.applyFill(ctx, evt.ID, *t, fillShares(st, *t), st.Price)
	case st.PartiallyFilled():
		r.applyPartial(ctx, evt.ID, *t, st)
	case evt.Type == "CANCELLATION" || Cancelled(st.Status):
		r.recordCancelled(ctx, evt.ID, *t, "cancelled on exchange")
	}
}

// HandleTradeEvent applies a user-channel trade (fill) event immediately.
func (r *Reconciler) HandleTradeEvent(ctx context.Context, evt types.WSTradeEvent) {
	if strings.EqualFold(evt.Status, "FAILED") {
		return
	}
	if t := r.mgr.lookup(evt.TakerOrderID); t != nil {
		r.applyFill(ctx, evt.TakerOrderID, *t, parseFloat(evt.Size), parseFloat(evt.Price))
	}
	for _, mo := range evt.MakerOrders {
		if t := r.mgr.lookup(mo.OrderID); t != nil {
			r.applyFill(ctx, mo.OrderID, *t, parseFloat(mo.MatchedAmount), parseFloat(mo.Price))
		}
	}
}

// applyFill routes confirmed fill evidence to the right sub-machine.
// Shares fall back to the ordered size when the record omits them.
func (r *Reconciler) applyFill(ctx context.Context, orderID string, t tracked, shares, price float64) {
	if shares <= 0 {
		shares = t.size
	}
	status := store.StatusFilled
	if shares < t.size {
		status = store.StatusPartial
	}
	if t.side == types.BUY {
		r.mgr.applyBuyFill(ctx, orderID, shares, price, status)
	} else {
		r.mgr.applySellFill(ctx, orderID, shares, price, status)
	}
}

func (r *Reconciler) applyPartial(ctx context.Context, orderID string, t tracked, st State) {
	if t.side == types.BUY {
		r.mgr.applyBuyFill(ctx, orderID, st.SizeMatched, st.Price, store.StatusPartial)
	} else {
		r.mgr.applySellFill(ctx, orderID, st.SizeMatched, st.Price, store.StatusPartial)
	}
}

func (r *Reconciler) recordCancelled(ctx context.Context, orderID string, t tracked, reason string) {
	var err error
	if t.side == types.BUY {
		err = r.mgr.store.UpdateBuyStatus(ctx, t.tradeID, store.StatusCancelled, reason)
	} else {
		err = r.mgr.store.UpdateSellStatus(ctx, t.tradeID, store.StatusCancelled, reason)
	}
	if err != nil {
		r.logger.Error("record cancel", "trade_id", t.tradeID, "error", err)
		return
	}
	r.mgr.untrack(orderID)
	r.logger.Info("order cancelled on exchange", "trade_id", t.tradeID, "order_id", orderID)
}

// noteNotFound counts consecutive 404s; after the limit the probe is
// abandoned and the row marked cancelled. History and open-orders scans
// would still upgrade the row if late fill evidence appears.
func (r *Reconciler) noteNotFound(ctx context.Context, orderID string, t tracked) {
	r.mgr.mu.Lock()
	entry, ok := r.mgr.orders[orderID]
	if !ok {
		r.mgr.mu.Unlock()
		return
	}
	entry.notFound++
	n := entry.notFound
	r.mgr.mu.Unlock()

	if n < notFoundLimit {
		return
	}
	r.logger.Warn("order unknown to exchange, abandoning probe",
		"order_id", orderID, "trade_id", t.tradeID, "checks", n)
	r.recordCancelled(ctx, orderID, t, "order not found on exchange")
}

func (r *Reconciler) resetNotFound(orderID string) {
	r.mgr.mu.Lock()
	if entry, ok := r.mgr.orders[orderID]; ok {
		entry.notFound = 0
	}
	r.mgr.mu.Unlock()
}

func (r *Reconciler) bumpOpenChecks(orderID string) int {
	r.mgr.mu.Lock()
	defer r.mgr.mu.Unlock()
	entry, ok := r.mgr.orders[orderID]
	if !ok {
		return 0
	}
	entry.openChecks++
	return entry.openChecks
}

func (r *Reconciler) bumpReprices(orderID string, n int) {
	r.mgr.mu.Lock()
	if entry, ok := r.mgr.orders[orderID]; ok {
		entry.reprices = n
		entry.lastReprice = time.Now()
	}
	r.mgr.mu.Unlock()
}

// fillShares picks the share count from a parsed order state, falling back
// to the tracked size.
func fillShares(st State, t tracked) float64 {
	if st.SizeMatched > 0 {
		return st.SizeMatched
	}
	if st.OriginalSize > 0 {
		return st.OriginalSize
	}
	return t.size
}
