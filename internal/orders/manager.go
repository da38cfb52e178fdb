package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polytrader/internal/exchange"
	"polytrader/internal/fees"
	"polytrader/internal/store"
	"polytrader/pkg/types"
)

const (
	// placeRetries bounds order placement attempts before the trade row is
	// marked failed.
	placeRetries = 3

	// staleOpenLimit is how many consecutive zero-fill observations a buy
	// survives before it is cancelled as stale.
	staleOpenLimit = 5

	// notFoundLimit is how many consecutive get_order 404s an order survives
	// before tracking is abandoned and the row marked cancelled.
	notFoundLimit = 3

	// maxReprices caps stop-loss sell chasing.
	maxReprices = 3

	// repriceAfter is how long an unfilled stop-loss sell rests before it
	// is chased down toward the bid.
	repriceAfter = 5 * time.Second
)

// placeBackoff separates buy placement retries. Variable so tests can
// shrink it.
var placeBackoff = 5 * time.Second

// sellRetryDelays is the backoff ladder between sell placement attempts.
// The first attempt already waited SettleWait for the shares to settle.
var sellRetryDelays = []time.Duration{
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Gateway is the slice of the exchange client the order layer uses.
// Satisfied by exchange.Client; tests substitute a fake.
type Gateway interface {
	PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error)
	GetOpenOrders(ctx context.Context, market, assetID string) ([]types.OpenOrder, error)
	GetTrades(ctx context.Context, params types.TradeParams) ([]types.TradeFill, error)
	GetBalanceAllowance(ctx context.Context, assetType, tokenID string) (*types.BalanceAllowance, error)
	GetBalanceAllowanceFor(ctx context.Context, assetType, tokenID string, signatureType int) (*types.BalanceAllowance, error)
	UpdateBalanceAllowance(ctx context.Context, assetType, tokenID string) error
}

// Options tunes the manager per strategy.
type Options struct {
	DeploymentID string

	// ProfitTakePrice is the resting exit price for threshold trades.
	// TODO: expose as a profit_take_price config key instead of the 0.99 default.
	ProfitTakePrice float64

	// SellMargin sets how far below the stop threshold a chased sell goes.
	SellMargin float64

	// VerifyWait is the pause between posting a sell and confirming it
	// exists on the book. The sell order id is not persisted until the
	// confirmation succeeds.
	VerifyWait time.Duration

	// SettleWait is the pause before the first sell attempt so the bought
	// shares settle on-chain.
	SettleWait time.Duration

	// CheckSellBalance gates sells on the conditional-token balance
	// (limit-buy strategy; threshold sizes sells from the recorded fill).
	CheckSellBalance bool

	// RepriceStopLoss enables chasing unfilled stop-loss sells.
	RepriceStopLoss bool

	// CancelStaleBuys cancels a buy still unfilled after five consecutive
	// status checks. Off for strategies whose bids rest by design.
	CancelStaleBuys bool

	// FunderAddress is the proxy wallet that funds orders. When set, sell
	// sizing probes the direct signer's conditional balance as well, since
	// fills can settle on either wallet.
	FunderAddress string
}

// Hooks are strategy callbacks invoked by the order layer.
type Hooks struct {
	// OnBuyFilled runs synchronously when a buy reaches filled, before the
	// order is untracked. The strategy places the exit here.
	OnBuyFilled func(ctx context.Context, trade *store.Trade)

	// PlaceExit re-places a missing sell for a filled trade. Used by the
	// reconciler's retry sweep.
	PlaceExit func(ctx context.Context, trade *store.Trade) error
}

// tracked is the in-memory registry entry for one working order.
type tracked struct {
	tradeID  string
	side     types.Side
	price    float64
	size     float64
	tokenID  string
	market   string
	tickSize types.TickSize
	negRisk  bool
	endTime  time.Time
	reason   string
	placedAt time.Time

	openChecks  int
	notFound    int
	reprices    int
	lastReprice time.Time
}

// Manager places orders and keeps the working-order registry. All methods
// are safe for concurrent use.
type Manager struct {
	gw     Gateway
	store  *store.Store
	opts   Options
	hooks  Hooks
	logger *slog.Logger

	mu      sync.Mutex
	orders  map[string]*tracked // orderID -> entry
}

// NewManager creates an order manager.
func NewManager(gw Gateway, st *store.Store, opts Options, logger *slog.Logger) *Manager {
	if opts.ProfitTakePrice == 0 {
		opts.ProfitTakePrice = 0.99
	}
	if opts.VerifyWait == 0 {
		opts.VerifyWait = 2 * time.Second
	}
	if opts.SettleWait == 0 {
		opts.SettleWait = 5 * time.Second
	}
	return &Manager{
		gw:     gw,
		store:  st,
		opts:   opts,
		logger: logger.With("component", "orders"),
		orders: make(map[string]*tracked),
	}
}

// SetHooks wires the strategy callbacks. Must be called before the engine
// starts the reconciler.
func (m *Manager) SetHooks(h Hooks) { m.hooks = h }

// ProfitTakePrice returns the resting exit price.
func (m *Manager) ProfitTakePrice() float64 { return m.opts.ProfitTakePrice }

// OpenBuyCount returns the number of tracked working buys.
func (m *Manager) OpenBuyCount() int { return m.countSide(types.BUY) }

// OpenSellCount returns the number of tracked working sells.
func (m *Manager) OpenSellCount() int { return m.countSide(types.SELL) }

func (m *Manager) countSide(side types.Side) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.orders {
		if t.side == side {
			n++
		}
	}
	return n
}

// HasTracked reports whether any order is being tracked; the reconciler
// paces faster when true.
func (m *Manager) HasTracked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders) > 0
}

// PlaceBuy creates the trade row, then posts the buy with retries. The row
// exists before the first post so a crash between post and persist cannot
// orphan an exchange order without a database record. Returns the trade ID.
func (m *Manager) PlaceBuy(ctx context.Context, trade *store.Trade, order types.UserOrder, endTime time.Time) (string, error) {
	trade.BuyPrice = decimal.NewFromFloat(order.Price)
	trade.BuySizeOrdered = decimal.NewFromFloat(order.Size)
	trade.DeploymentID = m.opts.DeploymentID

	tradeID, err := m.store.CreateTrade(ctx, trade)
	if err != nil {
		return "", fmt.Errorf("persist trade: %w", err)
	}

	resp, err := m.postWithRetry(ctx, order)
	if err != nil {
		if uerr := m.store.UpdateBuyStatus(ctx, tradeID, store.StatusFailed, err.Error()); uerr != nil {
			m.logger.Error("mark buy failed", "trade_id", tradeID, "error", uerr)
		}
		return tradeID, fmt.Errorf("place buy: %w", err)
	}

	if err := m.store.SetBuyOrderID(ctx, tradeID, resp.OrderID); err != nil {
		m.logger.Error("persist buy order id", "trade_id", tradeID, "order_id", resp.OrderID, "error", err)
	}

	m.track(resp.OrderID, &tracked{
		tradeID:  tradeID,
		side:     types.BUY,
		price:    order.Price,
		size:     order.Size,
		tokenID:  order.TokenID,
		market:   trade.MarketID,
		tickSize: order.TickSize,
		negRisk:  order.NegRisk,
		endTime:  endTime,
		placedAt: time.Now(),
	})

	m.logger.Info("buy placed",
		"trade_id", tradeID,
		"order_id", resp.OrderID,
		"token_id", order.TokenID,
		"price", order.Price,
		"size", order.Size,
	)

	// An immediate match is reported in the placement response.
	if resp.Status == "matched" {
		m.applyBuyFill(ctx, resp.OrderID, order.Size, order.Price, store.StatusFilled)
	}
	return tradeID, nil
}

// postWithRetry posts an order up to placeRetries times. Balance and
// terminal rejections abort immediately; transient errors back off and
// retry.
func (m *Manager) postWithRetry(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= placeRetries; attempt++ {
		resp, err := m.gw.PostOrder(ctx, order)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, exchange.ErrInsufficientBalance) || errors.Is(err, exchange.ErrTerminalOrder) {
			return nil, err
		}
		lastErr = err
		m.logger.Warn("order post failed",
			"attempt", attempt,
			"token_id", order.TokenID,
			"side", order.Side,
			"error", err,
		)
		if attempt < placeRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(placeBackoff):
			}
		}
	}
	return nil, lastErr
}

// PlaceSell posts a sell for a filled trade and verifies it landed on the
// book before persisting its order ID. An unverified sell is retried from
// scratch; the store never records a sell the exchange cannot confirm.
// Balance and transport errors walk the retry ladder; a terminal rejection
// or ladder exhaustion marks the sell failed and the reconciler's retry
// sweep picks the trade up later.
func (m *Manager) PlaceSell(ctx context.Context, trade *store.Trade, price, size float64, reason string) error {
	return m.placeSell(ctx, trade, price, size, reason, true)
}

func (m *Manager) placeSell(ctx context.Context, trade *store.Trade, price, size float64, reason string, settle bool) error {
	if settle {
		if !sleepCtx(ctx, m.opts.SettleWait) {
			return ctx.Err()
		}
	}

	size = m.clampSellSize(ctx, trade, size)
	if size < 1 {
		err := fmt.Errorf("sell size %v below minimum for trade %s", size, trade.ID)
		if uerr := m.store.UpdateSellStatus(ctx, trade.ID, store.StatusFailed, err.Error()); uerr != nil {
			m.logger.Error("mark sell failed", "trade_id", trade.ID, "error", uerr)
		}
		return err
	}

	order := types.UserOrder{
		TokenID:   trade.TokenID,
		Price:     price,
		Size:      size,
		Side:      types.SELL,
		OrderType: types.OrderTypeGTC,
		TickSize:  m.trackedTickSize(trade),
	}

	var lastErr error
	for attempt := 0; attempt <= len(sellRetryDelays); attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, sellRetryDelays[attempt-1]) {
				return ctx.Err()
			}
		}
		resp, err := m.gw.PostOrder(ctx, order)
		if err != nil {
			lastErr = err
			if errors.Is(err, exchange.ErrTerminalOrder) {
				m.logger.Error("sell rejected as unfillable", "trade_id", trade.ID, "error", err)
				break
			}
			m.logger.Warn("sell post failed", "trade_id", trade.ID, "attempt", attempt+1, "error", err)
			continue
		}

		matched, err := m.verifySell(ctx, resp.OrderID)
		if err != nil {
			lastErr = err
			m.logger.Warn("sell verification failed, retrying placement",
				"trade_id", trade.ID, "order_id", resp.OrderID, "attempt", attempt, "error", err)
			continue
		}

		if err := m.store.UpdateSellOrder(ctx, trade.ID, resp.OrderID,
			decimal.NewFromFloat(price), decimal.NewFromFloat(size), store.StatusOpen, reason); err != nil {
			return fmt.Errorf("persist sell order: %w", err)
		}
		m.track(resp.OrderID, &tracked{
			tradeID:  trade.ID,
			side:     types.SELL,
			price:    price,
			size:     size,
			tokenID:  trade.TokenID,
			market:   trade.MarketID,
			tickSize: order.TickSize,
			reason:   reason,
			placedAt: time.Now(),
		})
		m.logger.Info("sell placed",
			"trade_id", trade.ID,
			"order_id", resp.OrderID,
			"price", price,
			"size", size,
			"reason", reason,
		)

		if matched {
			m.applySellFill(ctx, resp.OrderID, size, price, store.StatusFilled)
		}
		return nil
	}

	if uerr := m.store.UpdateSellStatus(ctx, trade.ID, store.StatusFailed, lastErr.Error()); uerr != nil {
		m.logger.Error("mark sell failed", "trade_id", trade.ID, "error", uerr)
	}
	return fmt.Errorf("place sell for trade %s: %w", trade.ID, lastErr)
}

// verifySell confirms a just-posted sell exists on the book. Returns
// whether the verification round already saw a match.
func (m *Manager) verifySell(ctx context.Context, orderID string) (bool, error) {
	if !sleepCtx(ctx, m.opts.VerifyWait) {
		return false, ctx.Err()
	}
	open, err := m.gw.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	return FromOpenOrder(open).Filled(), nil
}

// clampSellSize floors the sell to what the wallet can actually deliver.
// Only active for strategies that sell against on-chain balance rather
// than the recorded fill.
func (m *Manager) clampSellSize(ctx context.Context, trade *store.Trade, size float64) float64 {
	if !m.opts.CheckSellBalance {
		return math.Floor(size)
	}

	if err := m.gw.UpdateBalanceAllowance(ctx, exchange.AssetConditional, trade.TokenID); err != nil {
		m.logger.Warn("refresh conditional balance", "trade_id", trade.ID, "error", err)
	}
	available, ok := m.conditionalBalance(ctx, trade)
	if !ok || available <= 0 {
		// No wallet reports tokens yet; fall back to the recorded fill.
		return math.Floor(size)
	}
	return math.Max(1, math.Floor(math.Min(available, size)))
}

// conditionalBalance reads the token balance for the configured wallet and,
// in proxy deployments, the direct signer as well. Fills can settle on
// either wallet; whichever holds tokens wins. Returns false when no
// balance could be read.
func (m *Manager) conditionalBalance(ctx context.Context, trade *store.Trade) (float64, bool) {
	bal, err := m.gw.GetBalanceAllowance(ctx, exchange.AssetConditional, trade.TokenID)
	if err != nil {
		m.logger.Warn("read conditional balance, using fill size", "trade_id", trade.ID, "error", err)
		return 0, false
	}
	funder := parseFloat(bal.Balance)
	if m.opts.FunderAddress == "" {
		return funder, true
	}

	direct, err := m.gw.GetBalanceAllowanceFor(ctx, exchange.AssetConditional, trade.TokenID, int(types.SigEOA))
	if err != nil {
		m.logger.Warn("read signer conditional balance", "trade_id", trade.ID, "error", err)
		return funder, true
	}
	signer := parseFloat(direct.Balance)
	if funder != signer {
		m.logger.Warn("conditional balance differs between wallets",
			"trade_id", trade.ID,
			"funder", m.opts.FunderAddress,
			"funder_balance", funder,
			"signer_balance", signer,
		)
	}
	if funder > 0 {
		return funder, true
	}
	return signer, true
}

// ReplaceSell cancels the working sell and places a new one at newPrice.
// The old order stays tracked until the replacement is verified so a fill
// racing the cancel is still caught. Returns the new sell order ID.
func (m *Manager) ReplaceSell(ctx context.Context, trade *store.Trade, oldOrderID string, newPrice float64, reason string) (string, error) {
	if err := m.gw.CancelOrder(ctx, oldOrderID); err != nil {
		if errors.Is(err, exchange.ErrTerminalOrder) {
			// Already matched or cancelled; the reconciler resolves which.
			m.logger.Info("sell cancel raced terminal state", "order_id", oldOrderID)
			return "", err
		}
		return "", fmt.Errorf("cancel sell %s: %w", oldOrderID, err)
	}

	size := trade.SellSize.InexactFloat64()
	if size < 1 {
		size = trade.BuyFilledShares.InexactFloat64()
	}
	// Shares already settled when the first sell went out; no settle wait.
	if err := m.placeSell(ctx, trade, newPrice, size, reason, false); err != nil {
		return "", err
	}
	m.untrack(oldOrderID)

	fresh, err := m.store.GetTrade(ctx, trade.ID)
	if err != nil {
		return "", fmt.Errorf("read trade %s after sell replace: %w", trade.ID, err)
	}
	return fresh.SellOrderID, nil
}

// CancelBuy cancels a working buy and records the cancel. A terminal-state
// rejection is left for the reconciler's fill evidence.
func (m *Manager) CancelBuy(ctx context.Context, orderID, reason string) error {
	t := m.lookup(orderID)
	if err := m.gw.CancelOrder(ctx, orderID); err != nil {
		if errors.Is(err, exchange.ErrTerminalOrder) || errors.Is(err, exchange.ErrOrderNotFound) {
			return err
		}
		return fmt.Errorf("cancel buy %s: %w", orderID, err)
	}
	if t != nil {
		if err := m.store.UpdateBuyStatus(ctx, t.tradeID, store.StatusCancelled, reason); err != nil {
			m.logger.Error("record buy cancel", "trade_id", t.tradeID, "error", err)
		}
	}
	m.untrack(orderID)
	m.logger.Info("buy cancelled", "order_id", orderID, "reason", reason)
	return nil
}

// CancelSell cancels a working sell and records the cancel.
func (m *Manager) CancelSell(ctx context.Context, orderID, reason string) error {
	t := m.lookup(orderID)
	if err := m.gw.CancelOrder(ctx, orderID); err != nil {
		if errors.Is(err, exchange.ErrTerminalOrder) || errors.Is(err, exchange.ErrOrderNotFound) {
			return err
		}
		return fmt.Errorf("cancel sell %s: %w", orderID, err)
	}
	if t != nil {
		if err := m.store.UpdateSellStatus(ctx, t.tradeID, store.StatusCancelled, reason); err != nil {
			m.logger.Error("record sell cancel", "trade_id", t.tradeID, "error", err)
		}
	}
	m.untrack(orderID)
	m.logger.Info("sell cancelled", "order_id", orderID, "reason", reason)
	return nil
}

// Rehydrate rebuilds the registry from the store after a restart. End
// times and tick sizes are unknown for rehydrated rows; the reconciler's
// evidence passes still cover them.
func (m *Manager) Rehydrate(ctx context.Context) error {
	buys, err := m.store.OpenBuys(ctx)
	if err != nil {
		return err
	}
	for _, tr := range buys {
		m.track(tr.BuyOrderID, &tracked{
			tradeID:  tr.ID,
			side:     types.BUY,
			price:    tr.BuyPrice.InexactFloat64(),
			size:     tr.BuySizeOrdered.InexactFloat64(),
			tokenID:  tr.TokenID,
			market:   tr.MarketID,
			tickSize: types.Tick001,
			placedAt: time.Now(),
		})
	}
	sells, err := m.store.OpenSells(ctx)
	if err != nil {
		return err
	}
	for _, tr := range sells {
		m.track(tr.SellOrderID, &tracked{
			tradeID:  tr.ID,
			side:     types.SELL,
			price:    tr.SellPrice.InexactFloat64(),
			size:     tr.SellSize.InexactFloat64(),
			tokenID:  tr.TokenID,
			market:   tr.MarketID,
			tickSize: types.Tick001,
			reason:   tr.SellReason,
			placedAt: time.Now(),
		})
	}
	if len(buys)+len(sells) > 0 {
		m.logger.Info("rehydrated working orders", "buys", len(buys), "sells", len(sells))
	}
	return nil
}

// applyBuyFill records fill evidence for a tracked buy. A zero fill price
// falls back to the limit price. On full fill the strategy's OnBuyFilled
// hook runs synchronously before the order is untracked, so the exit is
// placed before any further evidence lands.
func (m *Manager) applyBuyFill(ctx context.Context, orderID string, shares, price float64, status string) {
	t := m.lookup(orderID)
	if t == nil {
		return
	}
	if price <= 0 {
		price = t.price
	}
	dShares := decimal.NewFromFloat(shares)
	dPrice := decimal.NewFromFloat(price)
	spent := dShares.Mul(dPrice)
	fee := fees.Fee(price, spent)

	if err := m.store.UpdateBuyFill(ctx, t.tradeID, dShares, dPrice, spent, fee, status); err != nil {
		m.logger.Error("record buy fill", "trade_id", t.tradeID, "error", err)
		return
	}
	m.logger.Info("buy fill recorded",
		"trade_id", t.tradeID,
		"order_id", orderID,
		"shares", shares,
		"price", price,
		"status", status,
	)

	if status != store.StatusFilled {
		return
	}
	trade, err := m.store.GetTrade(ctx, t.tradeID)
	if err != nil {
		m.logger.Error("load filled trade", "trade_id", t.tradeID, "error", err)
	} else if m.hooks.OnBuyFilled != nil {
		m.hooks.OnBuyFilled(ctx, trade)
	}
	m.untrack(orderID)
}

// applySellFill records fill evidence for a tracked sell.
func (m *Manager) applySellFill(ctx context.Context, orderID string, shares, price float64, status string) {
	t := m.lookup(orderID)
	if t == nil {
		return
	}
	if price <= 0 {
		price = t.price
	}
	dShares := decimal.NewFromFloat(shares)
	received := dShares.Mul(decimal.NewFromFloat(price))
	fee := fees.Fee(price, received)

	if err := m.store.UpdateSellFill(ctx, t.tradeID, status, dShares, received, fee); err != nil {
		m.logger.Error("record sell fill", "trade_id", t.tradeID, "error", err)
		return
	}
	m.logger.Info("sell fill recorded",
		"trade_id", t.tradeID,
		"order_id", orderID,
		"shares", shares,
		"price", price,
		"status", status,
	)
	if status == store.StatusFilled {
		m.untrack(orderID)
	}
}

func (m *Manager) trackedTickSize(trade *store.Trade) types.TickSize {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.orders {
		if t.tradeID == trade.ID && t.tickSize != "" {
			return t.tickSize
		}
	}
	return types.Tick001
}

func (m *Manager) track(orderID string, t *tracked) {
	if orderID == "" {
		return
	}
	m.mu.Lock()
	m.orders[orderID] = t
	m.mu.Unlock()
}

func (m *Manager) untrack(orderID string) {
	m.mu.Lock()
	delete(m.orders, orderID)
	m.mu.Unlock()
}

func (m *Manager) lookup(orderID string) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[orderID]
}

// snapshot returns copies of the registry entries keyed by order ID.
func (m *Manager) snapshot() map[string]tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]tracked, len(m.orders))
	for id, t := range m.orders {
		out[id] = *t
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
