package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polytrader/internal/config"
	"polytrader/internal/exchange"
	"polytrader/internal/market"
	"polytrader/internal/orders"
	"polytrader/internal/store"
	"polytrader/pkg/types"
)

// fakeGW scripts the exchange for strategy tests.
type fakeGW struct {
	mu        sync.Mutex
	posted    []types.UserOrder
	postCount int
	orders    map[string]*types.OpenOrder
	cancelled []string
	balance   string
}

func newFakeGW() *fakeGW {
	return &fakeGW{orders: make(map[string]*types.OpenOrder), balance: "100000000"} // $100
}

func (g *fakeGW) PostOrder(_ context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.postCount++
	g.posted = append(g.posted, order)
	id := fmt.Sprintf("ord-%d", g.postCount)
	g.orders[id] = &types.OpenOrder{
		ID: id, Status: "live", Side: string(order.Side),
		AssetID:      order.TokenID,
		Price:        fmt.Sprintf("%v", order.Price),
		OriginalSize: fmt.Sprintf("%v", order.Size),
	}
	return &types.OrderResponse{Success: true, OrderID: id, Status: "live"}, nil
}

func (g *fakeGW) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *fakeGW) GetOrder(_ context.Context, orderID string) (*types.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, exchange.ErrOrderNotFound
}

func (g *fakeGW) GetOpenOrders(_ context.Context, _, _ string) ([]types.OpenOrder, error) {
	return nil, nil
}

func (g *fakeGW) GetTrades(_ context.Context, _ types.TradeParams) ([]types.TradeFill, error) {
	return nil, nil
}

func (g *fakeGW) GetBalanceAllowance(_ context.Context, _, _ string) (*types.BalanceAllowance, error) {
	return &types.BalanceAllowance{Balance: g.balance}, nil
}

func (g *fakeGW) GetBalanceAllowanceFor(_ context.Context, _, _ string, _ int) (*types.BalanceAllowance, error) {
	return &types.BalanceAllowance{Balance: g.balance}, nil
}

func (g *fakeGW) UpdateBalanceAllowance(_ context.Context, _, _ string) error { return nil }

func (g *fakeGW) lastPosted() (types.UserOrder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.posted) == 0 {
		return types.UserOrder{}, false
	}
	return g.posted[len(g.posted)-1], true
}

// bookFetcher serves scripted books per token.
type bookFetcher struct {
	mu    sync.Mutex
	books map[string]*types.BookResponse
}

func (f *bookFetcher) GetOrderBook(_ context.Context, tokenID string) (*types.BookResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.books[tokenID]; ok {
		cp := *b
		return &cp, nil
	}
	return &types.BookResponse{AssetID: tokenID}, nil
}

func (f *bookFetcher) set(tokenID string, bids, asks []types.PriceLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[tokenID] = &types.BookResponse{AssetID: tokenID, Bids: bids, Asks: asks}
}

type fixedPrincipal struct{ v decimal.Decimal }

func (p fixedPrincipal) Principal() decimal.Decimal { return p.v }

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func thresholdConfig() *config.Config {
	return &config.Config{
		Strategy:         config.StrategyThreshold,
		MarketType:       types.Schedule15m,
		InitialPrincipal: 100,
		DollarBetLimit:   50,
		BuyThreshold:     0.95,
		UpperThreshold:   0.97,
		BuyMargin:        0.01,
		SellThreshold:    0.40,
		SellMargin:       0.02,
		KellyFraction:    0.5,
		KellyScaleFactor: 0.5,
	}
}

func runningMarket(slug string) types.MarketInfo {
	now := time.Now()
	return types.MarketInfo{
		ID:              "mkt-" + slug,
		ConditionID:     "0xcond-" + slug,
		Slug:            slug,
		YesTokenID:      "yes-" + slug,
		NoTokenID:       "no-" + slug,
		TickSize:        types.Tick001,
		Active:          true,
		AcceptingOrders: true,
		StartDate:       now.Add(-5 * time.Minute),
		EndDate:         now.Add(10 * time.Minute),
	}
}

func newThresholdHarness(t *testing.T, cfg *config.Config) (*Threshold, *fakeGW, *bookFetcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "trades.db"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	gw := newFakeGW()
	fetcher := &bookFetcher{books: make(map[string]*types.BookResponse)}
	books := market.NewCache(fetcher, quietLogger())
	mgr := orders.NewManager(gw, st, orders.Options{
		DeploymentID:    "dep-test",
		VerifyWait:      time.Millisecond,
		SettleWait:      time.Millisecond,
		SellMargin:      cfg.SellMargin,
		RepriceStopLoss: true,
		CancelStaleBuys: true,
	}, quietLogger())

	strat := NewThreshold(cfg, books, &market.Catalog{}, mgr, st,
		fixedPrincipal{decimal.NewFromInt(100)}, gw, quietLogger())
	mgr.SetHooks(orders.Hooks{OnBuyFilled: strat.OnBuyFilled, PlaceExit: strat.PlaceExit})
	return strat, gw, fetcher, st
}

func TestThresholdTriggersAndSizes(t *testing.T) {
	strat, gw, fetcher, _ := newThresholdHarness(t, thresholdConfig())
	ctx := context.Background()

	m := runningMarket("btc-updown-15m-1")
	fetcher.set(m.YesTokenID, nil, []types.PriceLevel{{Price: "0.96", Size: "500"}})
	fetcher.set(m.NoTokenID, nil, []types.PriceLevel{{Price: "0.05", Size: "500"}})

	strat.OnMarketsDetected(ctx, []types.MarketInfo{m})
	strat.Tick(ctx)

	order, ok := gw.lastPosted()
	if !ok {
		t.Fatal("no order posted")
	}
	if order.Side != types.BUY || order.TokenID != m.YesTokenID {
		t.Errorf("order = %+v, want YES buy", order)
	}
	// Limit price is min(threshold+margin, upper, 0.99) = 0.96.
	if order.Price != 0.96 {
		t.Errorf("price = %v, want 0.96", order.Price)
	}
	// $25 Kelly at 0.96 grossed up for fees.
	if order.Size != 27 {
		t.Errorf("size = %v, want 27", order.Size)
	}
}

func TestThresholdNoTriggerBelowThreshold(t *testing.T) {
	strat, gw, fetcher, _ := newThresholdHarness(t, thresholdConfig())
	ctx := context.Background()

	m := runningMarket("btc-updown-15m-2")
	fetcher.set(m.YesTokenID, nil, []types.PriceLevel{{Price: "0.90", Size: "100"}})
	fetcher.set(m.NoTokenID, nil, []types.PriceLevel{{Price: "0.11", Size: "100"}})

	strat.OnMarketsDetected(ctx, []types.MarketInfo{m})
	strat.Tick(ctx)

	if gw.postCount != 0 {
		t.Errorf("posted %d orders, want 0 below threshold", gw.postCount)
	}
}

func TestThresholdRespectsUpperBound(t *testing.T) {
	strat, gw, fetcher, _ := newThresholdHarness(t, thresholdConfig())
	ctx := context.Background()

	m := runningMarket("btc-updown-15m-3")
	// Crosses the buy threshold but the book already ran past the upper cap.
	fetcher.set(m.YesTokenID, nil, []types.PriceLevel{{Price: "0.98", Size: "100"}})
	fetcher.set(m.NoTokenID, nil, []types.PriceLevel{{Price: "0.03", Size: "100"}})

	strat.OnMarketsDetected(ctx, []types.MarketInfo{m})
	strat.Tick(ctx)

	if gw.postCount != 0 {
		t.Errorf("posted %d orders, want 0 past upper threshold", gw.postCount)
	}
}

func TestThresholdSerializesCapital(t *testing.T) {
	strat, gw, fetcher, st := newThresholdHarness(t, thresholdConfig())
	ctx := context.Background()

	// An open buy from a previous market blocks new entries.
	blocker := &store.Trade{
		MarketID: "mkt-old", Slug: "old-slug", TokenID: "tok-old",
		OrderSide: "YES", Strategy: config.StrategyThreshold, BuyOrderID: "ord-old",
	}
	if _, err := st.CreateTrade(ctx, blocker); err != nil {
		t.Fatal(err)
	}

	m := runningMarket("btc-updown-15m-4")
	fetcher.set(m.YesTokenID, nil, []types.PriceLevel{{Price: "0.96", Size: "100"}})
	fetcher.set(m.NoTokenID, nil, []types.PriceLevel{{Price: "0.05", Size: "100"}})

	strat.OnMarketsDetected(ctx, []types.MarketInfo{m})
	strat.Tick(ctx)

	if gw.postCount != 0 {
		t.Errorf("posted %d orders, capital must be serialized", gw.postCount)
	}
}

func TestThresholdNeverDoubleBetsOneMarket(t *testing.T) {
	strat, gw, fetcher, _ := newThresholdHarness(t, thresholdConfig())
	ctx := context.Background()

	m := runningMarket("btc-updown-15m-5")
	fetcher.set(m.YesTokenID, nil, []types.PriceLevel{{Price: "0.96", Size: "500"}})
	fetcher.set(m.NoTokenID, nil, []types.PriceLevel{{Price: "0.05", Size: "500"}})

	strat.OnMarketsDetected(ctx, []types.MarketInfo{m})
	strat.Tick(ctx)
	first := gw.postCount

	strat.Tick(ctx)

	if gw.postCount != first {
		t.Errorf("second tick posted again, postCount = %d", gw.postCount)
	}
}

func TestThresholdExitAtProfitTake(t *testing.T) {
	strat, gw, _, st := newThresholdHarness(t, thresholdConfig())
	ctx := context.Background()

	tr := &store.Trade{
		MarketID: "mkt-x", Slug: "btc-updown-15m-6", TokenID: "yes-x",
		OrderSide: "YES", Strategy: config.StrategyThreshold, BuyOrderID: "ord-b",
	}
	tradeID, _ := st.CreateTrade(ctx, tr)
	_ = st.UpdateBuyFill(ctx, tradeID,
		decimal.NewFromFloat(49.7), decimal.NewFromFloat(0.96),
		decimal.NewFromFloat(47.7), decimal.Zero, store.StatusFilled)
	trade, _ := st.GetTrade(ctx, tradeID)

	strat.OnBuyFilled(ctx, trade)

	order, ok := gw.lastPosted()
	if !ok {
		t.Fatal("no exit posted")
	}
	if order.Side != types.SELL || order.Price != 0.99 {
		t.Errorf("exit = %+v, want SELL at 0.99", order)
	}
	// Fractional fills are floored to whole shares.
	if order.Size != 49 {
		t.Errorf("exit size = %v, want 49", order.Size)
	}
}

func TestStopLossPlacesSellOnBidCollapse(t *testing.T) {
	strat, gw, fetcher, st := newThresholdHarness(t, thresholdConfig())
	ctx := context.Background()

	m := runningMarket("btc-updown-15m-7")
	strat.OnMarketsDetected(ctx, []types.MarketInfo{m})

	tr := &store.Trade{
		MarketID: m.ID, Slug: m.Slug, TokenID: m.YesTokenID,
		OrderSide: "YES", Strategy: config.StrategyThreshold, BuyOrderID: "ord-b",
	}
	tradeID, _ := st.CreateTrade(ctx, tr)
	_ = st.UpdateBuyFill(ctx, tradeID,
		decimal.NewFromInt(49), decimal.NewFromFloat(0.52),
		decimal.NewFromFloat(25.48), decimal.Zero, store.StatusFilled)

	// Bid collapses below the 0.40 stop threshold.
	fetcher.set(m.YesTokenID, []types.PriceLevel{{Price: "0.35", Size: "100"}}, nil)
	fetcher.set(m.NoTokenID, nil, []types.PriceLevel{{Price: "0.70", Size: "100"}})

	strat.Tick(ctx)

	var sell *types.UserOrder
	gw.mu.Lock()
	for i := range gw.posted {
		if gw.posted[i].Side == types.SELL {
			sell = &gw.posted[i]
		}
	}
	gw.mu.Unlock()
	if sell == nil {
		t.Fatal("no stop-loss sell posted")
	}
	// sell_threshold − sell_margin = 0.38.
	if sell.Price < 0.3799 || sell.Price > 0.3801 {
		t.Errorf("stop price = %v, want 0.38", sell.Price)
	}
}
