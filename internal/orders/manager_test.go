package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polytrader/internal/exchange"
	"polytrader/internal/store"
	"polytrader/pkg/types"
)

// fakeGateway scripts exchange behavior per test.
type fakeGateway struct {
	mu sync.Mutex

	posted    []types.UserOrder
	postErrs  []error // consumed per post; nil entry = success
	postCount int

	orders    map[string]*types.OpenOrder // get_order results
	orderErrs map[string]error

	openOrders []types.OpenOrder
	trades     []types.TradeFill

	cancelled []string
	cancelErr error

	balance       string
	signerBalance string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		orders:        make(map[string]*types.OpenOrder),
		orderErrs:     make(map[string]error),
		balance:       "1000",
		signerBalance: "0",
	}
}

func (g *fakeGateway) PostOrder(_ context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.postCount++
	if len(g.postErrs) > 0 {
		err := g.postErrs[0]
		g.postErrs = g.postErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	g.posted = append(g.posted, order)
	id := fmt.Sprintf("ord-%d", g.postCount)
	g.orders[id] = &types.OpenOrder{
		ID:           id,
		Status:       "live",
		Side:         string(order.Side),
		AssetID:      order.TokenID,
		Price:        fmt.Sprintf("%v", order.Price),
		OriginalSize: fmt.Sprintf("%v", order.Size),
	}
	return &types.OrderResponse{Success: true, OrderID: id, Status: "live"}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *fakeGateway) GetOrder(_ context.Context, orderID string) (*types.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.orderErrs[orderID]; ok && err != nil {
		return nil, err
	}
	if o, ok := g.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, exchange.ErrOrderNotFound
}

func (g *fakeGateway) GetOpenOrders(_ context.Context, _, _ string) ([]types.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.OpenOrder(nil), g.openOrders...), nil
}

func (g *fakeGateway) GetTrades(_ context.Context, _ types.TradeParams) ([]types.TradeFill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.TradeFill(nil), g.trades...), nil
}

func (g *fakeGateway) GetBalanceAllowance(_ context.Context, _, _ string) (*types.BalanceAllowance, error) {
	return &types.BalanceAllowance{Balance: g.balance}, nil
}

func (g *fakeGateway) GetBalanceAllowanceFor(_ context.Context, _, _ string, _ int) (*types.BalanceAllowance, error) {
	return &types.BalanceAllowance{Balance: g.signerBalance}, nil
}

func (g *fakeGateway) UpdateBalanceAllowance(_ context.Context, _, _ string) error { return nil }

func (g *fakeGateway) lastOrderID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("ord-%d", g.postCount)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "trades.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fastOpts() Options {
	return Options{
		DeploymentID: "dep-test",
		VerifyWait:   time.Millisecond,
		SettleWait:   time.Millisecond,
		SellMargin:   0.02,
	}
}

func newTestManager(t *testing.T, gw Gateway, opts Options) (*Manager, *store.Store) {
	t.Helper()
	st := testStore(t)
	return NewManager(gw, st, opts, slog.New(slog.DiscardHandler)), st
}

func shrinkBackoffs(t *testing.T) {
	t.Helper()
	oldPlace, oldLadder := placeBackoff, sellRetryDelays
	placeBackoff = time.Millisecond
	sellRetryDelays = []time.Duration{time.Millisecond, time.Millisecond}
	t.Cleanup(func() {
		placeBackoff = oldPlace
		sellRetryDelays = oldLadder
	})
}

func buyOrder() types.UserOrder {
	return types.UserOrder{
		TokenID:   "tok-yes",
		Price:     0.96,
		Size:      49,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
		TickSize:  types.Tick001,
	}
}

func seedTrade() *store.Trade {
	return &store.Trade{
		MarketID:  "mkt-1",
		Slug:      "btc-updown-15m-100",
		TokenID:   "tok-yes",
		OrderSide: "YES",
		Strategy:  "threshold",
	}
}

func TestPlaceBuyPersistsBeforePosting(t *testing.T) {
	gw := newFakeGateway()
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, err := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	tr, err := st.GetTrade(ctx, tradeID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.BuyOrderID != "ord-1" {
		t.Errorf("BuyOrderID = %q, want ord-1", tr.BuyOrderID)
	}
	if tr.DeploymentID != "dep-test" {
		t.Errorf("DeploymentID = %q", tr.DeploymentID)
	}
	if mgr.OpenBuyCount() != 1 {
		t.Errorf("OpenBuyCount = %d, want 1", mgr.OpenBuyCount())
	}
}

func TestPlaceBuyBalanceErrorIsTerminal(t *testing.T) {
	shrinkBackoffs(t)
	gw := newFakeGateway()
	gw.postErrs = []error{exchange.ErrInsufficientBalance}
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, err := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	if err == nil {
		t.Fatal("expected error")
	}
	if gw.postCount != 1 {
		t.Errorf("postCount = %d, balance errors must not retry", gw.postCount)
	}
	tr, _ := st.GetTrade(ctx, tradeID)
	if tr.BuyStatus != store.StatusFailed {
		t.Errorf("BuyStatus = %q, want failed", tr.BuyStatus)
	}
	if mgr.OpenBuyCount() != 0 {
		t.Error("failed buy must not be tracked")
	}
}

func TestPlaceBuyTerminalRejectionDoesNotRetry(t *testing.T) {
	shrinkBackoffs(t)
	gw := newFakeGateway()
	gw.postErrs = []error{
		fmt.Errorf("post order: order size lower than the minimum: %w", exchange.ErrTerminalOrder),
		fmt.Errorf("transient"),
		fmt.Errorf("transient"),
	}
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, err := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	if err == nil {
		t.Fatal("expected error")
	}
	if gw.postCount != 1 {
		t.Errorf("postCount = %d, terminal rejections must not retry", gw.postCount)
	}
	tr, _ := st.GetTrade(ctx, tradeID)
	if tr.BuyStatus != store.StatusFailed {
		t.Errorf("BuyStatus = %q, want failed", tr.BuyStatus)
	}
}

func TestPlaceBuyRetriesTransientErrors(t *testing.T) {
	shrinkBackoffs(t)
	gw := newFakeGateway()
	gw.postErrs = []error{fmt.Errorf("502"), fmt.Errorf("timeout"), nil}
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, err := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if gw.postCount != 3 {
		t.Errorf("postCount = %d, want 3", gw.postCount)
	}
	tr, _ := st.GetTrade(ctx, tradeID)
	if tr.BuyOrderID == "" {
		t.Error("order id not persisted after retry success")
	}
}

func TestPlaceBuyExhaustedRetriesMarksFailed(t *testing.T) {
	shrinkBackoffs(t)
	gw := newFakeGateway()
	gw.postErrs = []error{fmt.Errorf("a"), fmt.Errorf("b"), fmt.Errorf("c")}
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, err := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	tr, _ := st.GetTrade(ctx, tradeID)
	if tr.BuyStatus != store.StatusFailed {
		t.Errorf("BuyStatus = %q, want failed", tr.BuyStatus)
	}
}

func TestPlaceSellPersistsOnlyAfterVerification(t *testing.T) {
	shrinkBackoffs(t)
	gw := newFakeGateway()
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, _ := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	mgr.applyBuyFill(ctx, "ord-1", 49, 0.96, store.StatusFilled)

	trade, _ := st.GetTrade(ctx, tradeID)
	if err := mgr.PlaceSell(ctx, trade, 0.99, 49, "limit_exit"); err != nil {
		t.Fatal(err)
	}
	tr, _ := st.GetTrade(ctx, tradeID)
	if tr.SellOrderID != "ord-2" {
		t.Errorf("SellOrderID = %q, want ord-2", tr.SellOrderID)
	}
	if tr.SellStatus != store.StatusOpen {
		t.Errorf("SellStatus = %q, want open", tr.SellStatus)
	}
	if mgr.OpenSellCount() != 1 {
		t.Errorf("OpenSellCount = %d, want 1", mgr.OpenSellCount())
	}
}

func TestPlaceSellRetriesWholePlacementOnVerifyFailure(t *testing.T) {
	shrinkBackoffs(t)
	gw := newFakeGateway()
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, _ := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	mgr.applyBuyFill(ctx, "ord-1", 49, 0.96, store.StatusFilled)

	// First sell (ord-2) vanishes at verification; second (ord-3) verifies.
	gw.mu.Lock()
	gw.orderErrs["ord-2"] = exchange.ErrOrderNotFound
	gw.mu.Unlock()

	trade, _ := st.GetTrade(ctx, tradeID)
	if err := mgr.PlaceSell(ctx, trade, 0.99, 49, "limit_exit"); err != nil {
		t.Fatal(err)
	}
	tr, _ := st.GetTrade(ctx, tradeID)
	if tr.SellOrderID != "ord-3" {
		t.Errorf("SellOrderID = %q, want ord-3 (unverified id never persisted)", tr.SellOrderID)
	}
}

func TestPlaceSellTerminalRejectionFailsImmediately(t *testing.T) {
	shrinkBackoffs(t)
	gw := newFakeGateway()
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, _ := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	mgr.applyBuyFill(ctx, "ord-1", 49, 0.96, store.StatusFilled)

	minSizeErr := fmt.Errorf("post order: order size lower than the minimum: %w", exchange.ErrTerminalOrder)
	gw.mu.Lock()
	gw.postErrs = []error{minSizeErr, minSizeErr, minSizeErr}
	before := gw.postCount
	gw.mu.Unlock()

	trade, _ := st.GetTrade(ctx, tradeID)
	if err := mgr.PlaceSell(ctx, trade, 0.99, 49, "limit_exit"); err == nil {
		t.Fatal("expected error")
	}

	gw.mu.Lock()
	attempts := gw.postCount - before
	gw.mu.Unlock()
	if attempts != 1 {
		t.Errorf("sell post attempts = %d, want 1 (no ladder after a terminal rejection)", attempts)
	}
	tr, _ := st.GetTrade(ctx, tradeID)
	if tr.SellStatus != store.StatusFailed {
		t.Errorf("SellStatus = %q, want failed", tr.SellStatus)
	}
}

func TestBuyFillRunsExitHookSynchronously(t *testing.T) {
	gw := newFakeGateway()
	mgr, _ := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	var hookTrade *store.Trade
	mgr.SetHooks(Hooks{OnBuyFilled: func(_ context.Context, tr *store.Trade) {
		hookTrade = tr
	}})

	tradeID, _ := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	mgr.applyBuyFill(ctx, "ord-1", 49, 0.96, store.StatusFilled)

	if hookTrade == nil {
		t.Fatal("OnBuyFilled not invoked")
	}
	if hookTrade.ID != tradeID {
		t.Errorf("hook trade = %q, want %q", hookTrade.ID, tradeID)
	}
	if !hookTrade.BuyFilledShares.Equal(decimal.NewFromInt(49)) {
		t.Errorf("hook shares = %v", hookTrade.BuyFilledShares)
	}
	if mgr.OpenBuyCount() != 0 {
		t.Error("filled buy must be untracked")
	}
}

func TestBuyFillPriceFallsBackToLimit(t *testing.T) {
	gw := newFakeGateway()
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tradeID, _ := mgr.PlaceBuy(ctx, seedTrade(), buyOrder(), time.Time{})
	mgr.applyBuyFill(ctx, "ord-1", 49, 0, store.StatusFilled)

	tr, _ := st.GetTrade(ctx, tradeID)
	if !tr.BuyFillPrice.Equal(decimal.NewFromFloat(0.96)) {
		t.Errorf("BuyFillPrice = %v, want limit price 0.96", tr.BuyFillPrice)
	}
}

func TestClampSellSizeUsesBalance(t *testing.T) {
	gw := newFakeGateway()
	gw.balance = "30.7"
	opts := fastOpts()
	opts.CheckSellBalance = true
	mgr, _ := newTestManager(t, gw, opts)

	got := mgr.clampSellSize(context.Background(), &store.Trade{ID: "t", TokenID: "tok"}, 49)
	if got != 30 {
		t.Errorf("clamped size = %v, want floor(min(30.7, 49)) = 30", got)
	}
}

func TestClampSellSizeFallsBackToSignerWallet(t *testing.T) {
	gw := newFakeGateway()
	gw.balance = "0"
	gw.signerBalance = "30.7"
	opts := fastOpts()
	opts.CheckSellBalance = true
	opts.FunderAddress = "0xproxy"
	mgr, _ := newTestManager(t, gw, opts)

	got := mgr.clampSellSize(context.Background(), &store.Trade{ID: "t", TokenID: "tok"}, 49)
	if got != 30 {
		t.Errorf("clamped size = %v, want floor(min(30.7, 49)) = 30 from the signer wallet", got)
	}
}

func TestReplaceSellSurfacesStoreReadError(t *testing.T) {
	shrinkBackoffs(t)
	gw := newFakeGateway()
	mgr, _ := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	ghost := &store.Trade{ID: "ghost", TokenID: "tok-yes", SellSize: decimal.NewFromInt(20)}
	id, err := mgr.ReplaceSell(ctx, ghost, "ord-old", 0.49, "late_exit")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want wrapped store.ErrNotFound", err)
	}
	if id != "" {
		t.Errorf("order id = %q, want empty on error", id)
	}
}

func TestRehydrateRebuildsRegistry(t *testing.T) {
	gw := newFakeGateway()
	mgr, st := newTestManager(t, gw, fastOpts())
	ctx := context.Background()

	tr := seedTrade()
	tr.BuyOrderID = "ord-old"
	tr.BuyPrice = decimal.NewFromFloat(0.96)
	if _, err := st.CreateTrade(ctx, tr); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Rehydrate(ctx); err != nil {
		t.Fatal(err)
	}
	if mgr.OpenBuyCount() != 1 {
		t.Errorf("OpenBuyCount = %d, want 1 after rehydrate", mgr.OpenBuyCount())
	}
}
