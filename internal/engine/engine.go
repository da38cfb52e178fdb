// Package engine wires the trader together and keeps it running.
//
// One deployment runs one strategy over one market schedule:
//
//  1. Catalog discovers the currently-running up/down markets.
//  2. The strategy reacts to detected markets and book ticks.
//  3. The order manager places and verifies orders; the reconciler chases
//     their fills across trade history, open orders, and the user feed.
//  4. The resolver settles finished markets and owns the bankroll.
//
// Four polling loops plus the two WebSocket feeds and the event dispatcher
// run under a supervisor that restarts anything that exits.
//
// Lifecycle: New() -> Run(ctx) blocks until ctx is cancelled.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polytrader/internal/api"
	"polytrader/internal/config"
	"polytrader/internal/exchange"
	"polytrader/internal/market"
	"polytrader/internal/notify"
	"polytrader/internal/orders"
	"polytrader/internal/resolution"
	"polytrader/internal/store"
	"polytrader/internal/strategy"
)

// detectInterval paces the market-detection sweep.
var detectInterval = 60 * time.Second

// Engine owns every component of one trader deployment.
type Engine struct {
	cfg      *config.Config
	deployID string

	client   *exchange.Client
	auth     *exchange.Auth
	mktFeed  *exchange.WSFeed
	usrFeed  *exchange.WSFeed
	catalog  *market.Catalog
	books    *market.Cache
	store    *store.Store
	mgr      *orders.Manager
	rec      *orders.Reconciler
	resolver *resolution.Resolver
	strat    strategy.Strategy
	notifier *notify.Notifier
	apiSrv   *api.Server

	startedAt time.Time
	logger    *slog.Logger
}

// New builds and wires all components. Missing L2 API credentials are
// derived from the wallet key via L1 auth.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	deployID := uuid.NewString()

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}
	client := exchange.NewClient(*cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials configured, deriving API key")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	feedOpts := exchange.FeedOptions{
		ReconnectDelay: cfg.WSReconnectDelay(),
		HealthTimeout:  cfg.WSHealthTimeout(),
	}
	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, feedOpts, logger)
	usrFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, feedOpts, logger)

	st, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	catalog := market.NewCatalog(*cfg, logger)
	books := market.NewCache(client, logger)

	opts := orders.Options{
		DeploymentID:  deployID,
		SellMargin:    cfg.SellMargin,
		FunderAddress: cfg.Wallet.FunderAddress,
	}
	switch cfg.Strategy {
	case config.StrategyThreshold:
		opts.RepriceStopLoss = true
		opts.CancelStaleBuys = true
	case config.StrategyLimitBuy:
		// Resting bids are the strategy; only the sell-side balance check
		// applies.
		opts.CheckSellBalance = true
	}
	mgr := orders.NewManager(client, st, opts, logger)

	resolver := resolution.NewResolver(cfg, catalog, client, st, deployID, logger)

	var strat strategy.Strategy
	switch cfg.Strategy {
	case config.StrategyThreshold:
		strat = strategy.NewThreshold(cfg, books, catalog, mgr, st, resolver, client, logger)
	case config.StrategyLimitBuy:
		strat = strategy.NewLimitBuy(cfg, books, catalog, mgr, st, resolver, deployID, logger)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}

	notifier := notify.New(cfg.Telegram, logger)

	e := &Engine{
		cfg:      cfg,
		deployID: deployID,
		client:   client,
		auth:     auth,
		mktFeed:  mktFeed,
		usrFeed:  usrFeed,
		catalog:  catalog,
		books:    books,
		store:    st,
		mgr:      mgr,
		resolver: resolver,
		strat:    strat,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
	}

	mgr.SetHooks(orders.Hooks{
		OnBuyFilled: func(ctx context.Context, trade *store.Trade) {
			notifier.BuyFilled(trade)
			strat.OnBuyFilled(ctx, trade)
		},
		PlaceExit: strat.PlaceExit,
	})
	resolver.OnResolved = func(trade *store.Trade) {
		notifier.Resolved(trade)
		if e.apiSrv != nil {
			e.apiSrv.PublishResolution(trade)
		}
	}

	e.rec = orders.NewReconciler(mgr, cfg.StatusCheckInterval(), logger)

	if cfg.Dashboard.Enabled {
		e.apiSrv = api.NewServer(cfg.Dashboard.Addr, e.status, st, logger)
	}
	return e, nil
}

// DeploymentID identifies this process lifetime in the trade ledger.
func (e *Engine) DeploymentID() string { return e.deployID }

// Run recovers state, starts all loops under the supervisor, and blocks
// until ctx is cancelled. Resources are released before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now()
	e.logger.Info("starting trader",
		"deployment_id", e.deployID,
		"strategy", e.cfg.Strategy,
		"schedule", e.cfg.MarketType,
		"dry_run", e.cfg.DryRun,
	)

	if err := e.resolver.RecoverPrincipal(ctx); err != nil {
		return fmt.Errorf("recover principal: %w", err)
	}
	e.notifier.Startup(e.deployID, e.cfg.Strategy, string(e.cfg.MarketType))
	if err := e.mgr.Rehydrate(ctx); err != nil {
		e.logger.Warn("order registry rehydrate incomplete", "error", err)
	}

	if e.apiSrv != nil {
		go func() {
			if err := e.apiSrv.Start(ctx); err != nil {
				e.logger.Error("status api stopped", "error", err)
			}
		}()
	}

	tasks := []Task{
		{Name: "market-detection", Run: e.runDetection},
		{Name: "book-monitor", Run: e.runBookMonitor},
		{Name: "order-reconciler", Run: e.rec.Run},
		{Name: "resolution-poller", Run: e.resolver.Run},
		{Name: "event-dispatch", Run: e.dispatchEvents},
	}
	if e.cfg.UseWebsocketOrderbook {
		tasks = append(tasks, Task{Name: "market-feed", Run: e.mktFeed.Run})
	}
	if e.cfg.UseWebsocketOrderStatus {
		tasks = append(tasks, Task{Name: "user-feed", Run: e.usrFeed.Run})
	}

	NewSupervisor(e.logger).Run(ctx, tasks)

	e.logger.Info("shutting down")
	_ = e.mktFeed.Close()
	_ = e.usrFeed.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
	return ctx.Err()
}

// runDetection sweeps the catalog and hands fresh markets to the strategy,
// subscribing the feeds and warming the book cache for each one.
func (e *Engine) runDetection(ctx context.Context) error {
	e.detectMarkets(ctx)
	ticker := time.NewTicker(detectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.detectMarkets(ctx)
		}
	}
}

func (e *Engine) detectMarkets(ctx context.Context) {
	markets, err := e.catalog.ListCurrentlyRunning(ctx)
	if err != nil {
		e.logger.Error("market detection failed", "error", err)
		return
	}

	fresh := e.strat.OnMarketsDetected(ctx, markets)
	for _, m := range fresh {
		if e.cfg.UseWebsocketOrderbook {
			if err := e.mktFeed.Subscribe(ctx, []string{m.YesTokenID, m.NoTokenID}); err != nil {
				e.logger.Warn("market feed subscribe failed", "slug", m.Slug, "error", err)
			}
		}
		if e.cfg.UseWebsocketOrderStatus {
			if err := e.usrFeed.Subscribe(ctx, []string{m.ConditionID}); err != nil {
				e.logger.Warn("user feed subscribe failed", "slug", m.Slug, "error", err)
			}
		}
		for _, tokenID := range []string{m.YesTokenID, m.NoTokenID} {
			if _, err := e.books.Book(ctx, tokenID); err != nil {
				e.logger.Warn("initial book fetch failed", "token_id", tokenID, "error", err)
			}
		}
	}
}

// runBookMonitor drives the strategy at the configured poll cadence.
func (e *Engine) runBookMonitor(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.strat.Tick(ctx)
		}
	}
}

// dispatchEvents fans WebSocket events out to the book cache and the
// reconciler.
func (e *Engine) dispatchEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-e.mktFeed.BookEvents():
			e.books.ApplyBookEvent(evt)
		case evt := <-e.mktFeed.PriceChangeEvents():
			e.books.ApplyPriceChange(evt)
		case evt := <-e.usrFeed.OrderEvents():
			e.rec.HandleOrderEvent(ctx, evt)
		case evt := <-e.usrFeed.TradeEvents():
			e.rec.HandleTradeEvent(ctx, evt)
		}
	}
}

// status assembles the live snapshot served by the dashboard API.
func (e *Engine) status() api.Status {
	principal, _ := e.resolver.Principal().Float64()
	return api.Status{
		DeploymentID:  e.deployID,
		Strategy:      e.cfg.Strategy,
		Schedule:      string(e.cfg.MarketType),
		DryRun:        e.cfg.DryRun,
		Principal:     principal,
		OpenBuys:      e.mgr.OpenBuyCount(),
		OpenSells:     e.mgr.OpenSellCount(),
		MarketFeedUp:  e.mktFeed.Connected(),
		UserFeedUp:    e.usrFeed.Connected(),
		StartedAt:     e.startedAt,
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
	}
}
