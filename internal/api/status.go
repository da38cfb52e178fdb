package api

import (
	"time"

	"polytrader/internal/store"
)

// Status is the live state of the deployment served at /api/status.
type Status struct {
	DeploymentID  string    `json:"deployment_id"`
	Strategy      string    `json:"strategy"`
	Schedule      string    `json:"schedule"`
	DryRun        bool      `json:"dry_run"`
	Principal     float64   `json:"principal"`
	OpenBuys      int       `json:"open_buys"`
	OpenSells     int       `json:"open_sells"`
	MarketFeedUp  bool      `json:"market_feed_up"`
	UserFeedUp    bool      `json:"user_feed_up"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// StatusFunc supplies the current Status; the engine provides it so the
// server holds no reference back into the engine.
type StatusFunc func() Status

// TradeView is the JSON projection of one trade row.
type TradeView struct {
	ID         string `json:"id"`
	Slug       string `json:"slug"`
	Side       string `json:"side"`
	Strategy   string `json:"strategy"`
	BuyStatus  string `json:"buy_status"`
	SellStatus string `json:"sell_status,omitempty"`

	BuyPrice     float64 `json:"buy_price"`
	FilledShares float64 `json:"filled_shares"`
	DollarsSpent float64 `json:"dollars_spent"`
	SellPrice    float64 `json:"sell_price,omitempty"`
	SellReceived float64 `json:"sell_received,omitempty"`

	Resolved  bool     `json:"resolved"`
	IsWin     *bool    `json:"is_win,omitempty"`
	NetPayout *float64 `json:"net_payout,omitempty"`
	ROI       *float64 `json:"roi,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func toTradeView(t *store.Trade) TradeView {
	v := TradeView{
		ID:           t.ID,
		Slug:         t.Slug,
		Side:         t.OrderSide,
		Strategy:     t.Strategy,
		BuyStatus:    t.BuyStatus,
		SellStatus:   t.SellStatus,
		BuyPrice:     t.BuyPrice.InexactFloat64(),
		FilledShares: t.BuyFilledShares.InexactFloat64(),
		DollarsSpent: t.BuyDollarsSpent.InexactFloat64(),
		SellPrice:    t.SellPrice.InexactFloat64(),
		SellReceived: t.SellDollarsReceived.InexactFloat64(),
		Resolved:     t.Resolved,
		CreatedAt:    t.CreatedAt,
		ResolvedAt:   t.ResolvedAt,
	}
	if t.Resolved {
		win := t.IsWin
		net := t.NetPayout.InexactFloat64()
		roi := t.ROI.InexactFloat64()
		v.IsWin = &win
		v.NetPayout = &net
		v.ROI = &roi
	}
	return v
}

// StatsView summarizes the ledger for /api/stats.
type StatsView struct {
	TotalTrades    int64   `json:"total_trades"`
	OpenPositions  int64   `json:"open_positions"`
	Wins           int64   `json:"wins"`
	Losses         int64   `json:"losses"`
	TotalNetPayout float64 `json:"total_net_payout"`
}
