package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"polytrader/internal/store"
)

func testServer(t *testing.T, status StatusFunc) (*Server, *store.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st, err := store.Open(filepath.Join(t.TempDir(), "trades.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if status == nil {
		status = func() Status { return Status{} }
	}
	return NewServer(":0", status, st, logger), st
}

func seedResolved(t *testing.T, st *store.Store, slug string, net float64) *store.Trade {
	t.Helper()
	ctx := context.Background()
	id, err := st.CreateTrade(ctx, &store.Trade{
		DeploymentID: "dep-test", MarketID: "0xcond", Slug: slug,
		TokenID: "tok", OrderSide: "YES", Strategy: "threshold", BuyOrderID: "b1",
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = st.UpdateBuyFill(ctx, id,
		decimal.NewFromInt(50), decimal.NewFromFloat(0.52),
		decimal.NewFromInt(26), decimal.NewFromFloat(0.3), store.StatusFilled)
	_ = st.UpdateResolution(ctx, id,
		decimal.NewFromInt(1), decimal.NewFromFloat(49.5), decimal.NewFromFloat(net),
		decimal.NewFromFloat(0.86), decimal.NewFromFloat(100+net), net > 0, "YES")
	trade, _ := st.GetTrade(ctx, id)
	return trade
}

func TestHandleStatus(t *testing.T) {
	want := Status{
		DeploymentID: "dep-123",
		Strategy:     "threshold",
		Schedule:     "15m",
		Principal:    122.8,
		MarketFeedUp: true,
	}
	s, _ := testServer(t, func() Status { return want })

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.DeploymentID != want.DeploymentID || got.Principal != want.Principal || !got.MarketFeedUp {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestHandleTrades(t *testing.T) {
	s, st := testServer(t, nil)
	seedResolved(t, st, "btc-updown-15m-1", 22.8)
	seedResolved(t, st, "btc-updown-15m-2", -26.3)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades?limit=1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []TradeView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d trades, want 1", len(views))
	}
	v := views[0]
	if !v.Resolved || v.NetPayout == nil {
		t.Fatalf("view = %+v, want resolved with net payout", v)
	}
}

func TestHandleTradesRejectsBadLimit(t *testing.T) {
	s, _ := testServer(t, nil)
	for _, raw := range []string{"0", "-5", "9999", "abc"} {
		rec := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades?limit="+raw, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", raw, rec.Code)
		}
	}
}

func TestHandleStats(t *testing.T) {
	s, st := testServer(t, nil)
	seedResolved(t, st, "btc-updown-15m-3", 22.8)
	seedResolved(t, st, "btc-updown-15m-4", -26.3)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats StatsView
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalTrades != 2 || stats.Wins != 1 || stats.Losses != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := testServer(t, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestResolutionStream(t *testing.T) {
	s, st := testServer(t, nil)
	trade := seedResolved(t, st, "btc-updown-15m-5", 22.8)

	hubDone := make(chan struct{})
	defer close(hubDone)
	go s.hub.run(hubDone)

	ts := httptest.NewServer(s.srv.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The register channel is unbuffered, so once Dial returned the hub
	// may still be attaching; give it a beat before publishing.
	time.Sleep(20 * time.Millisecond)
	s.PublishResolution(trade)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != "resolution" {
		t.Errorf("event type = %q, want resolution", evt.Type)
	}
}
