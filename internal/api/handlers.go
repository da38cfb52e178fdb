package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

const defaultTradeLimit = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served off-box; the stream carries no secrets.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.status())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be in 1..500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.store.RecentTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("trades query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	views := make([]TradeView, 0, len(trades))
	for i := range trades {
		views = append(views, toTradeView(&trades[i]))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, StatsView{
		TotalTrades:    stats.TotalTrades,
		OpenPositions:  stats.OpenPositions,
		Wins:           stats.Wins,
		Losses:         stats.Losses,
		TotalNetPayout: stats.TotalNetPayout.InexactFloat64(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.attach(conn)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
