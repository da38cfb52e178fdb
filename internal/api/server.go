// Package api serves the read-only status dashboard: a JSON snapshot of
// the deployment, the trade ledger, and a WebSocket stream of resolution
// events.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"polytrader/internal/store"
)

// Server is the dashboard HTTP server. It reads everything through the
// StatusFunc and the store; it never mutates trading state.
type Server struct {
	addr   string
	status StatusFunc
	store  *store.Store
	hub    *Hub
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, status StatusFunc, st *store.Store, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		status: status,
		store:  st,
		hub:    newHub(logger),
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	hubDone := make(chan struct{})
	go s.hub.run(hubDone)

	go func() {
		<-ctx.Done()
		close(hubDone)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status api listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PublishResolution pushes a resolved trade to connected dashboards.
func (s *Server) PublishResolution(trade *store.Trade) {
	s.hub.Publish(Event{
		Type:      "resolution",
		Timestamp: time.Now(),
		Data:      toTradeView(trade),
	})
}
