// Polytrader — an automated trader for Polymarket's short-lived binary
// up/down markets.
//
// Architecture:
//
//	main.go                — entry point: flags, logging, signal handling
//	engine/engine.go       — wires catalog → strategy → orders → resolution
//	engine/supervisor.go   — keeps the polling loops and feeds alive
//	strategy/threshold.go  — momentum entry when an ask crosses the threshold
//	strategy/limitbuy.go   — resting YES+NO bids, ride whichever side fills
//	orders/manager.go      — order placement with verification and retries
//	orders/reconciler.go   — three-source fill detection (history, WS, probes)
//	resolution/resolver.go — settles ended markets, owns the bankroll
//	market/catalog.go      — Gamma API discovery of the running period markets
//	market/book.go         — order book cache fed by REST and the market feed
//	exchange/              — CLOB REST client, EIP-712/HMAC auth, WS feeds
//	store/store.go         — trade ledger in SQLite or PostgreSQL
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"polytrader/internal/config"
	"polytrader/internal/engine"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	// Optional .env for POLY_* secrets; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", *cfgPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE, no real orders will be placed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("trader stopped with error", "error", err)
		os.Exit(1)
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
