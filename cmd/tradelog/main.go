// Tradelog prints the trade ledger of a trader database as a table,
// with an aggregate summary at the end. It reads the same SQLite file
// or PostgreSQL DSN the trader writes to.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"polytrader/internal/config"
	"polytrader/internal/store"
)

var hundred = decimal.NewFromInt(100)

func main() {
	cfgPath := flag.String("config", "", "trader config file to read the store DSN from")
	dsn := flag.String("db", "", "SQLite file path or postgres:// DSN (overrides --config)")
	limit := flag.Int("limit", 50, "number of recent trades to show")
	flag.Parse()

	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "limit must be positive")
		os.Exit(1)
	}

	target := *dsn
	if target == "" && *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config %s: %v\n", *cfgPath, err)
			os.Exit(1)
		}
		target = cfg.Store.DSN
	}
	if target == "" {
		target = "trades.db"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(target, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store %s: %v\n", target, err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	trades, err := st.RecentTrades(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query trades: %v\n", err)
		os.Exit(1)
	}

	printTrades(trades)

	stats, err := st.GetStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query stats: %v\n", err)
		os.Exit(1)
	}
	printSummary(stats)
}

func printTrades(trades []store.Trade) {
	if len(trades) == 0 {
		fmt.Println("no trades recorded")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Market", "Side", "Strat", "Buy", "Shares", "Spent", "Sell", "Outcome", "Net", "ROI", "Principal")

	for i := range trades {
		t := &trades[i]
		table.Append(
			t.CreatedAt.Format(time.DateTime),
			t.Slug,
			t.OrderSide,
			t.Strategy,
			fmt.Sprintf("%s @%s", t.BuyStatus, t.BuyPrice.StringFixed(2)),
			t.BuyFilledShares.StringFixed(1),
			"$"+t.BuyDollarsSpent.StringFixed(2),
			sellLabel(t),
			outcomeLabel(t),
			netLabel(t),
			roiLabel(t),
			principalLabel(t),
		)
	}
	table.Render()
}

func sellLabel(t *store.Trade) string {
	if t.SellOrderID == "" {
		return "-"
	}
	return fmt.Sprintf("%s @%s", t.SellStatus, t.SellPrice.StringFixed(2))
}

func outcomeLabel(t *store.Trade) string {
	if !t.Resolved {
		return "open"
	}
	if t.IsWin {
		return "WIN " + t.WinningSide
	}
	return "LOSS " + t.WinningSide
}

func netLabel(t *store.Trade) string {
	if !t.Resolved {
		return "-"
	}
	return "$" + t.NetPayout.StringFixed(2)
}

func roiLabel(t *store.Trade) string {
	if !t.Resolved {
		return "-"
	}
	return t.ROI.Mul(hundred).StringFixed(1) + "%"
}

func principalLabel(t *store.Trade) string {
	if !t.Resolved {
		return "-"
	}
	return "$" + t.PrincipalAfter.StringFixed(2)
}

func printSummary(stats *store.Stats) {
	fmt.Printf("\ntrades: %d  open: %d  wins: %d  losses: %d",
		stats.TotalTrades, stats.OpenPositions, stats.Wins, stats.Losses)
	settled := stats.Wins + stats.Losses
	if settled > 0 {
		fmt.Printf("  win rate: %.1f%%", float64(stats.Wins)/float64(settled)*100)
	}
	fmt.Printf("  net: $%s\n", stats.TotalNetPayout.StringFixed(2))
}
