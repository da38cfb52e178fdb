// Package notify pushes trade lifecycle messages to a Telegram chat.
// Delivery is best-effort and fully asynchronous: a dead bot or a slow
// Telegram API never blocks a trading loop.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"polytrader/internal/config"
	"polytrader/internal/store"
)

// Notifier sends Telegram messages. A Notifier built without credentials
// is a no-op, so call sites never need to nil-check.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

func New(cfg config.TelegramConfig, logger *slog.Logger) *Notifier {
	n := &Notifier{chatID: cfg.ChatID, logger: logger.With("component", "notify")}
	if cfg.BotToken == "" || cfg.ChatID == 0 {
		n.logger.Info("telegram notifications disabled")
		return n
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		n.logger.Error("telegram init failed, notifications disabled", "error", err)
		return n
	}
	n.bot = bot
	n.logger.Info("telegram notifications enabled", "chat_id", cfg.ChatID)
	return n
}

// Startup announces a new deployment.
func (n *Notifier) Startup(deploymentID, strategy, schedule string) {
	n.send(fmt.Sprintf("🚀 trader started\nstrategy: %s (%s)\ndeployment: %s",
		strategy, schedule, deploymentID))
}

// BuyFilled reports a completed entry.
func (n *Notifier) BuyFilled(trade *store.Trade) {
	n.send(fmt.Sprintf("✅ buy filled\n%s %s\n%s shares @ %s ($%s)",
		trade.Slug, trade.OrderSide,
		trade.BuyFilledShares.StringFixed(0),
		trade.BuyFillPrice.StringFixed(2),
		trade.BuyDollarsSpent.StringFixed(2)))
}

// Resolved reports the final outcome of a trade.
func (n *Notifier) Resolved(trade *store.Trade) {
	emoji := "🟢 WIN"
	if !trade.IsWin {
		emoji = "🔴 LOSS"
	}
	n.send(fmt.Sprintf("%s %s %s\nnet: $%s\nprincipal: $%s",
		emoji, trade.Slug, trade.OrderSide,
		trade.NetPayout.StringFixed(2),
		trade.PrincipalAfter.StringFixed(2)))
}

func (n *Notifier) send(text string) {
	if n == nil || n.bot == nil {
		return
	}
	go func() {
		if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
			n.logger.Warn("telegram send failed", "error", err)
		}
	}()
}
