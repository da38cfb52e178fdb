// Package config defines all configuration for the trader.
// Config is loaded from a JSON file passed via --config, with sensitive
// fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polytrader/pkg/types"
)

// Strategy selector values.
const (
	StrategyThreshold = "threshold"
	StrategyLimitBuy  = "limit_buy"
)

// Config is the top-level configuration. Strategy parameters live at the
// top level of the JSON file; operational concerns are nested sections.
type Config struct {
	Strategy string `mapstructure:"strategy"`
	DryRun   bool   `mapstructure:"dry_run"`

	// Shared trading parameters.
	MarketType       types.Schedule `mapstructure:"market_type"`
	InitialPrincipal float64        `mapstructure:"initial_principal"`
	DollarBetLimit   float64        `mapstructure:"dollar_bet_limit"`

	// Threshold strategy.
	BuyThreshold     float64 `mapstructure:"threshold"`
	UpperThreshold   float64 `mapstructure:"upper_threshold"`
	BuyMargin        float64 `mapstructure:"margin"`
	SellThreshold    float64 `mapstructure:"threshold_sell"` // 0 disables the stop-loss
	SellMargin       float64 `mapstructure:"margin_sell"`
	KellyFraction    float64 `mapstructure:"kelly_fraction"`
	KellyScaleFactor float64 `mapstructure:"kelly_scale_factor"`

	// Limit-buy strategy.
	YesBuyPrice                float64 `mapstructure:"yes_buy_price"`
	NoBuyPrice                 float64 `mapstructure:"no_buy_price"`
	SellPrice                  float64 `mapstructure:"sell_price"`
	OrderSize                  float64 `mapstructure:"order_size"`
	MinMinutesBeforeResolution float64 `mapstructure:"min_minutes_before_resolution"`
	CancelThresholdMinutes     float64 `mapstructure:"cancel_threshold_minutes"`
	BestBidMargin              float64 `mapstructure:"best_bid_margin"`
	SellPriceLowerBound        float64 `mapstructure:"sell_price_lower_bound"`

	// Loop pacing and market-end gating. Intervals are in seconds.
	MaxMinutesBeforeResolution  float64 `mapstructure:"max_minutes_before_resolution"` // 0 = no gate
	OrderbookPollInterval       int     `mapstructure:"orderbook_poll_interval"`
	OrderStatusCheckInterval    int     `mapstructure:"order_status_check_interval"`
	UseWebsocketOrderStatus     bool    `mapstructure:"use_websocket_order_status"`
	UseWebsocketOrderbook       bool    `mapstructure:"use_websocket_orderbook"`
	WebsocketReconnectDelay     int     `mapstructure:"websocket_reconnect_delay"`
	WebsocketHealthCheckTimeout int     `mapstructure:"websocket_health_check_timeout"`

	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth, derives L2 API keys, and signs orders.
// FunderAddress is the on-chain address that funds orders (may differ from
// the signer when a proxy wallet is in use).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty, the trader derives
// them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// StoreConfig sets where trades are persisted. DSN is a SQLite path by
// default; a postgres:// DSN switches drivers.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig selects handler format, level, and optional rotated file.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"` // empty = stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DashboardConfig controls the read-only status API server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TelegramConfig enables trade-lifecycle notifications. The bot token comes
// from POLY_TELEGRAM_TOKEN; notifications are off when either is empty.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// Load reads config from a JSON file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, POLY_TELEGRAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("strategy", StrategyThreshold)
	v.SetDefault("orderbook_poll_interval", 5)
	v.SetDefault("order_status_check_interval", 10)
	v.SetDefault("use_websocket_order_status", true)
	v.SetDefault("use_websocket_orderbook", true)
	v.SetDefault("websocket_reconnect_delay", 1)
	v.SetDefault("websocket_health_check_timeout", 14)
	v.SetDefault("best_bid_margin", 0.01)
	v.SetDefault("sell_price_lower_bound", 0.5)
	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.ws_user_url", "wss://ws-subscriptions-clob.polymarket.com/ws/user")
	v.SetDefault("store.dsn", "trades.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("dashboard.addr", ":8080")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if token := os.Getenv("POLY_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// priceInRange reports whether p is a placeable limit price.
func priceInRange(p float64) bool {
	return p > 0.01 && p < 0.99
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Strategy != StrategyThreshold && c.Strategy != StrategyLimitBuy {
		return fmt.Errorf("strategy must be %q or %q, got %q", StrategyThreshold, StrategyLimitBuy, c.Strategy)
	}
	if !c.MarketType.Valid() {
		return fmt.Errorf("market_type must be \"15m\" or \"1h\", got %q", c.MarketType)
	}
	if c.InitialPrincipal <= 0 {
		return fmt.Errorf("initial_principal must be > 0")
	}
	if c.DollarBetLimit <= 0 {
		return fmt.Errorf("dollar_bet_limit must be > 0")
	}

	switch c.Strategy {
	case StrategyThreshold:
		if !priceInRange(c.BuyThreshold) {
			return fmt.Errorf("threshold must be in (0.01, 0.99), got %v", c.BuyThreshold)
		}
		if !priceInRange(c.UpperThreshold) {
			return fmt.Errorf("upper_threshold must be in (0.01, 0.99), got %v", c.UpperThreshold)
		}
		if c.UpperThreshold <= c.BuyThreshold {
			return fmt.Errorf("upper_threshold (%v) must be > threshold (%v)", c.UpperThreshold, c.BuyThreshold)
		}
		if c.BuyMargin < 0 {
			return fmt.Errorf("margin must be >= 0")
		}
		if c.SellThreshold != 0 && !priceInRange(c.SellThreshold) {
			return fmt.Errorf("threshold_sell must be 0 (disabled) or in (0.01, 0.99), got %v", c.SellThreshold)
		}
		if c.SellMargin < 0 {
			return fmt.Errorf("margin_sell must be >= 0")
		}
		if c.KellyFraction < 0 || c.KellyFraction > 1 {
			return fmt.Errorf("kelly_fraction must be in [0, 1], got %v", c.KellyFraction)
		}
		if c.KellyScaleFactor <= 0 {
			return fmt.Errorf("kelly_scale_factor must be > 0")
		}
	case StrategyLimitBuy:
		if !priceInRange(c.YesBuyPrice) {
			return fmt.Errorf("yes_buy_price must be in (0.01, 0.99), got %v", c.YesBuyPrice)
		}
		if !priceInRange(c.NoBuyPrice) {
			return fmt.Errorf("no_buy_price must be in (0.01, 0.99), got %v", c.NoBuyPrice)
		}
		if !priceInRange(c.SellPrice) {
			return fmt.Errorf("sell_price must be in (0.01, 0.99), got %v", c.SellPrice)
		}
		if c.OrderSize <= 0 {
			return fmt.Errorf("order_size must be > 0")
		}
		if c.MinMinutesBeforeResolution < 0 {
			return fmt.Errorf("min_minutes_before_resolution must be >= 0")
		}
		if c.CancelThresholdMinutes <= 0 {
			return fmt.Errorf("cancel_threshold_minutes must be > 0")
		}
		if c.BestBidMargin < 0 {
			return fmt.Errorf("best_bid_margin must be >= 0")
		}
		if c.SellPriceLowerBound < 0.01 || c.SellPriceLowerBound > 0.99 {
			return fmt.Errorf("sell_price_lower_bound must be in [0.01, 0.99], got %v", c.SellPriceLowerBound)
		}
	}

	if c.MaxMinutesBeforeResolution < 0 {
		return fmt.Errorf("max_minutes_before_resolution must be >= 0")
	}
	if c.OrderbookPollInterval <= 0 {
		return fmt.Errorf("orderbook_poll_interval must be > 0")
	}
	if c.OrderStatusCheckInterval <= 0 {
		return fmt.Errorf("order_status_check_interval must be > 0")
	}

	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}

// PollInterval returns the book-monitor cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.OrderbookPollInterval) * time.Second
}

// StatusCheckInterval returns the idle reconciler cadence.
func (c *Config) StatusCheckInterval() time.Duration {
	return time.Duration(c.OrderStatusCheckInterval) * time.Second
}

// WSReconnectDelay returns the initial websocket reconnect backoff.
func (c *Config) WSReconnectDelay() time.Duration {
	return time.Duration(c.WebsocketReconnectDelay) * time.Second
}

// WSHealthTimeout returns the websocket silence window that forces a reconnect.
func (c *Config) WSHealthTimeout() time.Duration {
	return time.Duration(c.WebsocketHealthCheckTimeout) * time.Second
}
