package config

import (
	"os"
	"path/filepath"
	"testing"

	"polytrader/pkg/types"
)

const thresholdJSON = `{
	"strategy": "threshold",
	"threshold": 0.75,
	"upper_threshold": 0.97,
	"margin": 0.02,
	"threshold_sell": 0.40,
	"margin_sell": 0.05,
	"kelly_fraction": 0.5,
	"kelly_scale_factor": 1.0,
	"market_type": "1h",
	"initial_principal": 1000,
	"dollar_bet_limit": 250,
	"wallet": {
		"private_key": "0xabc123",
		"signature_type": 0
	}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadThreshold(t *testing.T) {
	cfg, err := Load(writeConfig(t, thresholdJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Strategy != StrategyThreshold {
		t.Errorf("Strategy = %q, want %q", cfg.Strategy, StrategyThreshold)
	}
	if cfg.BuyThreshold != 0.75 {
		t.Errorf("BuyThreshold = %v, want 0.75", cfg.BuyThreshold)
	}
	if cfg.UpperThreshold != 0.97 {
		t.Errorf("UpperThreshold = %v, want 0.97", cfg.UpperThreshold)
	}
	if cfg.MarketType != types.Schedule1h {
		t.Errorf("MarketType = %q, want %q", cfg.MarketType, types.Schedule1h)
	}
	if cfg.InitialPrincipal != 1000 {
		t.Errorf("InitialPrincipal = %v, want 1000", cfg.InitialPrincipal)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, thresholdJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.OrderbookPollInterval != 5 {
		t.Errorf("OrderbookPollInterval = %d, want 5", cfg.OrderbookPollInterval)
	}
	if cfg.OrderStatusCheckInterval != 10 {
		t.Errorf("OrderStatusCheckInterval = %d, want 10", cfg.OrderStatusCheckInterval)
	}
	if !cfg.UseWebsocketOrderStatus {
		t.Error("UseWebsocketOrderStatus should default to true")
	}
	if !cfg.UseWebsocketOrderbook {
		t.Error("UseWebsocketOrderbook should default to true")
	}
	if cfg.WebsocketHealthCheckTimeout != 14 {
		t.Errorf("WebsocketHealthCheckTimeout = %d, want 14", cfg.WebsocketHealthCheckTimeout)
	}
	if cfg.Wallet.ChainID != 137 {
		t.Errorf("Wallet.ChainID = %d, want 137", cfg.Wallet.ChainID)
	}
	if cfg.API.CLOBBaseURL != "https://clob.polymarket.com" {
		t.Errorf("CLOBBaseURL = %q", cfg.API.CLOBBaseURL)
	}
	if cfg.Store.DSN != "trades.db" {
		t.Errorf("Store.DSN = %q, want trades.db", cfg.Store.DSN)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", "0xenvkey")
	t.Setenv("POLY_API_KEY", "env-api-key")
	t.Setenv("POLY_API_SECRET", "env-secret")
	t.Setenv("POLY_PASSPHRASE", "env-pass")

	cfg, err := Load(writeConfig(t, thresholdJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Wallet.PrivateKey != "0xenvkey" {
		t.Errorf("PrivateKey = %q, want env override", cfg.Wallet.PrivateKey)
	}
	if cfg.API.ApiKey != "env-api-key" {
		t.Errorf("ApiKey = %q, want env override", cfg.API.ApiKey)
	}
	if cfg.API.Secret != "env-secret" {
		t.Errorf("Secret = %q, want env override", cfg.API.Secret)
	}
	if cfg.API.Passphrase != "env-pass" {
		t.Errorf("Passphrase = %q, want env override", cfg.API.Passphrase)
	}
}

func TestLoadLimitBuy(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"strategy": "limit_buy",
		"market_type": "15m",
		"initial_principal": 500,
		"dollar_bet_limit": 100,
		"yes_buy_price": 0.40,
		"no_buy_price": 0.40,
		"sell_price": 0.75,
		"order_size": 50,
		"min_minutes_before_resolution": 3,
		"cancel_threshold_minutes": 2,
		"wallet": {"private_key": "0xabc", "signature_type": 0}
	}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.YesBuyPrice != 0.40 || cfg.NoBuyPrice != 0.40 {
		t.Errorf("buy prices = %v/%v, want 0.40/0.40", cfg.YesBuyPrice, cfg.NoBuyPrice)
	}
	if cfg.BestBidMargin != 0.01 {
		t.Errorf("BestBidMargin = %v, want default 0.01", cfg.BestBidMargin)
	}
	if cfg.SellPriceLowerBound != 0.5 {
		t.Errorf("SellPriceLowerBound = %v, want default 0.5", cfg.SellPriceLowerBound)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Strategy:                    StrategyThreshold,
			MarketType:                  types.Schedule1h,
			InitialPrincipal:            1000,
			DollarBetLimit:              250,
			BuyThreshold:                0.75,
			UpperThreshold:              0.97,
			BuyMargin:                   0.02,
			SellThreshold:               0.40,
			KellyFraction:               0.5,
			KellyScaleFactor:            1.0,
			OrderbookPollInterval:       5,
			OrderStatusCheckInterval:    10,
			WebsocketReconnectDelay:     1,
			WebsocketHealthCheckTimeout: 14,
			Wallet:                      WalletConfig{PrivateKey: "0xabc", ChainID: 137},
			API: APIConfig{
				CLOBBaseURL:  "https://clob.polymarket.com",
				GammaBaseURL: "https://gamma-api.polymarket.com",
			},
			Store: StoreConfig{DSN: "trades.db"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad strategy", func(c *Config) { c.Strategy = "martingale" }},
		{"bad market type", func(c *Config) { c.MarketType = "4h" }},
		{"zero principal", func(c *Config) { c.InitialPrincipal = 0 }},
		{"zero bet limit", func(c *Config) { c.DollarBetLimit = 0 }},
		{"threshold too low", func(c *Config) { c.BuyThreshold = 0.01 }},
		{"threshold too high", func(c *Config) { c.BuyThreshold = 0.99 }},
		{"upper below threshold", func(c *Config) { c.UpperThreshold = 0.70 }},
		{"negative margin", func(c *Config) { c.BuyMargin = -0.01 }},
		{"kelly fraction above one", func(c *Config) { c.KellyFraction = 1.5 }},
		{"zero kelly scale", func(c *Config) { c.KellyScaleFactor = 0 }},
		{"zero poll interval", func(c *Config) { c.OrderbookPollInterval = 0 }},
		{"missing private key", func(c *Config) { c.Wallet.PrivateKey = "" }},
		{"bad signature type", func(c *Config) { c.Wallet.SignatureType = 3 }},
		{"proxy without funder", func(c *Config) { c.Wallet.SignatureType = 1 }},
		{"missing store dsn", func(c *Config) { c.Store.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	t.Run("valid", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})

	t.Run("sell threshold zero disables stop loss", func(t *testing.T) {
		cfg := base()
		cfg.SellThreshold = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})
}
