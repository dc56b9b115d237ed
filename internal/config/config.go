// Package config loads the monitor configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/exchange"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/fees"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/utils"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full monitor configuration.
type Config struct {
	Coins      []string `yaml:"coins"`
	QuoteAsset string   `yaml:"quote_asset" validate:"required,alphanum"`

	// Symbols, when set, replaces the coins expansion.
	Symbols []string `yaml:"symbols" validate:"min=1,dive,required"`

	Exchanges []string `yaml:"exchanges" validate:"min=2,unique,dive,oneof=binance bybit kucoin okx"`
	Streaming []string `yaml:"streaming" validate:"unique,dive,oneof=binance okx"`

	// Endpoints overrides the venue URLs, keyed by exchange name.
	Endpoints map[string]EndpointConfig `yaml:"endpoints" validate:"dive,keys,oneof=binance bybit kucoin okx,endkeys"`

	Fees         FeeConfig `yaml:"fees"`
	MinProfitPct float64   `yaml:"min_profit_pct" validate:"gte=0"`

	CacheTTL       time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	ScrapeInterval time.Duration `yaml:"scrape_interval" validate:"gte=1s"`
	FlushInterval  time.Duration `yaml:"flush_interval" validate:"gt=0"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" validate:"gt=0"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type EndpointConfig struct {
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	StreamURL string `yaml:"stream_url" validate:"omitempty,url"`
}

// FeeConfig holds trading fees in percent (0.01 means 0.01%).
type FeeConfig struct {
	Default     float64            `yaml:"default" validate:"gte=0,lt=100"`
	PerExchange map[string]float64 `yaml:"per_exchange" validate:"dive,keys,required,endkeys,gte=0,lt=100"`
}

// RedisConfig enables the shared cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// PostgresConfig enables the price history store when DSN is set.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table" validate:"omitempty,max=63"`
}

type NotifyConfig struct {
	AlertThresholdPct float64        `yaml:"alert_threshold_pct" validate:"gte=0"`
	SummaryTop        int            `yaml:"summary_top" validate:"gte=1"`
	MessageDelay      time.Duration  `yaml:"message_delay" validate:"gte=0"`
	AlertFile         string         `yaml:"alert_file"`
	Telegram          TelegramConfig `yaml:"telegram"`
}

// TelegramConfig enables Telegram alerts when both fields are set.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token" validate:"required_with=ChatID"`
	ChatID   string `yaml:"chat_id" validate:"required_with=BotToken"`
}

type ServerConfig struct {
	HTTPAddr   string `yaml:"http_addr" validate:"required"`
	GRPCAddr   string `yaml:"grpc_addr" validate:"required"`
	MaxSymbols int    `yaml:"max_symbols" validate:"gte=1"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Coins:      []string{"BTC", "ETH", "BNB", "SOL", "TRX", "DOGE", "ADA"},
		QuoteAsset: "USDT",
		Exchanges:  []string{model.BinanceExchange, model.BybitExchange, model.KucoinExchange},
		Fees: FeeConfig{
			Default: 0.01,
			PerExchange: map[string]float64{
				model.BinanceExchange: 0.01,
				model.BybitExchange:   0.01,
				model.KucoinExchange:  0.01,
			},
		},
		MinProfitPct:   0.02,
		CacheTTL:       300 * time.Second,
		ScrapeInterval: 30 * time.Second,
		FlushInterval:  time.Second,
		FetchTimeout:   15 * time.Second,
		Redis:          RedisConfig{Prefix: "arbitrage"},
		Postgres:       PostgresConfig{Table: "price_history"},
		Notify: NotifyConfig{
			AlertThresholdPct: 1,
			SummaryTop:        5,
			MessageDelay:      500 * time.Millisecond,
		},
		Server: ServerConfig{
			HTTPAddr:   ":8080",
			GRPCAddr:   ":50051",
			MaxSymbols: 50,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for _, s := range c.Streaming {
		if !contains(c.Exchanges, s) {
			return fmt.Errorf("%w: streaming exchange %q is not enabled", ErrInvalidConfig, s)
		}
	}
	return nil
}

// FeeTable builds the fee lookup.
func (c *Config) FeeTable() *fees.Table {
	return fees.FromFloats(c.Fees.PerExchange, c.Fees.Default)
}

// MinProfit returns the profitability threshold as a decimal.
func (c *Config) MinProfit() decimal.Decimal {
	return decimal.NewFromFloat(c.MinProfitPct)
}

// AlertThreshold returns the high-value alert threshold as a decimal.
func (c *Config) AlertThreshold() decimal.Decimal {
	return decimal.NewFromFloat(c.Notify.AlertThresholdPct)
}

// ExchangeConfig returns the connector settings for the named venue. Zero
// fields take the connector defaults.
func (c *Config) ExchangeConfig(name string) *exchange.ExchangeConfig {
	ep := c.Endpoints[model.NormalizeExchange(name)]
	return &exchange.ExchangeConfig{
		BaseURL:   ep.BaseURL,
		StreamURL: ep.StreamURL,
		Timeout:   c.FetchTimeout,
	}
}

func (c *Config) RedisEnabled() bool    { return c.Redis.Addr != "" }
func (c *Config) PostgresEnabled() bool { return c.Postgres.DSN != "" }

func (c *Config) TelegramEnabled() bool {
	return c.Notify.Telegram.BotToken != "" && c.Notify.Telegram.ChatID != ""
}

// normalize canonicalises names and expands coins into symbols.
func (c *Config) normalize() error {
	c.Exchanges = normalizeExchanges(c.Exchanges)
	c.Streaming = normalizeExchanges(c.Streaming)
	c.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.QuoteAsset))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	if len(c.Fees.PerExchange) > 0 {
		perExchange := make(map[string]float64, len(c.Fees.PerExchange))
		for name, fee := range c.Fees.PerExchange {
			perExchange[model.NormalizeExchange(name)] = fee
		}
		c.Fees.PerExchange = perExchange
	}
	if len(c.Endpoints) > 0 {
		endpoints := make(map[string]EndpointConfig, len(c.Endpoints))
		for name, ep := range c.Endpoints {
			endpoints[model.NormalizeExchange(name)] = ep
		}
		c.Endpoints = endpoints
	}

	if len(c.Symbols) > 0 {
		symbols := make([]string, 0, len(c.Symbols))
		for _, s := range c.Symbols {
			if s = model.NormalizeSymbol(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		c.Symbols = symbols
	} else {
		c.Symbols = utils.SymbolsFromCoins(c.Coins, c.QuoteAsset)
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: no coins or symbols configured", ErrInvalidConfig)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("COINS"); v != "" {
		cfg.Coins = splitList(v)
		cfg.Symbols = nil
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.Symbols = splitList(v)
	}
	if v := os.Getenv("EXCHANGES"); v != "" {
		cfg.Exchanges = splitList(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notify.Telegram.ChatID = v
	}
	if v := os.Getenv("ALERT_FILE"); v != "" {
		cfg.Notify.AlertFile = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("GRPC_ADDR"); v != "" {
		cfg.Server.GRPCAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("MIN_PROFIT_PCT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: MIN_PROFIT_PCT: %w", ErrInvalidConfig, err)
		}
		cfg.MinProfitPct = f
	}
	if v := os.Getenv("SCRAPE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: SCRAPE_INTERVAL: %w", ErrInvalidConfig, err)
		}
		cfg.ScrapeInterval = d
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: CACHE_TTL: %w", ErrInvalidConfig, err)
		}
		cfg.CacheTTL = d
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeExchanges(names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = model.NormalizeExchange(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
