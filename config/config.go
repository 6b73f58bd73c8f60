package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"klinefeed/internal/model"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Servers
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json or text

	// Sessions
	DefaultSymbol    string `yaml:"default_symbol"`
	DefaultTimeframe string `yaml:"default_timeframe"`
	StoreMaxLen      int    `yaml:"store_max_len"`

	// Acquisition
	BackfillLimit    int           `yaml:"backfill_limit"`
	BackfillTimeout  time.Duration `yaml:"backfill_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	MaxPollInterval  time.Duration `yaml:"max_poll_interval"`
	PlaceholderCount int           `yaml:"placeholder_count"`

	// Vendors
	BinanceRESTURL string `yaml:"binance_rest_url"`
	BinanceWSURL   string `yaml:"binance_ws_url"`
	YahooURL       string `yaml:"yahoo_url"`
	PolygonAPIKey  string `yaml:"polygon_api_key"`

	BreakerMaxFailures  int           `yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`

	// Infrastructure; empty disables
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`

	// Alerts; empty disables the channel
	AlertWebhookURL  string `yaml:"alert_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		LogFormat:   "json",

		DefaultSymbol:    "TSLA",
		DefaultTimeframe: "1h",
		StoreMaxLen:      1000,

		BackfillLimit:    1000,
		BackfillTimeout:  10 * time.Second,
		ReconnectDelay:   5 * time.Second,
		MaxPollInterval:  60 * time.Second,
		PlaceholderCount: 100,

		BinanceRESTURL: "https://api.binance.us",
		BinanceWSURL:   "wss://stream.binance.us:9443",
		YahooURL:       "https://query1.finance.yahoo.com",

		BreakerMaxFailures:  3,
		BreakerResetTimeout: 30 * time.Second,

		SQLitePath: "data/klines.db",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (a
// missing file is fine), then a .env file, then environment variables.
// The result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DEFAULT_SYMBOL", &c.DefaultSymbol)
	str("DEFAULT_TIMEFRAME", &c.DefaultTimeframe)
	num("STORE_MAX_LEN", &c.StoreMaxLen)
	num("BACKFILL_LIMIT", &c.BackfillLimit)
	dur("BACKFILL_TIMEOUT", &c.BackfillTimeout)
	dur("RECONNECT_DELAY", &c.ReconnectDelay)
	dur("MAX_POLL_INTERVAL", &c.MaxPollInterval)
	num("PLACEHOLDER_COUNT", &c.PlaceholderCount)
	str("BINANCE_REST_URL", &c.BinanceRESTURL)
	str("BINANCE_WS_URL", &c.BinanceWSURL)
	str("YAHOO_URL", &c.YahooURL)
	str("POLYGON_API_KEY", &c.PolygonAPIKey)
	num("BREAKER_MAX_FAILURES", &c.BreakerMaxFailures)
	dur("BREAKER_RESET_TIMEOUT", &c.BreakerResetTimeout)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	str("SQLITE_PATH", &c.SQLitePath)
	str("ALERT_WEBHOOK_URL", &c.AlertWebhookURL)
	str("TELEGRAM_BOT_TOKEN", &c.TelegramBotToken)
	str("TELEGRAM_CHAT_ID", &c.TelegramChatID)

	return errors.Join(errs...)
}

// Validate checks ranges and the default series.
func (c *Config) Validate() error {
	var errs []error
	if _, err := model.ParseSymbol(c.DefaultSymbol); err != nil {
		errs = append(errs, fmt.Errorf("default_symbol: %w", err))
	}
	if _, err := model.ParseTimeframe(c.DefaultTimeframe); err != nil {
		errs = append(errs, fmt.Errorf("default_timeframe: %w", err))
	}
	positive := map[string]int{
		"store_max_len":        c.StoreMaxLen,
		"backfill_limit":       c.BackfillLimit,
		"placeholder_count":    c.PlaceholderCount,
		"breaker_max_failures": c.BreakerMaxFailures,
	}
	for k, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", k, v))
		}
	}
	durations := map[string]time.Duration{
		"backfill_timeout":      c.BackfillTimeout,
		"reconnect_delay":       c.ReconnectDelay,
		"max_poll_interval":     c.MaxPollInterval,
		"breaker_reset_timeout": c.BreakerResetTimeout,
	}
	for k, v := range durations {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", k, v))
		}
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("telegram_bot_token and telegram_chat_id must be set together"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	return errors.Join(errs...)
}
