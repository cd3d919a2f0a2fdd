package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Coinbase CoinbaseConfig `mapstructure:"coinbase"`
	Polygon  PolygonConfig  `mapstructure:"polygon"`
	Pushover PushoverConfig `mapstructure:"pushover"`
	API      APIConfig      `mapstructure:"api"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains the optional price-cache settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // empty disables the cache
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains event-bus settings
type NATSConfig struct {
	URL     string `mapstructure:"url"` // empty disables event publishing
	Enabled bool   `mapstructure:"enabled"`
}

// TradingConfig contains execution-mode and safety settings
type TradingConfig struct {
	ExecutionModeDefault  string   `mapstructure:"execution_mode_default"` // PAPER or LIVE
	EnableLiveTrading     bool     `mapstructure:"enable_live_trading"`
	DisableLive           bool     `mapstructure:"disable_live"` // global LIVE kill switch
	ForcePaperMode        bool     `mapstructure:"force_paper_mode"`
	MaxNotionalPerOrder   float64  `mapstructure:"max_notional_per_order_usd"`
	SymbolAllowlist       []string `mapstructure:"symbol_allowlist"`
	StockWatchlist        []string `mapstructure:"stock_watchlist"`
	ConfirmationTTLSec    int      `mapstructure:"confirmation_ttl_sec"`
	FetchConcurrency      int      `mapstructure:"fetch_concurrency"`
	CryptoFeeEstimatePct  float64  `mapstructure:"crypto_fee_estimate_pct"`
	DefaultMinNotionalUSD float64  `mapstructure:"default_min_notional_usd"`
}

// CoinbaseConfig contains Coinbase Advanced Trade credentials
type CoinbaseConfig struct {
	APIKeyName    string `mapstructure:"api_key_name"`
	APIPrivateKey string `mapstructure:"api_private_key"`
	BaseURL       string `mapstructure:"base_url"`
}

// PolygonConfig contains the stock EOD provider settings
type PolygonConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// PushoverConfig contains push-notification settings
type PushoverConfig struct {
	Token string `mapstructure:"token"`
	User  string `mapstructure:"user"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	// Flat env names from the deployment contract map onto nested keys.
	bindings := map[string]string{
		"database.url":                       "DATABASE_URL",
		"redis.addr":                         "REDIS_ADDR",
		"nats.url":                           "NATS_URL",
		"trading.execution_mode_default":     "EXECUTION_MODE_DEFAULT",
		"trading.enable_live_trading":        "ENABLE_LIVE_TRADING",
		"trading.disable_live":               "TRADING_DISABLE_LIVE",
		"trading.force_paper_mode":           "FORCE_PAPER_MODE",
		"trading.max_notional_per_order_usd": "MAX_NOTIONAL_PER_ORDER_USD",
		"coinbase.api_key_name":              "COINBASE_API_KEY_NAME",
		"coinbase.api_private_key":           "COINBASE_API_PRIVATE_KEY",
		"polygon.api_key":                    "POLYGON_API_KEY",
		"pushover.token":                     "PUSHOVER_TOKEN",
		"pushover.user":                      "PUSHOVER_USER",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma-separated lists arrive through the environment as flat strings.
	if list := v.GetString("SYMBOL_ALLOWLIST"); list != "" {
		cfg.Trading.SymbolAllowlist = splitList(list)
	}
	if list := v.GetString("STOCK_WATCHLIST"); list != "" {
		cfg.Trading.StockWatchlist = splitList(list)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	switch c.Trading.ExecutionModeDefault {
	case "PAPER", "LIVE":
	default:
		return fmt.Errorf("invalid execution_mode_default %q: must be PAPER or LIVE", c.Trading.ExecutionModeDefault)
	}
	if c.Trading.ExecutionModeDefault == "LIVE" && !c.Trading.EnableLiveTrading {
		return fmt.Errorf("execution_mode_default=LIVE requires enable_live_trading=true")
	}
	if c.Trading.MaxNotionalPerOrder <= 0 {
		return fmt.Errorf("max_notional_per_order_usd must be positive, got %f", c.Trading.MaxNotionalPerOrder)
	}
	if c.Trading.ConfirmationTTLSec <= 0 {
		return fmt.Errorf("confirmation_ttl_sec must be positive, got %d", c.Trading.ConfirmationTTLSec)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	return nil
}

// LiveAllowed reports whether LIVE execution is currently permitted globally.
func (c *Config) LiveAllowed() bool {
	return c.Trading.EnableLiveTrading && !c.Trading.DisableLive && !c.Trading.ForcePaperMode
}

// HasCoinbaseCreds reports whether LIVE Coinbase credentials are configured.
func (c *Config) HasCoinbaseCreds() bool {
	return c.Coinbase.APIKeyName != "" && c.Coinbase.APIPrivateKey != ""
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "QuantPilot")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)

	v.SetDefault("trading.execution_mode_default", "PAPER")
	v.SetDefault("trading.enable_live_trading", false)
	v.SetDefault("trading.disable_live", false)
	v.SetDefault("trading.force_paper_mode", false)
	v.SetDefault("trading.max_notional_per_order_usd", 1000.0)
	v.SetDefault("trading.confirmation_ttl_sec", 300)
	v.SetDefault("trading.fetch_concurrency", 10)
	v.SetDefault("trading.crypto_fee_estimate_pct", 0.006)
	v.SetDefault("trading.default_min_notional_usd", 1.0)
	v.SetDefault("trading.stock_watchlist", []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA", "AVGO", "AMD", "NFLX"})

	v.SetDefault("coinbase.base_url", "https://api.coinbase.com")
	v.SetDefault("polygon.base_url", "https://api.polygon.io")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
