// Package config loads and validates the immutable application
// configuration: YAML file, PERPARENA_* environment overrides, and
// defaults. The resulting Config is passed into constructors and never
// mutated after Load returns.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App      AppConfig                `mapstructure:"app"`
	Database DatabaseConfig           `mapstructure:"database"`
	Venue    VenueConfig              `mapstructure:"venue"`
	Trading  TradingConfig            `mapstructure:"trading"`
	Models   map[string]ModelEndpoint `mapstructure:"models"`
	Metrics  MetricsConfig            `mapstructure:"metrics"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings. The DSN comes from the
// DATABASE_URL environment variable; only pool sizing lives in the file.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// VenueConfig contains the perpetual DEX endpoints and signing settings.
// The signing key is taken from the environment, never from the file.
type VenueConfig struct {
	InfoURL         string        `mapstructure:"info_url"`
	ExchangeURL     string        `mapstructure:"exchange_url"`
	IsTestnet       bool          `mapstructure:"is_testnet"`
	SlippagePct     float64       `mapstructure:"slippage_pct"` // aggressive IOC price offset from mid
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PrivateKeyEnv   string        `mapstructure:"private_key_env"`
}

// TradingConfig contains the cycle and global risk settings.
type TradingConfig struct {
	Period            time.Duration `mapstructure:"period"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	GlobalMaxLeverage int           `mapstructure:"global_max_leverage"`
	AgentsFile        string        `mapstructure:"agents_file"`
}

// ModelEndpoint is one OpenAI-compatible chat-completion endpoint. Providers
// are distinguished only by this triple; the API key is resolved from the
// named environment variable at client construction.
type ModelEndpoint struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads configuration from the given file (or the default search
// path), applies environment overrides, and validates the result.
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
	v.SetEnvPrefix("PERPARENA")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "perparena")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	v.SetDefault("database.pool_size", 5)

	v.SetDefault("venue.info_url", "https://api.hyperliquid.xyz/info")
	v.SetDefault("venue.exchange_url", "https://api.hyperliquid.xyz/exchange")
	v.SetDefault("venue.is_testnet", false)
	v.SetDefault("venue.slippage_pct", 0.05)
	v.SetDefault("venue.rate_limit_per_min", 60)
	v.SetDefault("venue.request_timeout", "5s")
	v.SetDefault("venue.private_key_env", "PERPARENA_SIGNING_KEY")

	v.SetDefault("trading.period", "180s")
	v.SetDefault("trading.shutdown_timeout", "60s")
	v.SetDefault("trading.global_max_leverage", 10)
	v.SetDefault("trading.agents_file", "configs/agents.yaml")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)
}

// Validate checks the configuration for startup-fatal problems.
// A failure here is ConfigInvalid: the process exits with code 1.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database url is required (set DATABASE_URL)")
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("config: database pool_size must be >= 1, got %d", c.Database.PoolSize)
	}
	if c.Venue.InfoURL == "" || c.Venue.ExchangeURL == "" {
		return fmt.Errorf("config: venue info_url and exchange_url are required")
	}
	if c.Venue.SlippagePct <= 0 || c.Venue.SlippagePct >= 1 {
		return fmt.Errorf("config: venue slippage_pct must be in (0,1), got %f", c.Venue.SlippagePct)
	}
	if c.Venue.RateLimitPerMin < 1 {
		return fmt.Errorf("config: venue rate_limit_per_min must be >= 1, got %d", c.Venue.RateLimitPerMin)
	}
	if c.Trading.Period <= 0 {
		return fmt.Errorf("config: trading period must be positive, got %s", c.Trading.Period)
	}
	if c.Trading.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: trading shutdown_timeout must be positive, got %s", c.Trading.ShutdownTimeout)
	}
	if c.Trading.GlobalMaxLeverage < 1 {
		return fmt.Errorf("config: global_max_leverage must be >= 1, got %d", c.Trading.GlobalMaxLeverage)
	}
	for name, ep := range c.Models {
		if ep.BaseURL == "" {
			return fmt.Errorf("config: model %q has no base_url", name)
		}
		if ep.Model == "" {
			return fmt.Errorf("config: model %q has no model name", name)
		}
	}
	return nil
}

// SigningKey resolves the venue signing key from the configured environment
// variable. The key lives in process memory only and is never logged.
func (c *VenueConfig) SigningKey() (string, error) {
	key := os.Getenv(c.PrivateKeyEnv)
	if key == "" {
		return "", fmt.Errorf("config: signing key environment variable %s is not set", c.PrivateKeyEnv)
	}
	return key, nil
}
