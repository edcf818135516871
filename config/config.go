package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

/* Config is read from a .env file (toml) in the working directory when
 * present, environment variables win over the file.
 */

// Store backends
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	MetricsPort string `mapstructure:"METRICS_PORT"` // worker /metrics listener, empty disables
	ServiceName string `mapstructure:"SERVICE_NAME"`
	ProductName string `mapstructure:"PRODUCT_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	Store         string `mapstructure:"STORE"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	CatalogFile   string `mapstructure:"CATALOG_FILE"`

	RateLimitRequests      int  `mapstructure:"RATE_LIMIT_REQUESTS"`
	RateLimitWindowSeconds int  `mapstructure:"RATE_LIMIT_WINDOW_SECONDS"`
	RateLimitMarginSeconds int  `mapstructure:"RATE_LIMIT_MARGIN_SECONDS"`
	TrustForwardedFor      bool `mapstructure:"TRUST_FORWARDED_FOR"`

	SweepSchedule         string  `mapstructure:"SWEEP_SCHEDULE"`
	SweepBatchSize        int     `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepParallelism      int     `mapstructure:"SWEEP_PARALLELISM"`
	SweepRatePerSecond    float64 `mapstructure:"SWEEP_RATE_PER_SECOND"`
	AttemptTimeoutSeconds int     `mapstructure:"ATTEMPT_TIMEOUT_SECONDS"`
}

var defaults = map[string]any{
	"PORT":         "8080",
	"METRICS_PORT": "9091",
	"SERVICE_NAME": "roster-hooks",
	"PRODUCT_NAME": "Roster",
	"LOG_LEVEL":    "info",

	"STORE":          StoreRedis,
	"REDIS_ADDR":     "localhost:6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,
	"DATABASE_URL":   "",
	"CATALOG_FILE":   "",

	"RATE_LIMIT_REQUESTS":       100,
	"RATE_LIMIT_WINDOW_SECONDS": 60,
	"RATE_LIMIT_MARGIN_SECONDS": 60,
	"TRUST_FORWARDED_FOR":       false,

	"SWEEP_SCHEDULE":          "@every 1m",
	"SWEEP_BATCH_SIZE":        100,
	"SWEEP_PARALLELISM":       4,
	"SWEEP_RATE_PER_SECOND":   0.0,
	"ATTEMPT_TIMEOUT_SECONDS": 10,
}

// GetConfig reads .env from the working directory plus the environment
func GetConfig() (*Config, error) {
	return Load(".")
}

// Load reads .env from dir plus the environment
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &config, nil
}

// Validate rejects out-of-range values
func (c *Config) Validate() error {
	switch c.Store {
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("STORE must be %s or %s (got %q)", StoreRedis, StorePostgres, c.Store)
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS cannot be negative")
	}
	if c.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be at least 1")
	}
	if c.RateLimitMarginSeconds < 0 {
		return fmt.Errorf("RATE_LIMIT_MARGIN_SECONDS cannot be negative")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("invalid SWEEP_SCHEDULE: %w", err)
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1")
	}
	if c.SweepParallelism < 1 {
		return fmt.Errorf("SWEEP_PARALLELISM must be at least 1")
	}
	if c.SweepRatePerSecond < 0 {
		return fmt.Errorf("SWEEP_RATE_PER_SECOND cannot be negative")
	}
	if c.AttemptTimeoutSeconds < 1 {
		return fmt.Errorf("ATTEMPT_TIMEOUT_SECONDS must be at least 1")
	}
	return nil
}

// RateLimitWindow returns the default window as a duration
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// RateLimitMargin returns how long counters outlive their window
func (c *Config) RateLimitMargin() time.Duration {
	return time.Duration(c.RateLimitMarginSeconds) * time.Second
}

// AttemptTimeout returns the per-attempt HTTP timeout
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}
