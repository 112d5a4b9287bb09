// Package config loads service configuration from the environment and an
// optional .env / config.env file through viper. Environment variables win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config groups the settings of the server and the worker.
type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Storage StorageConfig
	Redis   RedisConfig
	Ledger  LedgerConfig
	Worker  WorkerConfig
}

// AppConfig holds general settings.
type AppConfig struct {
	Env      string // development, staging, production
	LogLevel string
}

// IsDevelopment reports whether the service runs in development mode.
func (c AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// HTTPConfig holds the listener settings.
type HTTPConfig struct {
	Host      string
	Port      int
	RateLimit string // ulule/limiter format, e.g. "100-M"
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects and configures the backend.
type StorageConfig struct {
	Driver      string
	DatabaseURL string
	MaxConns    int32
	// CatalogFile is a JSON catalog seed loaded by the memory driver.
	CatalogFile string

	StatementTimeout time.Duration
	LockTimeout      time.Duration
}

// RedisConfig configures the resource catalog cache. An empty Addr disables
// the cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// LedgerConfig tunes the stock store and the journal.
type LedgerConfig struct {
	RetryAttempts    int
	RetryBackoff     time.Duration
	StagingStaleAt   time.Duration
	StagingRetention time.Duration
}

// WorkerConfig tunes the background loops.
type WorkerConfig struct {
	RecoveryInterval time.Duration
	OutboxBatchSize  int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("RATE_LIMIT", "300-M")

	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("CATALOG_FILE", "")
	v.SetDefault("DB_STATEMENT_TIMEOUT", "30s")
	v.SetDefault("DB_LOCK_TIMEOUT", "5s")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CATALOG_CACHE_TTL", "10m")

	v.SetDefault("STOCK_RETRY_ATTEMPTS", 3)
	v.SetDefault("STOCK_RETRY_BACKOFF", "10ms")
	v.SetDefault("STAGING_STALE_AFTER", "1m")
	v.SetDefault("STAGING_RETENTION", "168h")

	v.SetDefault("RECOVERY_INTERVAL", "30s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
}

// Load reads configuration from environment variables, falling back to
// .env or config.env in the working directory (or ./config).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigType("env")
	for _, name := range []string{".env", "config"} {
		v.SetConfigName(name)
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return FromViper(v)
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("APP_ENV"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		HTTP: HTTPConfig{
			Host:      v.GetString("HTTP_HOST"),
			Port:      v.GetInt("HTTP_PORT"),
			RateLimit: v.GetString("RATE_LIMIT"),
		},
		Storage: StorageConfig{
			Driver:      strings.ToLower(v.GetString("STORAGE_DRIVER")),
			DatabaseURL: v.GetString("DATABASE_URL"),
			MaxConns:    v.GetInt32("DB_MAX_CONNS"),
			CatalogFile: v.GetString("CATALOG_FILE"),

			StatementTimeout: v.GetDuration("DB_STATEMENT_TIMEOUT"),
			LockTimeout:      v.GetDuration("DB_LOCK_TIMEOUT"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			TTL:      v.GetDuration("CATALOG_CACHE_TTL"),
		},
		Ledger: LedgerConfig{
			RetryAttempts:    clamp(v.GetInt("STOCK_RETRY_ATTEMPTS"), 1, 3),
			RetryBackoff:     v.GetDuration("STOCK_RETRY_BACKOFF"),
			StagingStaleAt:   v.GetDuration("STAGING_STALE_AFTER"),
			StagingRetention: v.GetDuration("STAGING_RETENTION"),
		},
		Worker: WorkerConfig{
			RecoveryInterval: v.GetDuration("RECOVERY_INTERVAL"),
			OutboxBatchSize:  v.GetInt("OUTBOX_BATCH_SIZE"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s driver", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port)
	}
	if c.Worker.RecoveryInterval <= 0 {
		return fmt.Errorf("RECOVERY_INTERVAL must be positive")
	}
	return nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
