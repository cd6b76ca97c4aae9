// Package config defines the YAML configuration for the trader process.
package config

import (
	"time"

	"github.com/james-s-roche/prediction-markets/internal/model"
	"github.com/james-s-roche/prediction-markets/internal/store"
)

// Config is the full trader configuration.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Risk     RiskConfig     `yaml:"risk"`
	Orders   OrdersConfig   `yaml:"orders"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ExchangeConfig configures the exchange REST client.
type ExchangeConfig struct {
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	KeyID              string        `yaml:"key_id"`
	PrivateKeyPath     string        `yaml:"private_key_path"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
}

// IngestConfig configures the ingestion scheduler.
type IngestConfig struct {
	Interval     time.Duration `yaml:"interval"`
	PageSize     int           `yaml:"page_size"`
	MinCreatedTS string        `yaml:"min_created_ts"` // RFC 3339, optional
}

// RiskConfig holds the starting risk limits. They can be replaced at runtime
// through the facade.
type RiskConfig struct {
	MaxPositionPerMarket  int64            `yaml:"max_position_per_market"`
	MaxOrderSize          int64            `yaml:"max_order_size"`
	MaxGrossExposureCents int64            `yaml:"max_gross_exposure_cents"`
	MaxOrdersPerMinute    int              `yaml:"max_orders_per_minute"`
	PositionOverrides     map[string]int64 `yaml:"position_overrides"`
}

// Limits converts the config into the model limits.
func (r RiskConfig) Limits() model.RiskLimit {
	return model.RiskLimit{
		MaxPositionPerMarket: r.MaxPositionPerMarket,
		MaxOrderSize:         r.MaxOrderSize,
		MaxGrossExposure:     r.MaxGrossExposureCents,
		MaxOrdersPerMinute:   r.MaxOrdersPerMinute,
		PositionOverrides:    r.PositionOverrides,
	}
}

// OrdersConfig configures the order manager.
type OrdersConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	SubmitAttempts int           `yaml:"submit_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// DatabaseConfig selects the store backend. With Enabled false the process
// runs on the in-memory store.
type DatabaseConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Postgres store.DBConfig `yaml:"postgres"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig configures the change notifier.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}
