package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL            = "https://api.elections.kalshi.com/trade-api/v2"
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRateLimitPerMinute = 120

	DefaultIngestInterval = 60 * time.Second
	DefaultPageSize       = 200

	DefaultOrderPollInterval = 15 * time.Second
	DefaultSubmitAttempts    = 3
	DefaultRetryBackoff      = 500 * time.Millisecond

	DefaultDBPort   = 5432
	DefaultMaxConns = 10
	DefaultMinConns = 2

	DefaultServerAddr = ":8080"
	DefaultRedisAddr  = "localhost:6379"
)

func (c *Config) applyDefaults() {
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = DefaultBaseURL
	}
	if c.Exchange.Timeout == 0 {
		c.Exchange.Timeout = DefaultAPITimeout
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = DefaultMaxRetries
	}
	if c.Exchange.RateLimitPerMinute == 0 {
		c.Exchange.RateLimitPerMinute = DefaultRateLimitPerMinute
	}

	if c.Ingest.Interval == 0 {
		c.Ingest.Interval = DefaultIngestInterval
	}
	if c.Ingest.PageSize == 0 {
		c.Ingest.PageSize = DefaultPageSize
	}

	if c.Orders.PollInterval == 0 {
		c.Orders.PollInterval = DefaultOrderPollInterval
	}
	if c.Orders.SubmitAttempts == 0 {
		c.Orders.SubmitAttempts = DefaultSubmitAttempts
	}
	if c.Orders.RetryBackoff == 0 {
		c.Orders.RetryBackoff = DefaultRetryBackoff
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = DefaultDBPort
	}
	if c.Database.Postgres.MaxConns == 0 {
		c.Database.Postgres.MaxConns = DefaultMaxConns
	}
	if c.Database.Postgres.MinConns == 0 {
		c.Database.Postgres.MinConns = DefaultMinConns
	}

	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
}
