package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Exchange.BaseURL == "" {
		return errors.New("exchange.base_url is required")
	}
	if c.Exchange.RateLimitPerMinute < 1 {
		return errors.New("exchange.rate_limit_per_minute must be >= 1")
	}
	if c.Exchange.MaxRetries < 0 {
		return errors.New("exchange.max_retries must be >= 0")
	}
	if c.Exchange.KeyID != "" && c.Exchange.PrivateKeyPath == "" {
		return errors.New("exchange.private_key_path is required when key_id is set")
	}

	if c.Ingest.Interval < time.Second {
		return fmt.Errorf("ingest.interval must be >= 1s, got %s", c.Ingest.Interval)
	}
	if c.Ingest.PageSize < 1 {
		return errors.New("ingest.page_size must be >= 1")
	}
	if c.Ingest.MinCreatedTS != "" {
		if _, err := time.Parse(time.RFC3339, c.Ingest.MinCreatedTS); err != nil {
			return fmt.Errorf("ingest.min_created_ts must be RFC 3339: %w", err)
		}
	}

	if c.Risk.MaxPositionPerMarket < 0 || c.Risk.MaxOrderSize < 0 ||
		c.Risk.MaxGrossExposureCents < 0 || c.Risk.MaxOrdersPerMinute < 0 {
		return errors.New("risk limits must be non-negative")
	}

	if c.Orders.SubmitAttempts < 1 {
		return errors.New("orders.submit_attempts must be >= 1")
	}

	if c.Database.Enabled {
		if err := validateDB(c); err != nil {
			return err
		}
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	return nil
}

func validateDB(c *Config) error {
	db := c.Database.Postgres
	if db.Host == "" {
		return errors.New("database.postgres.host is required")
	}
	if db.Name == "" {
		return errors.New("database.postgres.name is required")
	}
	if db.User == "" {
		return errors.New("database.postgres.user is required")
	}
	if db.Password == "" {
		return errors.New("database.postgres.password is required")
	}
	if db.MaxConns < 1 {
		return errors.New("database.postgres.max_conns must be >= 1")
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("database.postgres.min_conns (%d) cannot exceed max_conns (%d)", db.MinConns, db.MaxConns)
	}
	return nil
}
