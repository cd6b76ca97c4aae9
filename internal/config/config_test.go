package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/james-s-roche/prediction-markets/internal/store"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: trader-1
exchange:
  base_url: https://demo-api.kalshi.co/trade-api/v2
  rate_limit_per_minute: 60
risk:
  max_position_per_market: 100
  position_overrides:
    M-HOT: 20
database:
  enabled: true
  postgres:
    host: localhost
    port: 5432
    name: trader
    user: trader
    password: secret
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "trader-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "trader-1")
	}
	if cfg.Exchange.BaseURL != "https://demo-api.kalshi.co/trade-api/v2" {
		t.Errorf("Exchange.BaseURL = %q", cfg.Exchange.BaseURL)
	}
	if cfg.Exchange.RateLimitPerMinute != 60 {
		t.Errorf("RateLimitPerMinute = %d, want 60", cfg.Exchange.RateLimitPerMinute)
	}
	if got := cfg.Risk.PositionOverrides["M-HOT"]; got != 20 {
		t.Errorf("PositionOverrides[M-HOT] = %d, want 20", got)
	}
	if cfg.Database.Postgres.Host != "localhost" {
		t.Errorf("Database.Postgres.Host = %q", cfg.Database.Postgres.Host)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_EXCHANGE_KEY", "key-abc")

	yaml := `
instance:
  id: trader-1
exchange:
  api_key: ${TEST_EXCHANGE_KEY}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Exchange.APIKey != "key-abc" {
		t.Errorf("Exchange.APIKey = %q, want %q", cfg.Exchange.APIKey, "key-abc")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "instance:\n  id: trader-1\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Exchange.BaseURL != DefaultBaseURL {
		t.Errorf("Exchange.BaseURL = %q, want default %q", cfg.Exchange.BaseURL, DefaultBaseURL)
	}
	if cfg.Exchange.RateLimitPerMinute != DefaultRateLimitPerMinute {
		t.Errorf("RateLimitPerMinute = %d, want default %d", cfg.Exchange.RateLimitPerMinute, DefaultRateLimitPerMinute)
	}
	if cfg.Ingest.Interval != DefaultIngestInterval {
		t.Errorf("Ingest.Interval = %v, want default %v", cfg.Ingest.Interval, DefaultIngestInterval)
	}
	if cfg.Orders.PollInterval != DefaultOrderPollInterval {
		t.Errorf("Orders.PollInterval = %v, want default %v", cfg.Orders.PollInterval, DefaultOrderPollInterval)
	}
	if cfg.Server.Addr != DefaultServerAddr {
		t.Errorf("Server.Addr = %q, want default %q", cfg.Server.Addr, DefaultServerAddr)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{Instance: InstanceConfig{ID: "trader-1"}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.Exchange.RateLimitPerMinute = 0 },
			wantErr: "exchange.rate_limit_per_minute must be >= 1",
		},
		{
			name:    "key id without private key",
			mutate:  func(c *Config) { c.Exchange.KeyID = "k-1" },
			wantErr: "exchange.private_key_path is required when key_id is set",
		},
		{
			name:    "interval too short",
			mutate:  func(c *Config) { c.Ingest.Interval = 100 * time.Millisecond },
			wantErr: "ingest.interval must be >= 1s, got 100ms",
		},
		{
			name:    "bad min created ts",
			mutate:  func(c *Config) { c.Ingest.MinCreatedTS = "yesterday" },
			wantErr: "",
		},
		{
			name:    "negative risk limit",
			mutate:  func(c *Config) { c.Risk.MaxOrderSize = -1 },
			wantErr: "risk limits must be non-negative",
		},
		{
			name: "db enabled without password",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Postgres = store.DBConfig{Host: "localhost", Name: "db", User: "u", MaxConns: 5}
			},
			wantErr: "database.postgres.password is required",
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.name == "bad min created ts" {
				if err == nil {
					t.Error("Validate() = nil, want RFC 3339 error")
				}
				return
			}
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
