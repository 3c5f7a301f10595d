// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all gateway settings. Every field has an environment
// variable; connection strings for optional backends may be left empty to
// disable them.
type Config struct {
	// Addr is the listen address for the websocket and HTTP API.
	Addr string `env:"GATEWAY_ADDR" envDefault:":8080"`

	// PostgresDSN is the token store connection string. Required unless
	// UseMemory is set.
	PostgresDSN string `env:"POSTGRES_DSN"`

	// ClickhouseDSN enables the token-update history trail when set.
	ClickhouseDSN string `env:"CLICKHOUSE_DSN"`

	// RedisURL enables the response cache when set.
	RedisURL string `env:"REDIS_URL"`

	// UseMemory swaps the persistent store for an in-memory one. Meant for
	// local development and demos.
	UseMemory bool `env:"USE_MEMORY" envDefault:"false"`

	// AllowedOrigins restricts websocket and API access to the named
	// origins. Empty admits everything.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// QueryTimeout bounds every store read issued for a client request.
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT" envDefault:"5s"`

	// CacheTTL is the response cache expiry.
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	// HistoryFlushInterval is how often buffered history rows are written.
	HistoryFlushInterval time.Duration `env:"HISTORY_FLUSH_INTERVAL" envDefault:"5s"`

	// HistoryFlushThreshold flushes early once this many rows are buffered.
	HistoryFlushThreshold int `env:"HISTORY_FLUSH_THRESHOLD" envDefault:"64"`

	// ShutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with. A missing
// store is fatal at startup; only losing it later is survivable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("GATEWAY_ADDR must not be empty")
	}
	if !c.UseMemory && c.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required unless USE_MEMORY=true")
	}
	if c.QueryTimeout <= 0 {
		return errors.New("QUERY_TIMEOUT must be positive")
	}
	if c.HistoryFlushThreshold < 1 {
		return errors.New("HISTORY_FLUSH_THRESHOLD must be at least 1")
	}
	return nil
}
