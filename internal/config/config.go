// Package config defines the top-level configuration for the challenge engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STOCKQUEST_* environment variables.
// Monetary and percent values are TOML strings (e.g. "0.5") so they decode
// into decimals without a float round trip.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Trading  TradingConfig  `toml:"trading"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int `toml:"port"`
	ShutdownTimeout int `toml:"shutdown_timeout_seconds"`
}

// DatabaseConfig holds PostgreSQL connection parameters. An empty DSN runs
// the engine on the in-memory store.
type DatabaseConfig struct {
	DSN          string `toml:"dsn"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
}

// RedisConfig holds Redis cache parameters. An empty addr disables caching.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// TradingConfig holds execution model and order queue parameters. Slippage
// values are percents, commission_rate a fraction of notional.
type TradingConfig struct {
	SlippageFloor  decimal.Decimal `toml:"slippage_floor"`
	SlippageCap    decimal.Decimal `toml:"slippage_cap"`
	SlippageImpact decimal.Decimal `toml:"slippage_impact"`
	CommissionRate decimal.Decimal `toml:"commission_rate"`
	QueueDepth     int             `toml:"queue_depth"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10,
		},
		Database: DatabaseConfig{
			DSN:          "",
			PoolMaxConns: 10,
			PoolMinConns: 2,
		},
		Redis: RedisConfig{
			Addr:       "",
			DB:         0,
			TTLSeconds: 30,
		},
		Trading: TradingConfig{
			SlippageFloor:  decimal.Zero,
			SlippageCap:    decimal.NewFromInt(3),
			SlippageImpact: decimal.RequireFromString("0.1"),
			CommissionRate: decimal.Zero,
			QueueDepth:     16,
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout < 1 {
		errs = append(errs, "server: shutdown_timeout_seconds must be >= 1")
	}

	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must be within [0, pool_max_conns]")
	}

	if c.Redis.Addr != "" && c.Redis.TTLSeconds < 1 {
		errs = append(errs, "redis: ttl_seconds must be >= 1 when addr is set")
	}

	if c.Trading.SlippageFloor.IsNegative() || c.Trading.SlippageFloor.GreaterThan(c.Trading.SlippageCap) {
		errs = append(errs, "trading: slippage_floor must be within [0, slippage_cap]")
	}
	if c.Trading.SlippageImpact.IsNegative() {
		errs = append(errs, "trading: slippage_impact must be >= 0")
	}
	if c.Trading.CommissionRate.IsNegative() {
		errs = append(errs, "trading: commission_rate must be >= 0")
	}
	if c.Trading.QueueDepth < 1 {
		errs = append(errs, "trading: queue_depth must be >= 1")
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
