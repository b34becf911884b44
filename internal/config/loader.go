package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path (skipped when path is empty
// or the file does not exist), merges it on top of the built-in defaults,
// applies STOCKQUEST_* environment variable overrides, and returns the final
// Config. The returned Config has NOT been validated; the caller should
// invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STOCKQUEST_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "STOCKQUEST_SERVER_PORT")
	setInt(&cfg.Server.ShutdownTimeout, "STOCKQUEST_SERVER_SHUTDOWN_TIMEOUT_SECONDS")

	setStr(&cfg.Database.DSN, "STOCKQUEST_DATABASE_DSN")
	setInt(&cfg.Database.PoolMaxConns, "STOCKQUEST_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "STOCKQUEST_DATABASE_POOL_MIN_CONNS")

	setStr(&cfg.Redis.Addr, "STOCKQUEST_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STOCKQUEST_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STOCKQUEST_REDIS_DB")
	setInt(&cfg.Redis.TTLSeconds, "STOCKQUEST_REDIS_TTL_SECONDS")

	setDecimal(&cfg.Trading.SlippageFloor, "STOCKQUEST_TRADING_SLIPPAGE_FLOOR")
	setDecimal(&cfg.Trading.SlippageCap, "STOCKQUEST_TRADING_SLIPPAGE_CAP")
	setDecimal(&cfg.Trading.SlippageImpact, "STOCKQUEST_TRADING_SLIPPAGE_IMPACT")
	setDecimal(&cfg.Trading.CommissionRate, "STOCKQUEST_TRADING_COMMISSION_RATE")
	setInt(&cfg.Trading.QueueDepth, "STOCKQUEST_TRADING_QUEUE_DEPTH")

	setStr(&cfg.LogLevel, "STOCKQUEST_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses cleanly.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
