package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	StoreDriver    string `env:"STORE_DRIVER" envDefault:"postgres"`
	PostgresDSN    string `env:"POSTGRES_DSN"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"jobs.db"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisWakeupKey string `env:"REDIS_WAKEUP_KEY" envDefault:"jobs:wakeup"`

	// HTTPAddr enables the producer API when set.
	HTTPAddr string `env:"HTTP_ADDR"`

	Runners            int           `env:"RUNNERS" envDefault:"1"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	StaleCheckInterval time.Duration `env:"STALE_CHECK_INTERVAL" envDefault:"5m"`
	StaleAfter         time.Duration `env:"STALE_AFTER" envDefault:"30m"`
	MaxStoreErrors     int           `env:"MAX_STORE_ERRORS" envDefault:"10"`
	AllTypes           bool          `env:"CLAIM_ALL_TYPES" envDefault:"false"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	OTelExporter string `env:"OTEL_EXPORTER" envDefault:"none"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return Parse(env.Options{})
}

// Parse is Load with explicit options; tests pass Environment to avoid
// touching the real process environment.
func Parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required with STORE_DRIVER=%s", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required with STORE_DRIVER=%s", DriverSQLite)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Runners < 0 {
		return fmt.Errorf("RUNNERS must not be negative, got %d", c.Runners)
	}
	if c.PollInterval <= 0 || c.StaleCheckInterval <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("POLL_INTERVAL, STALE_CHECK_INTERVAL and STALE_AFTER must be positive")
	}
	if c.Runners == 0 && c.HTTPAddr == "" {
		return fmt.Errorf("nothing to run: set RUNNERS or HTTP_ADDR")
	}
	return nil
}
