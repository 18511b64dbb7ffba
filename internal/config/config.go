// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full server configuration.
type Config struct {
	Port        string        `env:"PORT"         envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL"    envDefault:"30s"`

	CooldownWindow      time.Duration `env:"COOLDOWN_WINDOW"      envDefault:"10m"`
	PledgeDenominations []int64       `env:"PLEDGE_DENOMINATIONS" envDefault:"100,500,1000" envSeparator:","`
	PledgeMaxAttempts   int           `env:"PLEDGE_MAX_ATTEMPTS"  envDefault:"5"`

	FeeRate               decimal.Decimal `env:"FEE_RATE"                envDefault:"0.05"`
	SweepSchedule         string          `env:"SWEEP_SCHEDULE"          envDefault:"@every 5s"`
	SettlementStream      string          `env:"SETTLEMENT_STREAM"       envDefault:"battle:settlements"`
	SettlementJournalPath string          `env:"SETTLEMENT_JOURNAL_PATH"`

	SeedFile      string `env:"SEED_FILE"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
}

// Load reads an optional .env file, then parses and validates the
// environment.
func Load() (Config, error) {
	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment without touching .env files.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engines cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.CooldownWindow <= 0 {
		errs = append(errs, errors.New("COOLDOWN_WINDOW must be positive"))
	}
	if len(c.PledgeDenominations) == 0 {
		errs = append(errs, errors.New("PLEDGE_DENOMINATIONS must not be empty"))
	}
	for _, d := range c.PledgeDenominations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("PLEDGE_DENOMINATIONS: %d is not positive", d))
		}
	}
	if c.PledgeMaxAttempts < 1 {
		errs = append(errs, errors.New("PLEDGE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("FEE_RATE %s must be in [0, 1)", c.FeeRate))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	return errors.Join(errs...)
}
