// Package config loads the engine configuration from the environment:
// .env file via godotenv (non-fatal if absent), envconfig struct tags,
// then struct validation.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr     string `envconfig:"ADDR" default:":8080"`
	DBPath   string `envconfig:"DB_PATH" default:"lifecycle.db"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`

	// Scheduler loop: poll cadence balances promptness against database
	// load; execution is "at or after the due time", never exact-time.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"15s" validate:"min=1s"`
	BatchSize    int           `envconfig:"BATCH_SIZE" default:"50" validate:"min=1"`
	Workers      int           `envconfig:"WORKERS" default:"8" validate:"min=1"`
	StepTimeout  time.Duration `envconfig:"STEP_TIMEOUT" default:"60s" validate:"min=1s"`

	// Day arithmetic is normalized to DueHour local time in OrgTimezone.
	OrgTimezone string `envconfig:"ORG_TIMEZONE" default:"UTC"`
	DueHour     int    `envconfig:"DUE_HOUR" default:"9" validate:"min=0,max=23"`

	// Step handler wiring; at most one is used, webhook preferred.
	WebhookEndpoint string `envconfig:"PROVISIONING_WEBHOOK_URL" validate:"omitempty,url"`
	ScriptPath      string `envconfig:"PROVISIONING_SCRIPT"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("helios", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.LoadLocation(cfg.OrgTimezone); err != nil {
		return nil, fmt.Errorf("invalid ORG_TIMEZONE %q: %w", cfg.OrgTimezone, err)
	}
	return &cfg, nil
}

// Location resolves the configured organization timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.OrgTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
