package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment variable names.
const (
	EnvPrefix     = "ROASTLOG_"
	EnvConfigFile = "ROASTLOG_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if ROASTLOG_CONFIG is set
//  3. env (prefix ROASTLOG_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// ROASTLOG_QUEUE_SIZE -> queue_size; underscores are kept to match the koanf tags.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the service cannot start without.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case strings.TrimSpace(c.DatabasePath) == "":
		return fmt.Errorf("%w: database_path must not be empty", ErrInvalidConfig)
	case c.StatsQuietPeriodMS < 0:
		return fmt.Errorf("%w: stats_quiet_period_ms must not be negative", ErrInvalidConfig)
	case c.RebuildIntervalMinutes < 0:
		return fmt.Errorf("%w: rebuild_interval_minutes must not be negative", ErrInvalidConfig)
	case c.DefaultTimelineLimit < 1 || c.MaxTimelineLimit < c.DefaultTimelineLimit:
		return fmt.Errorf("%w: timeline limits must satisfy 1 <= default <= max", ErrInvalidConfig)
	}
	return nil
}
