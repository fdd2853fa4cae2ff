// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - New() builds a Config with defaults; Load layers file and env on top.
//   - Durations are expressed in integer milliseconds or minutes so that env
//     overrides stay plain numbers.
package config

import (
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DatabasePath is the SQLite file shared with the CRUD collaborator.
	DatabasePath string `koanf:"database_path"`

	// QueueSize bounds the background job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of background workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize bounds the mutation idempotency cache.
	DedupeSize int `koanf:"dedupe_size"`

	// StatsQuietPeriodMS is the debounce window for stats recomputes.
	StatsQuietPeriodMS int `koanf:"stats_quiet_period_ms"`

	// RebuildIntervalMinutes schedules a periodic full rebuild; 0 disables it.
	RebuildIntervalMinutes int `koanf:"rebuild_interval_minutes"`

	// DefaultTimelineLimit is the page size when GET /timeline has no limit.
	DefaultTimelineLimit int `koanf:"default_timeline_limit"`

	// MaxTimelineLimit caps GET /timeline?limit.
	MaxTimelineLimit int `koanf:"max_timeline_limit"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:               "info",
		LogFormat:              "text",
		Addr:                   ":9080",
		DatabasePath:           "roastlog.db",
		QueueSize:              1024,
		WorkerCount:            runtime.NumCPU(),
		DedupeSize:             10_000,
		StatsQuietPeriodMS:     2000,
		RebuildIntervalMinutes: 0,
		DefaultTimelineLimit:   20,
		MaxTimelineLimit:       100,
	}
}

// StatsQuietPeriod returns the stats debounce window.
func (c *Config) StatsQuietPeriod() time.Duration {
	return time.Duration(c.StatsQuietPeriodMS) * time.Millisecond
}

// RebuildInterval returns the periodic rebuild interval, zero when disabled.
func (c *Config) RebuildInterval() time.Duration {
	return time.Duration(c.RebuildIntervalMinutes) * time.Minute
}
