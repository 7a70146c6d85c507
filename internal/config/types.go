package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"podcastd/internal/schedule"
	"podcastd/internal/store"
	"podcastd/pkg/logx"
)

// Config is the daemon's process configuration. Schedules and podcasts live
// in the entity store, not here.
//
// Every field can be overridden by a PODCASTD_* environment variable, e.g.
// PODCASTD_STORAGE_DRIVER or PODCASTD_LOG_ALERTS_ENABLED.
type Config struct {
	Logging   LoggingConfig   `json:"logging" env:", prefix=LOG_"`
	Storage   StorageConfig   `json:"storage" env:", prefix=STORAGE_"`
	Scheduler SchedulerConfig `json:"scheduler" env:", prefix=SCHEDULER_"`
}

// LoggingConfig is hot-reloadable.
type LoggingConfig struct {
	Level   string        `json:"level" env:"LEVEL, overwrite"`
	Console bool          `json:"console" env:"CONSOLE, overwrite"`
	File    LoggingFile   `json:"file" env:", prefix=FILE_"`
	Alerts  LoggingAlerts `json:"alerts" env:", prefix=ALERTS_"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"ENABLED, overwrite"`
	Path    string `json:"path" env:"PATH, overwrite"`
}

// LoggingAlerts copies WARN+ lines to a separate file, rate limited.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled" env:"ENABLED, overwrite"`
	Path       string `json:"path" env:"PATH, overwrite"`
	MinLevel   string `json:"min_level" env:"MIN_LEVEL, overwrite"`
	RatePerSec int    `json:"rate_per_sec" env:"RATE_PER_SEC, overwrite"`
}

// StorageConfig selects the entity store. Changes require a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/podcastd.db" }
type StorageConfig struct {
	Driver    string `json:"driver" env:"DRIVER, overwrite"`
	Path      string `json:"path,omitempty" env:"PATH, overwrite"`
	DSN       string `json:"dsn,omitempty" env:"DSN, overwrite"` // postgres (do not log)
	Addr      string `json:"addr,omitempty" env:"ADDR, overwrite"`
	Password  string `json:"password,omitempty" env:"PASSWORD, overwrite"` // redis (do not log)
	DB        int    `json:"db,omitempty" env:"DB, overwrite"`
	Namespace string `json:"namespace,omitempty" env:"NAMESPACE, overwrite"`

	// Go duration strings.
	PollInterval string `json:"poll_interval,omitempty" env:"POLL_INTERVAL, overwrite"`
	BusyTimeout  string `json:"busy_timeout,omitempty" env:"BUSY_TIMEOUT, overwrite"`

	Breaker BreakerConfig `json:"breaker" env:", prefix=BREAKER_"`
}

type BreakerConfig struct {
	Enabled     bool   `json:"enabled" env:"ENABLED, overwrite"`
	MaxFailures uint32 `json:"max_failures,omitempty" env:"MAX_FAILURES, overwrite"`
	OpenTimeout string `json:"open_timeout,omitempty" env:"OPEN_TIMEOUT, overwrite"`
}

// SchedulerConfig applies to every Worker. Changes require a restart.
type SchedulerConfig struct {
	// Tick is the cadence of every tick loop (Go duration, default "1s").
	Tick string `json:"tick,omitempty" env:"TICK, overwrite"`
	// Timezone is "UTC" (default), "Local", a fixed offset like "+02:00", or an IANA name.
	Timezone string `json:"timezone,omitempty" env:"TIMEZONE, overwrite"`
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alerts: logx.AlertsConfig{
			Enabled:    c.Alerts.Enabled,
			Path:       c.Alerts.Path,
			MinLevel:   c.Alerts.MinLevel,
			RatePerSec: c.Alerts.RatePerSec,
		},
	}
}

// Store resolves the storage section into driver options.
func (c StorageConfig) Store() (store.Config, error) {
	poll, err := ParseDurationField("storage.poll_interval", c.PollInterval)
	if err != nil {
		return store.Config{}, err
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	open, err := ParseDurationField("storage.breaker.open_timeout", c.Breaker.OpenTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:       strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:         strings.TrimSpace(c.Path),
		DSN:          strings.TrimSpace(c.DSN),
		Addr:         strings.TrimSpace(c.Addr),
		Password:     c.Password,
		DB:           c.DB,
		Namespace:    strings.TrimSpace(c.Namespace),
		PollInterval: poll,
		BusyTimeout:  busy,
		Breaker: store.BreakerConfig{
			Enabled:     c.Breaker.Enabled,
			MaxFailures: c.Breaker.MaxFailures,
			OpenTimeout: open,
		},
	}, nil
}

// Resolve returns the tick cadence and timezone with defaults applied.
func (c SchedulerConfig) Resolve() (time.Duration, schedule.Timezone, error) {
	tick, err := ParseDurationOrDefault("scheduler.tick", c.Tick, time.Second)
	if err != nil {
		return 0, schedule.Timezone{}, err
	}
	tz, err := schedule.ParseTimezone(c.Timezone)
	if err != nil {
		return 0, schedule.Timezone{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return tick, tz, nil
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	return errors.Join(validateStorage(cfg.Storage), ValidateWithoutStorage(cfg))
}

// ValidateWithoutStorage checks everything except the storage section, for
// processes that ignore the configured store.
func ValidateWithoutStorage(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var problems []error
	if _, _, err := cfg.Scheduler.Resolve(); err != nil {
		problems = append(problems, err)
	}
	if cfg.Logging.Alerts.RatePerSec < 0 {
		problems = append(problems, errors.New("logging.alerts.rate_per_sec must be >= 0"))
	}
	return errors.Join(problems...)
}

func validateStorage(st StorageConfig) error {
	var problems []error
	if _, err := st.Store(); err != nil {
		problems = append(problems, err)
	}
	driver := strings.ToLower(strings.TrimSpace(st.Driver))
	switch driver {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			problems = append(problems, fmt.Errorf("storage.path is required for driver %q", driver))
		}
	case "redis":
		if strings.TrimSpace(st.Addr) == "" {
			problems = append(problems, errors.New("storage.addr is required for driver \"redis\""))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(st.DSN) == "" {
			problems = append(problems, errors.New("storage.dsn is required for driver \"postgres\""))
		}
	default:
		problems = append(problems, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}
	return errors.Join(problems...)
}
