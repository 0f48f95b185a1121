// Package config loads, validates, and hot-reloads the chronod configuration
// file. Both YAML and JSON are accepted; YAML is coerced to JSON so one strict
// decoder covers both.
package config

import "time"

type Config struct {
	Database  DatabaseConfig  `json:"database" validate:"required"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner,omitempty"`

	// Dispatcher is the optional outbound delivery queue. Nil means disabled.
	Dispatcher *DispatcherConfig `json:"dispatcher,omitempty"`

	Metrics MetricsConfig `json:"metrics,omitempty"`
}

type DatabaseConfig struct {
	Path string `json:"path" validate:"required"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=TRACE DEBUG INFO WARN WARNING ERROR trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig tunes the polling engine.
//
// All durations are Go duration strings (e.g. "30s", "1m").
// Defaults when omitted/zero: check_interval 60s, shutdown_timeout 30s,
// retention_days 30, max_concurrent 10.
type SchedulerConfig struct {
	CheckInterval   string `json:"check_interval,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	RetentionDays   int    `json:"retention_days,omitempty" validate:"gte=0"`
	MaxConcurrent   int    `json:"max_concurrent,omitempty" validate:"gte=0,lte=1024"`
}

type RunnerConfig struct {
	// Shell interprets job command lines; default "/bin/sh".
	Shell string `json:"shell,omitempty"`
}

// DispatcherConfig controls the outbound delivery queue, which lives in its
// own SQLite database separate from the job store.
type DispatcherConfig struct {
	Enabled      bool    `json:"enabled"`
	DBPath       string  `json:"db_path" validate:"required_if=Enabled true"`
	PollInterval string  `json:"poll_interval,omitempty"` // default "30s"
	RatePerSec   float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`

	// Senders maps a delivery channel name to the shell command that performs
	// the send. The item payload is passed on stdin.
	Senders map[string]string `json:"senders,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
}

// Default returns the configuration used when a section is omitted entirely.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./chronod.db", BusyTimeout: "5s"},
		Logging:  LoggingConfig{Level: "INFO", Console: true},
	}
}

// ---- parsed accessors ----

func (d DatabaseConfig) BusyTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("database.busy_timeout", d.BusyTimeout, 5*time.Second)
}

func (s SchedulerConfig) CheckIntervalDuration() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.check_interval", s.CheckInterval, 60*time.Second)
}

func (s SchedulerConfig) ShutdownTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.shutdown_timeout", s.ShutdownTimeout, 30*time.Second)
}

func (d DispatcherConfig) PollIntervalDuration() (time.Duration, error) {
	return ParseDurationOrDefault("dispatcher.poll_interval", d.PollInterval, 30*time.Second)
}
