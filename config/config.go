// Package config loads and validates the worker's configuration from
// environment variables.
package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the full set of environment-derived settings for
// cmd/worker. Every field has a sane default except DatabaseURL, which is
// required.
type Config struct {
	Env string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// WorkerCount is the number of concurrent executor goroutines in the
	// pool.
	WorkerCount int `env:"WORKER_COUNT" envDefault:"5" validate:"min=1,max=200"`

	// TaskType restricts every worker in the pool to a single task_type
	// lane. Empty means no filter: workers claim any task_type.
	TaskType string `env:"TASK_TYPE" envDefault:""`

	// RetentionMode is one of keep_all, remove_all, remove_finished.
	RetentionMode string `env:"RETENTION_MODE" envDefault:"remove_finished" validate:"required,oneof=keep_all remove_all remove_finished"`

	SleepMinSeconds int `env:"SLEEP_MIN_SECONDS" envDefault:"5" validate:"min=1"`
	SleepMaxSeconds int `env:"SLEEP_MAX_SECONDS" envDefault:"15" validate:"min=1"`
	SleepStepSeconds int `env:"SLEEP_STEP_SECONDS" envDefault:"5" validate:"min=1"`

	// SchedulerCheckPeriodSeconds is how often the periodic scheduler
	// scans fang_periodic_tasks for due work.
	SchedulerCheckPeriodSeconds int `env:"SCHEDULER_CHECK_PERIOD_SECONDS" envDefault:"5" validate:"min=1"`

	// SchedulerErrorMarginSeconds is the +/- window around now a periodic
	// task's scheduled_at must fall in to be considered due.
	SchedulerErrorMarginSeconds int64 `env:"SCHEDULER_ERROR_MARGIN_SECONDS" envDefault:"2" validate:"min=0"`

	// DBMaxConns caps the pgx pool; it should comfortably exceed
	// WorkerCount so the scheduler and health checks always have a spare
	// connection available.
	DBMaxConns int32 `env:"DB_MAX_CONNS" envDefault:"20" validate:"min=1"`
	DBMinConns int32 `env:"DB_MIN_CONNS" envDefault:"2" validate:"min=0"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`
}

// Load parses environment variables into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
