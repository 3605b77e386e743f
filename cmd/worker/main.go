// Command worker runs the task queue: a pool of executor goroutines
// claiming and running tasks, a periodic scheduler firing recurring
// templates, and a metrics/health HTTP server.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/silvertask/taskyard/config"
	"github.com/silvertask/taskyard/internal/db"
	"github.com/silvertask/taskyard/internal/executor"
	"github.com/silvertask/taskyard/internal/health"
	"github.com/silvertask/taskyard/internal/job"
	ctxlog "github.com/silvertask/taskyard/internal/log"
	"github.com/silvertask/taskyard/internal/metrics"
	"github.com/silvertask/taskyard/internal/periodic"
	"github.com/silvertask/taskyard/internal/queue"
	"github.com/silvertask/taskyard/internal/workerpool"
	"github.com/silvertask/taskyard/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()
	logger.Info("db connected")

	if err := db.Migrate(ctx, pool, migrations.FS, logger); err != nil {
		stop()
		log.Fatalf("migrate: %v", err)
	}
	logger.Info("migrations applied")

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	q := queue.New(pool)
	registry := buildRegistry()

	var taskType *string
	if cfg.TaskType != "" {
		taskType = &cfg.TaskType
	}

	retentionMode := parseRetentionMode(cfg.RetentionMode)
	sleepParams := executor.SleepParams{
		Min:     time.Duration(cfg.SleepMinSeconds) * time.Second,
		Max:     time.Duration(cfg.SleepMaxSeconds) * time.Second,
		Step:    time.Duration(cfg.SleepStepSeconds) * time.Second,
		Current: time.Duration(cfg.SleepMinSeconds) * time.Second,
	}

	workers := workerpool.NewWithParams(cfg.WorkerCount, workerpool.WorkerParams{
		TaskType:      taskType,
		RetentionMode: &retentionMode,
		SleepParams:   &sleepParams,
	}, q, registry)
	workers.Logger = logger
	workers.Start(ctx)

	sched := periodic.New(q, time.Duration(cfg.SchedulerCheckPeriodSeconds)*time.Second, cfg.SchedulerErrorMarginSeconds)
	sched.Logger = logger
	sched.Registry = registry
	sched.Start(ctx)

	metrics.WorkerStartTime.SetToCurrentTime()
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	sched.Stop()
	workers.Shutdown()
	metrics.WorkerShutdownsTotal.Inc()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("worker shut down")
}

// buildRegistry registers every Runnable type this binary knows how to
// execute. Applications embedding this queue as a library register their
// own job types the same way; this binary ships empty by default since
// job types are application-specific.
func buildRegistry() *job.Registry {
	return job.NewRegistry()
}

func parseRetentionMode(s string) executor.RetentionMode {
	switch s {
	case "keep_all":
		return executor.RetentionKeepAll
	case "remove_all":
		return executor.RetentionRemoveAll
	default:
		return executor.RetentionRemoveFinished
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
