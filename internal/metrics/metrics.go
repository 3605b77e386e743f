// Package metrics exposes the task queue's Prometheus instrumentation
// and the HTTP server that serves it.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/silvertask/taskyard/internal/health"
)

var (
	// Pickup latency: time between a task's created_at and the moment a
	// worker claims it via FetchAndTouch.
	TaskPickupLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskyard",
		Name:      "task_pickup_latency_seconds",
		Help:      "Time from task creation to a worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"task_type"})

	TaskExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskyard",
		Name:      "task_execution_duration_seconds",
		Help:      "Duration of a Runnable's Run call.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"task_type", "outcome"})

	TasksCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskyard",
		Name:      "tasks_completed_total",
		Help:      "Total tasks finalized, by task_type and outcome (finished/failed).",
	}, []string{"task_type", "outcome"})

	// WorkerSleepPeriodSeconds tracks each worker's current idle back-off, in
	// seconds, so an operator can see executors backing off under low
	// load.
	WorkerSleepPeriodSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskyard",
		Name:      "worker_sleep_period_seconds",
		Help:      "Current idle back-off period for a worker.",
	}, []string{"worker"})

	WorkerRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskyard",
		Name:      "worker_restarts_total",
		Help:      "Total times a worker's executor loop has been restarted after a crash.",
	}, []string{"worker"})

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskyard",
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when the worker process started.",
	})

	WorkerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskyard",
		Name:      "worker_shutdowns_total",
		Help:      "Number of times the worker process has shut down.",
	})

	// Periodic scheduler metrics.

	PeriodicScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskyard",
		Name:      "periodic_scan_duration_seconds",
		Help:      "Time taken to scan and fire due periodic tasks in one pass.",
		Buckets:   prometheus.DefBuckets,
	})

	PeriodicTasksFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskyard",
		Name:      "periodic_tasks_fired_total",
		Help:      "Total one-shot tasks pushed by the periodic scheduler.",
	})

	PeriodicTasksDueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskyard",
		Name:      "periodic_tasks_due",
		Help:      "Number of periodic tasks found due on the most recent scan.",
	})
)

// Register adds every collector to the default Prometheus registry.
func Register() {
	prometheus.MustRegister(
		TaskPickupLatency,
		TaskExecutionDuration,
		TasksCompletedTotal,
		WorkerSleepPeriodSeconds,
		WorkerRestartsTotal,
		WorkerStartTime,
		WorkerShutdownsTotal,
		PeriodicScanDuration,
		PeriodicTasksFiredTotal,
		PeriodicTasksDueGauge,
	)
}

// NewServer returns an *http.Server exposing /metrics, /healthz, and
// /readyz on addr. checker may be nil, in which case only /metrics is
// served.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if checker != nil {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeHealthJSON(w, checker.Liveness(r.Context()))
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			writeHealthJSON(w, checker.Readiness(r.Context()))
		})
	}

	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealthJSON(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}
