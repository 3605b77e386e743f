// Package periodic runs the ticker loop that fires due periodic tasks:
// every check_period, it asks the queue for templates whose scheduled_at
// falls within error_margin_seconds of now (or has never been set). A
// template with scheduled_at already set gets a fresh one-shot task pushed;
// every template found has its scheduled_at advanced. The source's
// Scheduler respawns itself from a Drop impl, which — as with
// workerpool.WorkerThread — fires on an ordinary scope exit as readily as
// on a crash. This rework uses an explicit Stop method backed by a
// context.Context instead.
package periodic

import (
	"context"
	"log/slog"
	"time"

	"github.com/silvertask/taskyard/internal/job"
	"github.com/silvertask/taskyard/internal/metrics"
	"github.com/silvertask/taskyard/internal/queue"
)

// Scheduler polls Queue for due periodic tasks and pushes one-shot copies
// of them.
type Scheduler struct {
	Queue              *queue.Queue
	CheckPeriod        time.Duration
	ErrorMarginSeconds int64
	Logger             *slog.Logger

	// Registry, if set, is used to decode a fired periodic task's
	// metadata so it can be pushed onto the task_type lane its Runnable
	// declares rather than always falling back to queue.DefaultTaskType.
	Registry *job.Registry

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler with the given check period and fire-window
// margin: checkPeriod is the interval between scans, errorMarginSeconds
// is the window around "now", in seconds.
func New(q *queue.Queue, checkPeriod time.Duration, errorMarginSeconds int64) *Scheduler {
	return &Scheduler{
		Queue:              q,
		CheckPeriod:        checkPeriod,
		ErrorMarginSeconds: errorMarginSeconds,
		Logger:             slog.Default(),
	}
}

// Start launches the scheduler's ticker loop in a new goroutine. It
// returns immediately; call Stop to end it.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.CheckPeriod)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.Logger.Error("periodic schedule pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single scan: fetch every due periodic task and process
// each. Exposed so callers can drive the scheduler on their own schedule
// (e.g. in tests) instead of only via Start's ticker loop.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.PeriodicScanDuration.Observe(time.Since(start).Seconds())
	}()

	tasks, err := s.Queue.FetchPeriodicTasks(ctx, s.ErrorMarginSeconds)
	if err != nil {
		return err
	}
	metrics.PeriodicTasksDueGauge.Set(float64(len(tasks)))

	for _, task := range tasks {
		if err := s.processTask(ctx, task); err != nil {
			s.Logger.Error("failed to process periodic task", "periodic_task_id", task.ID, "error", err)
		}
	}
	return nil
}

// processTask fires a periodic template whose scheduled_at has already
// been set, then always advances scheduled_at to the next period. A
// template seen with scheduled_at still nil is only seeded with its first
// scheduled_at and does not fire on this pass — matching the source's
// behavior, where a task newly pushed via PushPeriodicTask is picked up
// by the next scan and given a first scheduled_at, rather than running
// immediately on the scan that discovers it.
func (s *Scheduler) processTask(ctx context.Context, task *queue.PeriodicTask) error {
	if task.ScheduledAt == nil {
		_, err := s.Queue.ScheduleNextTaskExecution(ctx, task)
		return err
	}

	taskType := queue.DefaultTaskType
	if s.Registry != nil {
		if runnable, err := s.Registry.Decode(task.Metadata); err == nil {
			taskType = job.TaskTypeOf(runnable)
		}
	}

	if _, err := s.Queue.PushTask(ctx, task.Metadata, taskType); err != nil {
		return err
	}
	metrics.PeriodicTasksFiredTotal.Inc()

	_, err := s.Queue.ScheduleNextTaskExecution(ctx, task)
	return err
}

// Stop signals the scheduler's loop to exit and blocks until it has.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}
