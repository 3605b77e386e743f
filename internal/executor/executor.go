// Package executor runs the fetch -> run -> finalize loop against a queue.
// It is the Go rendering of the source's Executor<Conn>: the shared_state
// RwLock polling is replaced by a context.Context that the caller cancels,
// and the typetag-based dynamic dispatch is replaced by a job.Registry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/silvertask/taskyard/internal/job"
	"github.com/silvertask/taskyard/internal/metrics"
	"github.com/silvertask/taskyard/internal/queue"
	"github.com/silvertask/taskyard/internal/runid"
)

// RetentionMode controls what happens to a task row once it is done.
type RetentionMode int

const (
	// RetentionRemoveFinished deletes only successfully finished tasks;
	// failed tasks are kept with their error_message for inspection.
	// This is the default, matching the source's default.
	RetentionRemoveFinished RetentionMode = iota
	// RetentionKeepAll leaves both finished and failed rows in place.
	RetentionKeepAll
	// RetentionRemoveAll deletes the row regardless of outcome.
	RetentionRemoveAll
)

// SleepParams governs the idle back-off applied between empty polls.
// Current resets to Min as soon as a task is found, and grows by Step
// (capped at Max) after each empty poll.
type SleepParams struct {
	Current time.Duration
	Min     time.Duration
	Max     time.Duration
	Step    time.Duration
}

// DefaultSleepParams mirrors the source's SleepParams::default (5s/15s/5s
// step, starting at the minimum).
func DefaultSleepParams() SleepParams {
	return SleepParams{
		Current: 5 * time.Second,
		Min:     5 * time.Second,
		Max:     15 * time.Second,
		Step:    5 * time.Second,
	}
}

func (s *SleepParams) maybeReset() {
	if s.Current != s.Min {
		s.Current = s.Min
	}
}

func (s *SleepParams) maybeIncrease() {
	if s.Current < s.Max {
		s.Current += s.Step
		if s.Current > s.Max {
			s.Current = s.Max
		}
	}
}

// TaskError wraps the task that failed alongside the error its Runnable
// returned, matching the source's TaskError(Task, Error) pair.
type TaskError struct {
	Task *queue.Task
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %s", e.Task.ID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Executor polls a Queue for work of an optional task_type, decodes it via
// a Registry, runs it, and finalizes the row per RetentionMode.
type Executor struct {
	Queue         *queue.Queue
	Registry      *job.Registry
	TaskType      *string
	SleepParams   SleepParams
	RetentionMode RetentionMode
	Logger        *slog.Logger

	// Name labels this executor's sleep-period gauge in metrics; set by
	// workerpool to the worker slot's name. Empty when run standalone.
	Name string
}

// New builds an Executor with the source's defaults: no task_type filter,
// RetentionRemoveFinished, and the default sleep schedule.
func New(q *queue.Queue, registry *job.Registry) *Executor {
	return &Executor{
		Queue:         q,
		Registry:      registry,
		SleepParams:   DefaultSleepParams(),
		RetentionMode: RetentionRemoveFinished,
		Logger:        slog.Default(),
	}
}

// RunTasks loops until ctx is cancelled, claiming and running one task per
// iteration and backing off when there is no work, exactly mirroring the
// source's run_tasks poll loop with context cancellation standing in for
// the shared_state RwLock check.
func (e *Executor) RunTasks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		task, err := e.Queue.FetchAndTouch(ctx, e.TaskType)
		if err != nil {
			e.Logger.Error("fetch_and_touch failed", "error", err)
			if slept := e.sleep(ctx); !slept {
				return nil
			}
			continue
		}

		if task == nil {
			if slept := e.sleep(ctx); !slept {
				return nil
			}
			continue
		}

		metrics.TaskPickupLatency.WithLabelValues(task.TaskType).Observe(time.Since(task.CreatedAt).Seconds())

		taskCtx := runid.WithRunID(ctx, runid.New())
		if _, runErr := e.Run(taskCtx, task); runErr != nil {
			e.Logger.ErrorContext(taskCtx, "task execution finished with an error", "task_id", task.ID, "error", runErr)
		}
		e.SleepParams.maybeReset()
		metrics.WorkerSleepPeriodSeconds.WithLabelValues(e.Name).Set(e.SleepParams.Current.Seconds())
	}
}

// Run executes a single already-claimed task and finalizes it according
// to RetentionMode. It recovers from a panicking Runnable, converting it
// into a TaskError instead of crashing the worker goroutine — the source's
// .unwrap() on a failed deserialize or a poisoned lock has no safe Go
// analogue, so user-code panics are turned into ordinary task failures.
func (e *Executor) Run(ctx context.Context, task *queue.Task) (result *queue.Task, runErr error) {
	start := time.Now()
	finished, taskErr := e.executeTask(ctx, task)

	outcome := "finished"
	if taskErr != nil {
		outcome = "failed"
	}
	metrics.TaskExecutionDuration.WithLabelValues(task.TaskType, outcome).Observe(time.Since(start).Seconds())
	metrics.TasksCompletedTotal.WithLabelValues(task.TaskType, outcome).Inc()

	e.finalizeTask(ctx, task, finished, taskErr)
	if taskErr != nil {
		return nil, taskErr
	}
	return finished, nil
}

func (e *Executor) executeTask(ctx context.Context, task *queue.Task) (ran *queue.Task, taskErr error) {
	defer func() {
		if r := recover(); r != nil {
			taskErr = &TaskError{Task: task, Err: fmt.Errorf("panic running task: %v", r)}
		}
	}()

	runnable, err := e.Registry.Decode(task.Metadata)
	if err != nil {
		return nil, &TaskError{Task: task, Err: err}
	}

	if err := runnable.Run(ctx, e.Queue.Conn()); err != nil {
		return nil, &TaskError{Task: task, Err: err}
	}
	return task, nil
}

func (e *Executor) finalizeTask(ctx context.Context, task *queue.Task, ran *queue.Task, taskErr error) {
	switch e.RetentionMode {
	case RetentionKeepAll:
		if taskErr == nil {
			e.mustFinish(ctx, task)
		} else {
			e.mustFail(ctx, task, taskErr)
		}
	case RetentionRemoveAll:
		e.mustRemove(ctx, task)
	default: // RetentionRemoveFinished
		if taskErr == nil {
			e.mustRemove(ctx, task)
		} else {
			e.mustFail(ctx, task, taskErr)
		}
	}
}

// mustFinish/mustFail/mustRemove log-and-continue on a finalize error
// rather than panic: the source's finalize_task calls .unwrap() on every
// branch, which would crash the worker thread. A lost finalize write
// leaves the row in_progress, where no fetch picks it up again; it stays
// visible for a human to notice, and the pool keeps running.
func (e *Executor) mustFinish(ctx context.Context, task *queue.Task) {
	if _, err := e.Queue.FinishTask(ctx, task); err != nil {
		e.Logger.ErrorContext(ctx, "failed to mark task finished", "task_id", task.ID, "error", err)
	}
}

func (e *Executor) mustFail(ctx context.Context, task *queue.Task, taskErr error) {
	if _, err := e.Queue.FailTask(ctx, task, describe(taskErr)); err != nil {
		e.Logger.ErrorContext(ctx, "failed to mark task failed", "task_id", task.ID, "error", err)
	}
}

func (e *Executor) mustRemove(ctx context.Context, task *queue.Task) {
	if err := e.Queue.RemoveTask(ctx, task.ID); err != nil {
		e.Logger.ErrorContext(ctx, "failed to remove task", "task_id", task.ID, "error", err)
	}
}

func describe(err error) string {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Err.Error()
	}
	return err.Error()
}

// sleep blocks for the current back-off period and then grows it, or
// returns false early if ctx is cancelled mid-sleep.
func (e *Executor) sleep(ctx context.Context) bool {
	timer := time.NewTimer(e.SleepParams.Current)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	e.SleepParams.maybeIncrease()
	metrics.WorkerSleepPeriodSeconds.WithLabelValues(e.Name).Set(e.SleepParams.Current.Seconds())
	return true
}
