// Package workerpool runs a fixed number of executor.Executor loops
// concurrently. The source's WorkerPool restarts a crashed worker thread
// from its Drop impl, which — as the design notes for this rework point
// out — fires on ordinary scope exit too, not just a panic, making every
// clean shutdown look like a crash worth respawning. This package replaces
// that with an explicit supervisor goroutine per worker: a graceful
// context cancellation exits the loop for good, and only a genuine panic
// or a RunTasks error triggers a bounded, backed-off restart.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/silvertask/taskyard/internal/executor"
	"github.com/silvertask/taskyard/internal/job"
	"github.com/silvertask/taskyard/internal/metrics"
	"github.com/silvertask/taskyard/internal/queue"
)

// WorkerParams configures every worker an WorkerPool spawns, mirroring
// the source's WorkerParams (nil fields fall back to executor defaults).
type WorkerParams struct {
	TaskType      *string
	RetentionMode *executor.RetentionMode
	SleepParams   *executor.SleepParams
}

// MaxRestarts bounds how many times a single worker slot will be
// respawned after a crash before the pool gives up on it and logs it as
// permanently dead. The source restarts unconditionally forever via Drop;
// an unbounded respawn loop against a database that is, say, permanently
// unreachable would spin hot, so this rework caps it.
const MaxRestarts = 10

// WorkerPool supervises NumWorkers executor loops against a shared Queue.
type WorkerPool struct {
	NumWorkers   int
	WorkerParams WorkerParams
	Queue        *queue.Queue
	Registry     *job.Registry
	Logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a WorkerPool with default WorkerParams (no task_type filter,
// executor defaults for retention and sleep).
func New(numWorkers int, q *queue.Queue, registry *job.Registry) *WorkerPool {
	return &WorkerPool{
		NumWorkers: numWorkers,
		Queue:      q,
		Registry:   registry,
		Logger:     slog.Default(),
	}
}

// NewWithParams builds a WorkerPool with explicit WorkerParams, mirroring
// the source's new_with_params constructor.
func NewWithParams(numWorkers int, params WorkerParams, q *queue.Queue, registry *job.Registry) *WorkerPool {
	wp := New(numWorkers, q, registry)
	wp.WorkerParams = params
	return wp
}

func (p *WorkerPool) newExecutor(name string) *executor.Executor {
	ex := executor.New(p.Queue, p.Registry)
	ex.Logger = p.Logger
	ex.Name = name

	if p.WorkerParams.TaskType != nil {
		ex.TaskType = p.WorkerParams.TaskType
	}
	if p.WorkerParams.RetentionMode != nil {
		ex.RetentionMode = *p.WorkerParams.RetentionMode
	}
	if p.WorkerParams.SleepParams != nil {
		ex.SleepParams = *p.WorkerParams.SleepParams
	}
	return ex
}

// Start launches NumWorkers supervised worker goroutines. It returns
// immediately; call Shutdown to stop them.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	taskType := ""
	if p.WorkerParams.TaskType != nil {
		taskType = *p.WorkerParams.TaskType
	}

	for i := 1; i <= p.NumWorkers; i++ {
		name := fmt.Sprintf("worker_%s%d", taskType, i)
		p.wg.Add(1)
		go p.supervise(ctx, name)
	}
}

// supervise runs one worker slot, restarting it with back-off if its
// executor loop returns an error (rather than a clean ctx cancellation).
func (p *WorkerPool) supervise(ctx context.Context, name string) {
	defer p.wg.Done()

	restarts := 0
	for {
		p.Logger.Info("starting worker", "worker", name, "restarts", restarts)

		err := p.runOnce(ctx, name)
		if ctx.Err() != nil {
			if err != nil {
				p.Logger.Error("worker returned an error during shutdown", "worker", name, "error", err)
			}
			p.Logger.Info("worker shut down cleanly", "worker", name)
			return
		}
		if err == nil {
			return
		}

		restarts++
		if restarts > MaxRestarts {
			p.Logger.Error("worker exceeded max restarts, giving up", "worker", name, "restarts", restarts)
			return
		}

		metrics.WorkerRestartsTotal.WithLabelValues(name).Inc()
		backoff := time.Duration(restarts) * time.Second
		p.Logger.Error("worker crashed, restarting", "worker", name, "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (p *WorkerPool) runOnce(ctx context.Context, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", name, r)
		}
	}()

	return p.newExecutor(name).RunTasks(ctx)
}

// Shutdown signals every worker to stop after its in-flight task finishes
// and blocks until all of them have exited.
func (p *WorkerPool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
