package executor_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/silvertask/taskyard/internal/executor"
	"github.com/silvertask/taskyard/internal/job"
	"github.com/silvertask/taskyard/internal/queue"
)

func requireTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TASKYARD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TASKYARD_TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(pool.Close)
	_, err = pool.Exec(ctx, `TRUNCATE fang_tasks, fang_periodic_tasks`)
	require.NoError(t, err)
	return pool
}

type numberJob struct {
	Number int `json:"number"`
}

func (n *numberJob) Run(ctx context.Context, q queue.Querier) error { return nil }

type failingJob struct {
	Number int `json:"number"`
}

func (f *failingJob) Run(ctx context.Context, q queue.Querier) error {
	return errors.New("the number is bad")
}

type panickingJob struct{}

func (p *panickingJob) Run(ctx context.Context, q queue.Querier) error {
	panic("boom")
}

func registry() *job.Registry {
	r := job.NewRegistry()
	r.Register("number", func() job.Runnable { return &numberJob{} })
	r.Register("failing", func() job.Runnable { return &failingJob{} })
	r.Register("panicking", func() job.Runnable { return &panickingJob{} })
	return r
}

func TestExecutesAndFinishesTask(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)
	ctx := context.Background()

	meta, err := job.Encode("number", &numberJob{Number: 10})
	require.NoError(t, err)

	task, err := q.Insert(ctx, queue.NewTask{Metadata: meta, TaskType: "common"})
	require.NoError(t, err)
	require.Equal(t, queue.StateNew, task.State)

	ex := executor.New(q, registry())
	ex.RetentionMode = executor.RetentionKeepAll

	_, err = ex.Run(ctx, task)
	require.NoError(t, err)

	found, err := q.FindTaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFinished, found.State)
}

func TestSavesErrorForFailedTask(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)
	ctx := context.Background()

	meta, err := job.Encode("failing", &failingJob{Number: 10})
	require.NoError(t, err)

	task, err := q.Insert(ctx, queue.NewTask{Metadata: meta, TaskType: "common"})
	require.NoError(t, err)

	ex := executor.New(q, registry())

	_, runErr := ex.Run(ctx, task)
	require.Error(t, runErr)

	found, err := q.FindTaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, found.State)
	require.NotNil(t, found.ErrorMessage)
	require.Equal(t, "the number is bad", *found.ErrorMessage)
}

func TestPanicInRunnableBecomesTaskFailure(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)
	ctx := context.Background()

	meta, err := job.Encode("panicking", &panickingJob{})
	require.NoError(t, err)

	task, err := q.Insert(ctx, queue.NewTask{Metadata: meta, TaskType: "common"})
	require.NoError(t, err)

	ex := executor.New(q, registry())

	require.NotPanics(t, func() {
		_, _ = ex.Run(ctx, task)
	})

	found, err := q.FindTaskByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, found.State)
}

func TestRetentionRemoveFinishedDeletesSuccessKeepsFailure(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)
	ctx := context.Background()

	okMeta, err := job.Encode("number", &numberJob{Number: 1})
	require.NoError(t, err)
	okTask, err := q.Insert(ctx, queue.NewTask{Metadata: okMeta, TaskType: "common"})
	require.NoError(t, err)

	failMeta, err := job.Encode("failing", &failingJob{Number: 1})
	require.NoError(t, err)
	failTask, err := q.Insert(ctx, queue.NewTask{Metadata: failMeta, TaskType: "common"})
	require.NoError(t, err)

	ex := executor.New(q, registry())

	_, _ = ex.Run(ctx, okTask)
	_, _ = ex.Run(ctx, failTask)

	_, err = q.FindTaskByID(ctx, okTask.ID)
	require.ErrorIs(t, err, queue.ErrTaskNotFound)

	found, err := q.FindTaskByID(ctx, failTask.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, found.State)
}

func TestDefaultSleepParamsStartAtMin(t *testing.T) {
	sp := executor.DefaultSleepParams()
	require.Equal(t, sp.Min, sp.Current)
}

func TestRunTasksHonorsContextCancellation(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)

	ex := executor.New(q, registry())
	ex.SleepParams.Min = 10 * time.Millisecond
	ex.SleepParams.Max = 10 * time.Millisecond
	ex.SleepParams.Current = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ex.RunTasks(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunTasks did not return after context cancellation")
	}
}
