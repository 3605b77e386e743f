package workerpool_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/silvertask/taskyard/internal/executor"
	"github.com/silvertask/taskyard/internal/job"
	"github.com/silvertask/taskyard/internal/queue"
	"github.com/silvertask/taskyard/internal/workerpool"
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

type slowJob struct {
	Label string `json:"label"`
}

func (s *slowJob) Run(ctx context.Context, q queue.Querier) error {
	time.Sleep(20 * time.Millisecond)
	return nil
}

func TestWorkerPoolDrainsQueuedTasks(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)
	ctx := context.Background()

	reg := job.NewRegistry()
	reg.Register("slow", func() job.Runnable { return &slowJob{} })

	for i := 0; i < 6; i++ {
		meta, err := job.Encode("slow", &slowJob{Label: "x"})
		require.NoError(t, err)
		_, err = q.Insert(ctx, queue.NewTask{Metadata: meta, TaskType: "common"})
		require.NoError(t, err)
	}

	removeAll := executor.RetentionRemoveAll
	fast := executor.DefaultSleepParams()
	fast.Min, fast.Current, fast.Max = 10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond

	wp := workerpool.NewWithParams(2, workerpool.WorkerParams{
		RetentionMode: &removeAll,
		SleepParams:   &fast,
	}, q, reg)

	wp.Start(ctx)
	time.Sleep(2 * time.Second)
	wp.Shutdown()

	remaining, err := q.FetchTask(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, remaining, "all tasks should have been drained by the pool")
}

func TestShutdownReturnsPromptlyWithNoWork(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)

	reg := job.NewRegistry()
	wp := workerpool.New(2, q, reg)

	wp.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		wp.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return promptly")
	}
}
