package periodic_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/silvertask/taskyard/internal/periodic"
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

func TestFirstScanSeedsWithoutFiring(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)
	ctx := context.Background()

	periodicTask, err := q.PushPeriodicTask(ctx, []byte(`{"type":"cleanup"}`), 10)
	require.NoError(t, err)
	require.Nil(t, periodicTask.ScheduledAt)

	sched := periodic.New(q, time.Hour, 5)
	require.NoError(t, sched.RunOnce(ctx))

	refreshed, err := q.FindPeriodicTaskByID(ctx, periodicTask.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.ScheduledAt, "first scan should seed scheduled_at")

	fired, err := q.FetchTask(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, fired, "first scan should not have fired a one-shot task")
}

func TestSecondScanFiresOnceDue(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)
	ctx := context.Background()

	periodicTask, err := q.PushPeriodicTask(ctx, []byte(`{"type":"cleanup"}`), 10)
	require.NoError(t, err)

	sched := periodic.New(q, time.Hour, 5)
	require.NoError(t, sched.RunOnce(ctx)) // seeds scheduled_at

	// Force scheduled_at into the due window for the second scan.
	seeded, err := q.FindPeriodicTaskByID(ctx, periodicTask.ID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE fang_periodic_tasks SET scheduled_at = now() WHERE id = $1`, seeded.ID)
	require.NoError(t, err)

	require.NoError(t, sched.RunOnce(ctx))

	fired, err := q.FetchTask(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, fired, "second scan should fire a one-shot task once scheduled_at is due")
}

func TestStartAndStopIsClean(t *testing.T) {
	pool := requireTestPool(t)
	q := queue.New(pool)

	sched := periodic.New(q, 10*time.Millisecond, 5)
	sched.Start(context.Background())

	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
