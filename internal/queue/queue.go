package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the durable task queue. It wraps a pooled Postgres connection
// and exposes the full CRUD + claim contract: insert, idempotent push,
// claim-and-touch, finalize (finish/fail), and removal, plus the periodic
// task equivalents.
type Queue struct {
	pool TxBeginner
}

// New wraps an existing pgxpool.Pool as a Queue.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Conn returns the pooled connection a Runnable's Run should use. The
// claim transaction FetchAndTouch opens is committed before a task is
// handed to its Runnable, so job code always runs against the pool, not
// against the (already-closed) claim transaction.
func (q *Queue) Conn() Querier {
	return q.pool
}

// Insert inserts a New task and returns the persisted row.
func (q *Queue) Insert(ctx context.Context, params NewTask) (*Task, error) {
	return insertQuery(ctx, q.pool, params)
}

func insertQuery(ctx context.Context, conn Querier, params NewTask) (*Task, error) {
	taskType := params.TaskType
	if taskType == "" {
		taskType = DefaultTaskType
	}

	row := conn.QueryRow(ctx, `
		INSERT INTO fang_tasks (metadata, task_type)
		VALUES ($1, $2)
		RETURNING id, metadata, error_message, state, task_type, created_at, updated_at`,
		params.Metadata, taskType)

	return scanTask(row)
}

// PushTask inserts a task with the given metadata, unless a row with identical
// metadata already exists in state New or InProgress, in which case that
// row is returned instead (idempotence window per spec §3).
func (q *Queue) PushTask(ctx context.Context, metadata []byte, taskType string) (*Task, error) {
	return pushTaskQuery(ctx, q.pool, metadata, taskType)
}

func pushTaskQuery(ctx context.Context, conn Querier, metadata []byte, taskType string) (*Task, error) {
	existing, err := findTaskByMetadataQuery(ctx, conn, metadata)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return insertQuery(ctx, conn, NewTask{Metadata: metadata, TaskType: taskType})
}

// PushPeriodicTask inserts a periodic template with the given metadata and
// period, unless a row with identical metadata already exists
// (unconditional on state), in which case that row is returned instead.
func (q *Queue) PushPeriodicTask(ctx context.Context, metadata []byte, periodSeconds int32) (*PeriodicTask, error) {
	return pushPeriodicTaskQuery(ctx, q.pool, metadata, periodSeconds)
}

func pushPeriodicTaskQuery(ctx context.Context, conn Querier, metadata []byte, periodSeconds int32) (*PeriodicTask, error) {
	existing, err := findPeriodicTaskByMetadataQuery(ctx, conn, metadata)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	row := conn.QueryRow(ctx, `
		INSERT INTO fang_periodic_tasks (metadata, period_in_seconds)
		VALUES ($1, $2)
		RETURNING id, metadata, period_in_seconds, scheduled_at, created_at, updated_at`,
		metadata, periodSeconds)

	return scanPeriodicTask(row)
}

// FetchTask returns the oldest New row (optionally filtered by taskType),
// locked FOR UPDATE SKIP LOCKED. The lock is released when the calling
// session's transaction ends; outside of a transaction this is just a
// point-in-time read since pgx auto-commits single statements. Callers
// that need the lock held should run this through FetchAndTouch instead.
func (q *Queue) FetchTask(ctx context.Context, taskType *string) (*Task, error) {
	return fetchTaskQuery(ctx, q.pool, taskType)
}

func fetchTaskQuery(ctx context.Context, conn Querier, taskType *string) (*Task, error) {
	var row pgx.Row
	if taskType == nil {
		row = conn.QueryRow(ctx, `
			SELECT id, metadata, error_message, state, task_type, created_at, updated_at
			FROM fang_tasks
			WHERE state = 'new'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`)
	} else {
		row = conn.QueryRow(ctx, `
			SELECT id, metadata, error_message, state, task_type, created_at, updated_at
			FROM fang_tasks
			WHERE state = 'new' AND task_type = $1
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, *taskType)
	}

	task, err := scanTask(row)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return task, err
}

// FetchAndTouch claims the oldest matching New row and transitions it to
// InProgress, both inside a single transaction, so any later reader
// observes it as InProgress. Returns (nil, nil) if there is no work.
func (q *Queue) FetchAndTouch(ctx context.Context, taskType *string) (*Task, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: begin fetch_and_touch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	found, err := fetchTaskQuery(ctx, tx, taskType)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}

	updated, err := startProcessingTaskQuery(ctx, tx, found)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: commit fetch_and_touch: %w", err)
	}
	return updated, nil
}

// FindTaskByID looks up a task by id. Returns ErrTaskNotFound if absent.
func (q *Queue) FindTaskByID(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT id, metadata, error_message, state, task_type, created_at, updated_at
		FROM fang_tasks WHERE id = $1`, id)
	return scanTask(row)
}

// FindPeriodicTaskByID looks up a periodic task by id. Returns
// ErrPeriodicTaskNotFound if absent.
func (q *Queue) FindPeriodicTaskByID(ctx context.Context, id uuid.UUID) (*PeriodicTask, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT id, metadata, period_in_seconds, scheduled_at, created_at, updated_at
		FROM fang_periodic_tasks WHERE id = $1`, id)
	return scanPeriodicTask(row)
}

// FetchPeriodicTasks returns every periodic row whose scheduled_at falls
// in [now-margin, now+margin], or is null.
func (q *Queue) FetchPeriodicTasks(ctx context.Context, errorMarginSeconds int64) ([]*PeriodicTask, error) {
	margin := time.Duration(errorMarginSeconds) * time.Second
	now := time.Now().UTC()
	low, high := now.Add(-margin), now.Add(margin)

	rows, err := q.pool.Query(ctx, `
		SELECT id, metadata, period_in_seconds, scheduled_at, created_at, updated_at
		FROM fang_periodic_tasks
		WHERE (scheduled_at >= $1 AND scheduled_at <= $2) OR scheduled_at IS NULL`,
		low, high)
	if err != nil {
		return nil, fmt.Errorf("queue: fetch periodic tasks: %w", err)
	}
	defer rows.Close()

	var out []*PeriodicTask
	for rows.Next() {
		pt, err := scanPeriodicTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// ScheduleNextTaskExecution sets scheduled_at = now + period_in_seconds.
func (q *Queue) ScheduleNextTaskExecution(ctx context.Context, task *PeriodicTask) (*PeriodicTask, error) {
	now := time.Now().UTC()
	next := now.Add(time.Duration(task.PeriodInSeconds) * time.Second)

	row := q.pool.QueryRow(ctx, `
		UPDATE fang_periodic_tasks
		SET scheduled_at = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, metadata, period_in_seconds, scheduled_at, created_at, updated_at`,
		task.ID, next, now)
	return scanPeriodicTask(row)
}

// FinishTask sets state=Finished and bumps updated_at.
func (q *Queue) FinishTask(ctx context.Context, task *Task) (*Task, error) {
	return finishTaskQuery(ctx, q.pool, task)
}

func finishTaskQuery(ctx context.Context, conn Querier, task *Task) (*Task, error) {
	row := conn.QueryRow(ctx, `
		UPDATE fang_tasks SET state = 'finished', updated_at = $2
		WHERE id = $1
		RETURNING id, metadata, error_message, state, task_type, created_at, updated_at`,
		task.ID, time.Now().UTC())
	return scanTask(row)
}

// StartProcessingTask sets state=InProgress and bumps updated_at.
func (q *Queue) StartProcessingTask(ctx context.Context, task *Task) (*Task, error) {
	return startProcessingTaskQuery(ctx, q.pool, task)
}

func startProcessingTaskQuery(ctx context.Context, conn Querier, task *Task) (*Task, error) {
	row := conn.QueryRow(ctx, `
		UPDATE fang_tasks SET state = 'in_progress', updated_at = $2
		WHERE id = $1
		RETURNING id, metadata, error_message, state, task_type, created_at, updated_at`,
		task.ID, time.Now().UTC())
	return scanTask(row)
}

// FailTask sets state=Failed, error_message=msg, and bumps updated_at.
func (q *Queue) FailTask(ctx context.Context, task *Task, msg string) (*Task, error) {
	return failTaskQuery(ctx, q.pool, task, msg)
}

func failTaskQuery(ctx context.Context, conn Querier, task *Task, msg string) (*Task, error) {
	row := conn.QueryRow(ctx, `
		UPDATE fang_tasks SET state = 'failed', error_message = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, metadata, error_message, state, task_type, created_at, updated_at`,
		task.ID, msg, time.Now().UTC())
	return scanTask(row)
}

// RemoveTask deletes a single task row by id.
func (q *Queue) RemoveTask(ctx context.Context, id uuid.UUID) error {
	return removeTaskQuery(ctx, q.pool, id)
}

func removeTaskQuery(ctx context.Context, conn Querier, id uuid.UUID) error {
	_, err := conn.Exec(ctx, `DELETE FROM fang_tasks WHERE id = $1`, id)
	return err
}

// RemoveAllTasks deletes every row in fang_tasks.
func (q *Queue) RemoveAllTasks(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM fang_tasks`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RemoveTasksOfType deletes every row of the given task_type.
func (q *Queue) RemoveTasksOfType(ctx context.Context, taskType string) (int64, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM fang_tasks WHERE task_type = $1`, taskType)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RemoveAllPeriodicTasks deletes every row in fang_periodic_tasks.
func (q *Queue) RemoveAllPeriodicTasks(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM fang_periodic_tasks`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func findTaskByMetadataQuery(ctx context.Context, conn Querier, metadata []byte) (*Task, error) {
	row := conn.QueryRow(ctx, `
		SELECT id, metadata, error_message, state, task_type, created_at, updated_at
		FROM fang_tasks
		WHERE metadata = $1::jsonb AND state IN ('new', 'in_progress')
		LIMIT 1`, metadata)

	task, err := scanTask(row)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return task, err
}

func findPeriodicTaskByMetadataQuery(ctx context.Context, conn Querier, metadata []byte) (*PeriodicTask, error) {
	row := conn.QueryRow(ctx, `
		SELECT id, metadata, period_in_seconds, scheduled_at, created_at, updated_at
		FROM fang_periodic_tasks
		WHERE metadata = $1::jsonb
		LIMIT 1`, metadata)

	pt, err := scanPeriodicTask(row)
	if errors.Is(err, ErrPeriodicTaskNotFound) {
		return nil, nil
	}
	return pt, err
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Metadata, &t.ErrorMessage, &t.State, &t.TaskType, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("queue: scan task: %w", err)
	}
	return &t, nil
}

func scanPeriodicTask(row rowScanner) (*PeriodicTask, error) {
	var t PeriodicTask
	err := row.Scan(&t.ID, &t.Metadata, &t.PeriodInSeconds, &t.ScheduledAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodicTaskNotFound
		}
		return nil, fmt.Errorf("queue: scan periodic task: %w", err)
	}
	return &t, nil
}
