// Package queue implements the durable task queue: the two Postgres tables
// that back one-shot and periodic jobs, and the transactional claim
// protocol workers use to pull work off them.
package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of a one-shot Task. Transitions form a DAG:
// New -> InProgress -> {Finished, Failed}. Finished and Failed are
// terminal until the row is deleted.
type State string

const (
	StateNew        State = "new"
	StateInProgress State = "in_progress"
	StateFinished   State = "finished"
	StateFailed     State = "failed"
)

// DefaultTaskType is used when a Runnable does not override TaskType().
const DefaultTaskType = "common"

// Task is a one-shot job row in fang_tasks.
type Task struct {
	ID           uuid.UUID
	Metadata     json.RawMessage
	ErrorMessage *string
	State        State
	TaskType     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewTask is the payload accepted by Insert.
type NewTask struct {
	Metadata json.RawMessage
	TaskType string
}

// PeriodicTask is a recurring job template row in fang_periodic_tasks.
// ScheduledAt is nil until the scheduler seeds its first firing.
type PeriodicTask struct {
	ID              uuid.UUID
	Metadata        json.RawMessage
	PeriodInSeconds int32
	ScheduledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewPeriodicTask holds the insertable fields of a periodic template.
// PushPeriodicTask takes these as separate arguments, not as this type.
type NewPeriodicTask struct {
	Metadata        json.RawMessage
	PeriodInSeconds int32
}

var (
	// ErrTaskNotFound is returned by task lookups that find nothing.
	ErrTaskNotFound = errors.New("queue: task not found")
	// ErrPeriodicTaskNotFound is returned by periodic task lookups that find nothing.
	ErrPeriodicTaskNotFound = errors.New("queue: periodic task not found")
)
