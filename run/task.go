package run

import (
	"encoding/json"
	"time"

	"github.com/workloom/loom/id"
)

// TaskStatus is the lifecycle state of a task execution. There is no
// "not started" state: the first observation of a task is its running
// entry.
type TaskStatus string

const (
	// TaskRunning means an attempt is in flight.
	TaskRunning TaskStatus = "running"
	// TaskAwaitingRetry means the last attempt failed and the next one
	// waits for NextAttemptAt.
	TaskAwaitingRetry TaskStatus = "awaiting_retry"
	// TaskCompleted means the task finished successfully. Terminal.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means the task failed terminally. Terminal.
	TaskFailed TaskStatus = "failed"
)

// Terminal reports whether the task status is terminal.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one unit-of-work execution nested inside a run. Task mutations
// ride the owning run's compare-and-swap unit, so task races resolve
// through the same revision protocol as run races.
type Task struct {
	ID        id.TaskID       `json:"id"`
	Address   string          `json:"address"`
	Name      string          `json:"name"`
	Status    TaskStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	Input     json.RawMessage `json:"input,omitempty"`
	InputHash string          `json:"input_hash"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`

	// NextAttemptAt is set while the task awaits retry.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
