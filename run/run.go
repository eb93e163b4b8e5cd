// Package run defines the workflow-run and task state machines: the
// persisted Run and Task entities, their transition tables, the append-only
// state-transition log, the store contract with revision-guarded updates,
// and the Machine that drives every lifecycle operation.
package run

import (
	"encoding/json"
	"time"

	"github.com/workloom/loom/id"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	// StatusScheduled means the run is waiting for its due time.
	StatusScheduled Status = "scheduled"
	// StatusQueued means the run is due and announced to workers.
	StatusQueued Status = "queued"
	// StatusRunning means a worker is currently stepping the run.
	StatusRunning Status = "running"
	// StatusPaused means the run is administratively held.
	StatusPaused Status = "paused"
	// StatusSleeping means the run waits on a durable timer.
	StatusSleeping Status = "sleeping"
	// StatusAwaitingEvent means the run waits on an external event.
	StatusAwaitingEvent Status = "awaiting_event"
	// StatusAwaitingRetry means the run waits out a retry delay.
	StatusAwaitingRetry Status = "awaiting_retry"
	// StatusAwaitingChild means the run waits on a child workflow run.
	StatusAwaitingChild Status = "awaiting_child_workflow"
	// StatusCancelled means the run was cancelled. Terminal.
	StatusCancelled Status = "cancelled"
	// StatusCompleted means the run finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the run failed terminally. Terminal.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is a terminal one. A terminal run
// may still be explicitly re-armed back to scheduled for manual replay.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// SleepStatus is the state of one sleep-queue entry.
type SleepStatus string

const (
	// SleepPending means the timer has not fired yet.
	SleepPending SleepStatus = "pending"
	// SleepCompleted means the timer fired and the run was reactivated.
	SleepCompleted SleepStatus = "completed"
	// SleepCancelled means the owning run was cancelled before the timer
	// fired.
	SleepCancelled SleepStatus = "cancelled"
)

// SleepState is one durable timer in a run's sleep queue.
type SleepState struct {
	ID        string      `json:"id"`
	Status    SleepStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	AwakeAt   time.Time   `json:"awake_at"`
	// Elapsed is the actual time slept, set when the entry completes.
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// EventKind tags an event-queue entry. Resuming handlers distinguish a
// delivered event from a timed-out wait by this tag, not by an error.
type EventKind string

const (
	// EventReceived means a matching event was delivered with data.
	EventReceived EventKind = "received"
	// EventTimedOut means the wait deadline expired before delivery.
	EventTimedOut EventKind = "timeout"
)

// EventState is one entry in a run's per-event-name wait queue.
type EventState struct {
	Kind       EventKind       `json:"kind"`
	Data       json.RawMessage `json:"data,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	ReceivedAt time.Time       `json:"received_at,omitzero"`
	TimedOutAt time.Time       `json:"timed_out_at,omitzero"`
}

// ChildRef is the parent-side summary of a child workflow run.
type ChildRef struct {
	RunID   id.RunID `json:"run_id"`
	Address string   `json:"address"`
	// Status is the child's last status observed by the parent.
	Status Status `json:"status"`
}

// Run is one execution instance of one workflow version. All nested
// collections (Tasks, SleepQueue, EventWaits, Children) are owned
// exclusively by the run row and mutated only inside its compare-and-swap
// unit.
type Run struct {
	ID        id.RunID        `json:"id"`
	Address   string          `json:"address"`
	Name      string          `json:"name"`
	VersionID string          `json:"version_id"`
	Input     json.RawMessage `json:"input,omitempty"`
	InputHash string          `json:"input_hash"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Revision increases by exactly 1 per committed mutation.
	Revision uint64 `json:"revision"`

	// Attempts counts how many times the run entered running.
	Attempts int `json:"attempts"`

	Status Status `json:"status"`

	// Status-specific timestamps. Absolute, never relative: a process may
	// die mid-wait and the sweep reactivates from these.
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	AwakeAt       *time.Time `json:"awake_at,omitempty"`
	TimeoutAt     *time.Time `json:"timeout_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// WaitingEvent is the event name the run is suspended on while in
	// StatusAwaitingEvent.
	WaitingEvent string `json:"waiting_event,omitempty"`

	// WaitingChild is the child address the run is suspended on while in
	// StatusAwaitingChild.
	WaitingChild string `json:"waiting_child,omitempty"`

	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Tasks maps task address to the task record.
	Tasks map[string]*Task `json:"tasks,omitempty"`

	// SleepQueue is the ordered list of durable timers.
	SleepQueue []SleepState `json:"sleep_queue,omitempty"`

	// EventWaits maps event name to the ordered entries appended on
	// delivery or timeout.
	EventWaits map[string][]EventState `json:"event_waits,omitempty"`

	// Children maps child address to the child summary. A back-reference,
	// not an ownership link.
	Children map[string]ChildRef `json:"children,omitempty"`

	// ParentRunID back-references the parent run, if any.
	ParentRunID *id.RunID `json:"parent_run_id,omitempty"`
}

// Task returns the task with the given ID, scanning the run's task map.
// Task counts per run are small, so a linear scan is fine.
func (r *Run) Task(taskID id.TaskID) (*Task, bool) {
	for _, t := range r.Tasks {
		if t.ID == taskID {
			return t, true
		}
	}

	return nil, false
}

// Clone returns a deep copy of the run. Stores hand out clones so callers
// never alias rows held in memory.
func (r *Run) Clone() *Run {
	cp := *r

	if r.Tasks != nil {
		cp.Tasks = make(map[string]*Task, len(r.Tasks))
		for k, t := range r.Tasks {
			tc := *t
			cp.Tasks[k] = &tc
		}
	}
	if r.SleepQueue != nil {
		cp.SleepQueue = append([]SleepState(nil), r.SleepQueue...)
	}
	if r.EventWaits != nil {
		cp.EventWaits = make(map[string][]EventState, len(r.EventWaits))
		for k, v := range r.EventWaits {
			cp.EventWaits[k] = append([]EventState(nil), v...)
		}
	}
	if r.Children != nil {
		cp.Children = make(map[string]ChildRef, len(r.Children))
		for k, v := range r.Children {
			cp.Children[k] = v
		}
	}
	if r.ParentRunID != nil {
		p := *r.ParentRunID
		cp.ParentRunID = &p
	}

	cp.ScheduledAt = cloneTime(r.ScheduledAt)
	cp.AwakeAt = cloneTime(r.AwakeAt)
	cp.TimeoutAt = cloneTime(r.TimeoutAt)
	cp.NextAttemptAt = cloneTime(r.NextAttemptAt)

	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t

	return &c
}

// OwnerKind tags which entity a state transition belongs to.
type OwnerKind string

const (
	// OwnerRun marks a workflow-run transition.
	OwnerRun OwnerKind = "run"
	// OwnerTask marks a task transition.
	OwnerTask OwnerKind = "task"
)

// StateTransition is one committed change to a run or task. Append-only;
// immutable once written; ordered by creation time within its owner.
type StateTransition struct {
	ID        id.TransitionID `json:"id"`
	RunID     id.RunID        `json:"run_id"`
	OwnerID   string          `json:"owner_id"`
	Kind      OwnerKind       `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
