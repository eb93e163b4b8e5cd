package loom

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("loom: no store configured")
	ErrStoreClosed = errors.New("loom: store closed")

	// Not found errors.
	ErrRunNotFound      = errors.New("loom: run not found")
	ErrTaskNotFound     = errors.New("loom: task not found")
	ErrScheduleNotFound = errors.New("loom: schedule not found")

	// Conflict errors.
	ErrScheduleExists = errors.New("loom: schedule already exists")

	// Wait errors.
	ErrNotAwaitingEvent = errors.New("loom: run is not awaiting this event")
	ErrUnknownChild     = errors.New("loom: child run not registered with parent")

	// Anchors for errors.Is matching of the structured error types below.
	ErrInvalidTransition     = errors.New("loom: invalid state transition")
	ErrInvalidTaskTransition = errors.New("loom: invalid task state transition")
	ErrRevisionConflict      = errors.New("loom: revision conflict")
	ErrRunConflict           = errors.New("loom: run reference conflict")
	ErrTaskConflict          = errors.New("loom: task address already claimed")
)

// InvalidTransitionError reports a workflow-run transition outside the
// allowed table. It is a protocol error: callers must not retry it.
type InvalidTransitionError struct {
	RunID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("loom: invalid state transition %s -> %s for run %s", e.From, e.To, e.RunID)
}

// Is reports whether target is the ErrInvalidTransition anchor.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InvalidTaskTransitionError reports a task transition outside the allowed
// table.
type InvalidTaskTransitionError struct {
	RunID  string
	TaskID string
	From   string
	To     string
}

func (e *InvalidTaskTransitionError) Error() string {
	return fmt.Sprintf("loom: invalid task state transition %s -> %s for task %s in run %s",
		e.From, e.To, e.TaskID, e.RunID)
}

// Is reports whether target is the ErrInvalidTaskTransition anchor.
func (e *InvalidTaskTransitionError) Is(target error) bool { return target == ErrInvalidTaskTransition }

// RevisionConflictError reports that another writer advanced the run between
// read and write. Callers reload the row and either retry or discard their
// work if the observed state already satisfies their intent.
type RevisionConflictError struct {
	RunID    string
	Expected uint64
	Actual   uint64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("loom: revision conflict on run %s: expected %d, actual %d",
		e.RunID, e.Expected, e.Actual)
}

// Is reports whether target is the ErrRevisionConflict anchor.
func (e *RevisionConflictError) Is(target error) bool { return target == ErrRevisionConflict }

// RunConflictError reports a reference-id collision with differing input
// under the error conflict policy.
type RunConflictError struct {
	RunID   string
	Address string
}

func (e *RunConflictError) Error() string {
	return fmt.Sprintf("loom: run %s already exists at %s with different input", e.RunID, e.Address)
}

// Is reports whether target is the ErrRunConflict anchor.
func (e *RunConflictError) Is(target error) bool { return target == ErrRunConflict }

// TaskConflictError reports re-creation of an already-claimed task address
// within a run. A task address is claimed exactly once; subsequent progress
// must be reported against the existing task.
type TaskConflictError struct {
	RunID   string
	TaskID  string
	Address string
}

func (e *TaskConflictError) Error() string {
	return fmt.Sprintf("loom: task address %s already claimed by task %s in run %s",
		e.Address, e.TaskID, e.RunID)
}

// Is reports whether target is the ErrTaskConflict anchor.
func (e *TaskConflictError) Is(target error) bool { return target == ErrTaskConflict }
