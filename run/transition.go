package run

import (
	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
)

// runTransitions is the allowed transition table for workflow runs.
// A terminal run may be explicitly re-armed back to scheduled (manual
// replay), which is why cancelled/completed/failed have outgoing edges.
var runTransitions = map[Status][]Status{
	StatusScheduled: {StatusScheduled, StatusQueued, StatusPaused, StatusCancelled},
	StatusQueued:    {StatusRunning, StatusPaused, StatusCancelled},
	StatusRunning: {
		StatusRunning, StatusPaused, StatusSleeping, StatusAwaitingEvent,
		StatusAwaitingRetry, StatusAwaitingChild, StatusCancelled,
		StatusCompleted, StatusFailed,
	},
	StatusPaused:        {StatusScheduled, StatusCancelled},
	StatusSleeping:      {StatusScheduled, StatusPaused, StatusCancelled},
	StatusAwaitingEvent: {StatusScheduled, StatusPaused, StatusCancelled},
	StatusAwaitingRetry: {StatusScheduled, StatusPaused, StatusCancelled},
	StatusAwaitingChild: {StatusScheduled, StatusPaused, StatusCancelled},
	StatusCancelled:     {StatusScheduled},
	StatusCompleted:     {StatusScheduled},
	StatusFailed:        {StatusScheduled},
}

// taskTransitions is the allowed transition table for tasks. Creation is
// modeled as the edge from the empty status to running.
var taskTransitions = map[TaskStatus][]TaskStatus{
	"":                {TaskRunning},
	TaskRunning:       {TaskRunning, TaskAwaitingRetry, TaskCompleted, TaskFailed},
	TaskAwaitingRetry: {TaskRunning},
	TaskCompleted:     {},
	TaskFailed:        {},
}

// CanTransition reports whether the run transition from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// ValidateTransition checks the run transition table and returns an
// InvalidTransitionError carrying the run id and the attempted pair when
// the edge is not allowed.
func ValidateTransition(runID id.RunID, from, to Status) error {
	if !CanTransition(from, to) {
		return &loom.InvalidTransitionError{
			RunID: runID.String(),
			From:  string(from),
			To:    string(to),
		}
	}

	return nil
}

// CanTaskTransition reports whether the task transition from -> to is
// allowed.
func CanTaskTransition(from, to TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// ValidateTaskTransition checks the task transition table and returns an
// InvalidTaskTransitionError when the edge is not allowed.
func ValidateTaskTransition(runID id.RunID, taskID id.TaskID, from, to TaskStatus) error {
	if !CanTaskTransition(from, to) {
		return &loom.InvalidTaskTransitionError{
			RunID:  runID.String(),
			TaskID: taskID.String(),
			From:   string(from),
			To:     string(to),
		}
	}

	return nil
}
