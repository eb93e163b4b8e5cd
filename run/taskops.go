package run

import (
	"context"
	"encoding/json"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/identity"
	"github.com/workloom/loom/retry"
)

// StartTaskParams are the inputs to StartTask.
type StartTaskParams struct {
	Name  string
	Input json.RawMessage

	// ReferenceID is the caller-supplied idempotency key for the task.
	// When empty the input's content hash substitutes for it.
	ReferenceID string
}

// StartTask claims a task address inside a running run, or replays the
// existing record. A completed task at the same address returns as-is so a
// re-executed handler observes the memoized output instead of doing the
// work again. A non-terminal task at the address with differing input is a
// TaskConflictError: a task address is claimed exactly once.
//
// The task mutation rides the run's compare-and-swap unit; callers racing
// on the same run resolve through RevisionConflictError like any other
// writer.
func (m *Machine) StartTask(ctx context.Context, r *Run, p StartTaskParams) (*Task, error) {
	inputHash, err := identity.HashJSON(p.Input)
	if err != nil {
		return nil, err
	}

	ref := p.ReferenceID
	if ref == "" {
		ref = inputHash
	}
	address := identity.TaskAddress(p.Name, ref)

	if existing, ok := r.Tasks[address]; ok {
		if existing.InputHash == inputHash {
			return existing, nil // Memoized replay.
		}

		return nil, &loom.TaskConflictError{
			RunID:   r.ID.String(),
			TaskID:  existing.ID.String(),
			Address: address,
		}
	}

	now := m.now()
	t := &Task{
		ID:        id.NewTaskID(),
		Address:   address,
		Name:      p.Name,
		Status:    TaskRunning,
		Attempts:  1,
		Input:     p.Input,
		InputHash: inputHash,
		CreatedAt: now,
		UpdatedAt: now,
	}

	expected := r.Revision
	if r.Tasks == nil {
		r.Tasks = make(map[string]*Task)
	}
	r.Tasks[address] = t
	r.UpdatedAt = now

	tr := m.newTransition(r.ID, t.ID.String(), OwnerTask, "", string(TaskRunning), "claimed "+address)
	if err := m.store.UpdateRun(ctx, r, expected, tr); err != nil {
		delete(r.Tasks, address)

		return nil, err
	}

	if m.emitter != nil {
		m.emitter.EmitTaskStarted(ctx, r, t)
	}

	return t, nil
}

// CompleteTask reports a task attempt's successful output.
func (m *Machine) CompleteTask(ctx context.Context, r *Run, t *Task, output json.RawMessage) error {
	return m.reportTask(ctx, r, t, TaskCompleted, "", func(t *Task) {
		t.Output = output
		t.Error = ""
		t.NextAttemptAt = nil
	})
}

// FailTask consults the retry policy after a failed task attempt: if
// budget remains the task moves to awaiting_retry with an absolute
// NextAttemptAt; if exhausted it fails terminally with the causing error.
func (m *Machine) FailTask(ctx context.Context, r *Run, t *Task, cause error, pol retry.Policy) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	delay, ok := pol.Next(t.Attempts)
	if !ok {
		return m.reportTask(ctx, r, t, TaskFailed, "", func(t *Task) {
			t.Error = msg
			t.NextAttemptAt = nil
		})
	}

	nextAt := m.now().Add(delay)

	return m.reportTask(ctx, r, t, TaskAwaitingRetry, "", func(t *Task) {
		t.Error = msg
		t.NextAttemptAt = &nextAt
	})
}

// RetryTask moves an awaiting_retry task whose delay elapsed back to
// running, counting the new attempt.
func (m *Machine) RetryTask(ctx context.Context, r *Run, t *Task, now time.Time) error {
	if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
		return &loom.InvalidTaskTransitionError{
			RunID:  r.ID.String(),
			TaskID: t.ID.String(),
			From:   string(t.Status),
			To:     string(TaskRunning),
		}
	}

	return m.reportTask(ctx, r, t, TaskRunning, "retry", func(t *Task) {
		t.Attempts++
		t.NextAttemptAt = nil
	})
}

// reportTask validates the task transition table and commits the mutation
// through the owning run's revision-guarded update.
func (m *Machine) reportTask(ctx context.Context, r *Run, t *Task, to TaskStatus, note string, apply func(*Task)) error {
	from := t.Status
	if err := ValidateTaskTransition(r.ID, t.ID, from, to); err != nil {
		return err
	}
	if _, ok := r.Tasks[t.Address]; !ok {
		return loom.ErrTaskNotFound
	}

	expected := r.Revision
	if apply != nil {
		apply(t)
	}
	now := m.now()
	t.Status = to
	t.UpdatedAt = now
	r.Tasks[t.Address] = t
	r.UpdatedAt = now

	tr := m.newTransition(r.ID, t.ID.String(), OwnerTask, string(from), string(to), note)
	if err := m.store.UpdateRun(ctx, r, expected, tr); err != nil {
		return err
	}

	if to.Terminal() && m.emitter != nil {
		m.emitter.EmitTaskFinished(ctx, r, t)
	}

	return nil
}

// DueTasks returns the run's awaiting_retry tasks whose NextAttemptAt has
// passed. Used by the worker when a run resumes to drive pending task
// retries.
func (m *Machine) DueTasks(r *Run, now time.Time) []*Task {
	var due []*Task
	for _, t := range r.Tasks {
		if t.Status != TaskAwaitingRetry {
			continue
		}
		if t.NextAttemptAt == nil || !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}

	return due
}
