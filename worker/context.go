package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/retry"
	"github.com/workloom/loom/run"
)

// TaskFunc is the body of a task executed through Context.Execute.
type TaskFunc func(ctx context.Context) (json.RawMessage, error)

// Context is a handler's view of its run. It wraps the machine so every
// suspension and task mutation commits durably before the handler
// observes its effect.
//
// Replay bookkeeping (event cursors) lives here and resets each
// activation, which is exactly the replay semantics handlers rely on: the
// Nth WaitEvent call for a name consumes the Nth persisted entry.
type Context struct {
	machine *run.Machine
	r       *run.Run
	policy  retry.Policy

	eventCursor map[string]int
}

// NewContext wraps a running run for handler execution.
func NewContext(machine *run.Machine, r *run.Run, policy retry.Policy) *Context {
	return &Context{
		machine:     machine,
		r:           r,
		policy:      policy,
		eventCursor: make(map[string]int),
	}
}

// Run returns the underlying run.
func (c *Context) Run() *run.Run { return c.r }

// Input returns the run's input payload.
func (c *Context) Input() json.RawMessage { return c.r.Input }

// In unmarshals the run's input into v.
func (c *Context) In(v any) error {
	if len(c.r.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.r.Input, v)
}

// Sleep suspends the run for d, keyed by sleepID. On replay, a completed
// entry with the same id returns immediately with the recorded elapsed
// time.
func (c *Context) Sleep(ctx context.Context, sleepID string, d time.Duration) (time.Duration, error) {
	for _, s := range c.r.SleepQueue {
		if s.ID != sleepID {
			continue
		}
		switch s.Status {
		case run.SleepCompleted:
			return s.Elapsed, nil
		case run.SleepCancelled:
			return 0, context.Canceled
		case run.SleepPending:
			// A pending entry under a running run means the wake commit
			// raced with handler re-entry. Suspend again; the sweep
			// completes it.
			return 0, ErrSuspended
		}
	}

	if err := c.machine.Sleep(ctx, c.r, sleepID, d); err != nil {
		return 0, err
	}
	return 0, ErrSuspended
}

// WaitEvent suspends the run until the named event arrives, or until
// timeout passes (zero waits indefinitely). On replay, persisted entries
// are consumed in order. A timed-out wait returns the entry with
// run.EventTimedOut so handlers branch on the outcome, not on an error.
func (c *Context) WaitEvent(ctx context.Context, name string, timeout time.Duration) (*run.EventState, error) {
	idx := c.eventCursor[name]
	if entries := c.r.EventWaits[name]; idx < len(entries) {
		c.eventCursor[name] = idx + 1
		entry := entries[idx]
		return &entry, nil
	}

	if err := c.machine.WaitForEvent(ctx, c.r, name, timeout); err != nil {
		return nil, err
	}
	return nil, ErrSuspended
}

// StartChild creates a child run of this run. Idempotent per reference:
// on replay the existing child returns.
func (c *Context) StartChild(ctx context.Context, p run.CreateParams) (*run.Run, error) {
	p.ParentRunID = c.r.ID

	child, err := c.machine.Create(ctx, p)
	if err != nil {
		return nil, err
	}

	// Creation registered the child on the parent row behind our back;
	// refresh so AwaitChild sees it.
	fresh, err := c.machine.Store().GetRun(ctx, c.r.ID)
	if err != nil {
		return nil, err
	}
	*c.r = *fresh
	return child, nil
}

// AwaitChild suspends the run until the child at the given address
// reaches a terminal status, or deadline passes (zero waits
// indefinitely). On replay, a terminal child status returns immediately.
func (c *Context) AwaitChild(ctx context.Context, childAddress string, deadline time.Duration) (run.Status, error) {
	ref, ok := c.r.Children[childAddress]
	if !ok {
		return "", fmt.Errorf("worker: await child %s: %w", childAddress, loom.ErrUnknownChild)
	}
	if ref.Status.Terminal() {
		return ref.Status, nil
	}

	if err := c.machine.AwaitChild(ctx, c.r, childAddress, deadline); err != nil {
		return "", err
	}
	return "", ErrSuspended
}

// Execute runs a task exactly once per address. A completed task replays
// its memoized output; a failed task replays its terminal error. Task
// failures consult the workflow retry policy: with budget remaining the
// run suspends until the task's next attempt time.
func (c *Context) Execute(ctx context.Context, name string, input json.RawMessage, fn TaskFunc) (json.RawMessage, error) {
	t, err := c.machine.StartTask(ctx, c.r, run.StartTaskParams{Name: name, Input: input})
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case run.TaskCompleted:
		return t.Output, nil
	case run.TaskFailed:
		return nil, fmt.Errorf("task %s failed: %s", name, t.Error)
	case run.TaskAwaitingRetry:
		now := time.Now().UTC()
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			// Not due yet: park the run until the attempt time.
			return nil, c.suspendForTaskRetry(ctx, t)
		}
		if err := c.machine.RetryTask(ctx, c.r, t, now); err != nil {
			return nil, err
		}
	case run.TaskRunning:
		// First attempt, or re-entry after a crash mid-attempt.
	}

	out, taskErr := fn(ctx)
	if taskErr == nil {
		if err := c.machine.CompleteTask(ctx, c.r, t, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	if err := c.machine.FailTask(ctx, c.r, t, taskErr, c.policy); err != nil {
		return nil, err
	}
	if t.Status == run.TaskFailed {
		return nil, fmt.Errorf("task %s failed: %w", name, taskErr)
	}
	return nil, c.suspendForTaskRetry(ctx, t)
}

// suspendForTaskRetry parks the run in awaiting_retry until the task's
// next attempt time, then reports ErrSuspended.
func (c *Context) suspendForTaskRetry(ctx context.Context, t *run.Task) error {
	next := t.NextAttemptAt
	_, err := c.machine.Transition(
		ctx, c.r.ID, c.r.Revision,
		run.StatusRunning, run.StatusAwaitingRetry,
		func(r *run.Run) { r.NextAttemptAt = next },
	)
	if err != nil {
		return err
	}
	return ErrSuspended
}
