package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/workloom/loom/retry"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/worker"
)

// drive executes the run's handler repeatedly, releasing whatever
// suspension it parked on, until the run reaches a terminal status. This
// is the crash-replay cycle compressed into a loop.
func drive(t *testing.T, m *run.Machine, ex *worker.Executor, r *run.Run, maxRounds int) *run.Run {
	t.Helper()
	ctx := context.Background()

	for range maxRounds {
		cur, err := m.Store().GetRun(ctx, r.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if cur.Status.Terminal() {
			return cur
		}

		far := time.Now().UTC().Add(365 * 24 * time.Hour)
		switch cur.Status {
		case run.StatusScheduled:
			if err := m.Requeue(ctx, cur); err != nil {
				t.Fatalf("Requeue: %v", err)
			}
		case run.StatusQueued:
			if err := ex.Execute(ctx, cur); err != nil {
				t.Fatalf("Execute: %v", err)
			}
		case run.StatusSleeping:
			if err := m.Wake(ctx, cur, far); err != nil {
				t.Fatalf("Wake: %v", err)
			}
		case run.StatusAwaitingRetry:
			if err := m.RetryDue(ctx, cur, far); err != nil {
				t.Fatalf("RetryDue: %v", err)
			}
		default:
			t.Fatalf("drive stuck at status %s", cur.Status)
		}
	}
	t.Fatalf("run did not settle in %d rounds", maxRounds)
	return nil
}

func TestContextTaskMemoization(t *testing.T) {
	t.Parallel()
	m, _, reg, ex := setup(t)

	charges := 0
	emails := 0
	err := reg.Register("checkout", func(hctx context.Context, wc *worker.Context) (json.RawMessage, error) {
		receipt, err := wc.Execute(hctx, "charge", json.RawMessage(`{"cents": 500}`), func(context.Context) (json.RawMessage, error) {
			charges++
			return json.RawMessage(`"rcpt-1"`), nil
		})
		if err != nil {
			return nil, err
		}

		// Sleeping here forces a second activation; the charge above must
		// not run again on replay.
		if _, err := wc.Sleep(hctx, "settle-delay", time.Minute); err != nil {
			return nil, err
		}

		_, err = wc.Execute(hctx, "email", receipt, func(context.Context) (json.RawMessage, error) {
			emails++
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		return receipt, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := queuedRun(t, m, "checkout", "c1")
	final := drive(t, m, ex, r, 10)

	if final.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if charges != 1 {
		t.Fatalf("charge executed %d times, want 1", charges)
	}
	if emails != 1 {
		t.Fatalf("email executed %d times, want 1", emails)
	}
	if string(final.Output) != `"rcpt-1"` {
		t.Fatalf("output = %s", final.Output)
	}
}

func TestContextTaskRetry(t *testing.T) {
	t.Parallel()
	m, _, reg, ex := setup(t)

	tries := 0
	err := reg.Register("shaky",
		func(hctx context.Context, wc *worker.Context) (json.RawMessage, error) {
			return wc.Execute(hctx, "call", nil, func(context.Context) (json.RawMessage, error) {
				tries++
				if tries < 3 {
					return nil, errors.New("connection reset")
				}
				return json.RawMessage(`"ok"`), nil
			})
		},
		worker.WithRetryPolicy(retry.Fixed(5, time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := queuedRun(t, m, "shaky", "s1")
	final := drive(t, m, ex, r, 20)

	if final.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if tries != 3 {
		t.Fatalf("task body ran %d times, want 3", tries)
	}
	var task *run.Task
	for _, cand := range final.Tasks {
		if cand.Name == "call" {
			task = cand
		}
	}
	if task == nil {
		t.Fatal("task record missing")
	}
	if task.Attempts != 3 {
		t.Fatalf("task attempts = %d, want 3", task.Attempts)
	}
}

func TestContextTaskExhaustionFailsRun(t *testing.T) {
	t.Parallel()
	m, _, reg, ex := setup(t)

	err := reg.Register("doomed",
		func(hctx context.Context, wc *worker.Context) (json.RawMessage, error) {
			return wc.Execute(hctx, "call", nil, func(context.Context) (json.RawMessage, error) {
				return nil, errors.New("always fails")
			})
		},
		worker.WithRetryPolicy(retry.Fixed(2, time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := queuedRun(t, m, "doomed", "d1")
	final := drive(t, m, ex, r, 20)

	if final.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
}

func TestContextWaitEvent(t *testing.T) {
	t.Parallel()
	m, s, reg, ex := setup(t)
	ctx := context.Background()

	var seen json.RawMessage
	err := reg.Register("approval", func(hctx context.Context, wc *worker.Context) (json.RawMessage, error) {
		evt, err := wc.WaitEvent(hctx, "approved", 0)
		if err != nil {
			return nil, err
		}
		if evt.Kind != run.EventReceived {
			return nil, fmt.Errorf("unexpected wait outcome %s", evt.Kind)
		}
		seen = evt.Data
		return json.RawMessage(`"approved"`), nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := queuedRun(t, m, "approval", "a1")
	if err := ex.Execute(ctx, r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != run.StatusAwaitingEvent {
		t.Fatalf("status = %s, want awaiting_event", got.Status)
	}

	if _, err := m.DeliverEvent(ctx, r.ID, "approved", json.RawMessage(`{"by": "alice"}`), ""); err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}

	final := drive(t, m, ex, r, 10)
	if final.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if string(seen) != `{"by": "alice"}` {
		t.Fatalf("handler saw %s", seen)
	}
}

func TestContextWaitEventTimeoutBranch(t *testing.T) {
	t.Parallel()
	m, s, reg, ex := setup(t)
	ctx := context.Background()

	err := reg.Register("patient", func(hctx context.Context, wc *worker.Context) (json.RawMessage, error) {
		evt, err := wc.WaitEvent(hctx, "approved", time.Minute)
		if err != nil {
			return nil, err
		}
		if evt.Kind == run.EventTimedOut {
			return json.RawMessage(`"gave up"`), nil
		}
		return json.RawMessage(`"approved"`), nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := queuedRun(t, m, "patient", "p1")
	if err := ex.Execute(ctx, r); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if err := m.ExpireEventWait(ctx, got, time.Now().UTC().Add(2*time.Minute)); err != nil {
		t.Fatalf("ExpireEventWait: %v", err)
	}

	final := drive(t, m, ex, r, 10)
	if final.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if string(final.Output) != `"gave up"` {
		t.Fatalf("output = %s, want timeout branch", final.Output)
	}
}

func TestContextChildWorkflow(t *testing.T) {
	t.Parallel()
	m, _, reg, ex := setup(t)

	err := reg.Register("child", func(context.Context, *worker.Context) (json.RawMessage, error) {
		return json.RawMessage(`"child out"`), nil
	})
	if err != nil {
		t.Fatalf("Register child: %v", err)
	}

	err = reg.Register("parent", func(hctx context.Context, wc *worker.Context) (json.RawMessage, error) {
		child, err := wc.StartChild(hctx, run.CreateParams{
			Name: "child", VersionID: "v1", ReferenceID: "sub-1",
		})
		if err != nil {
			return nil, err
		}
		status, err := wc.AwaitChild(hctx, child.Address, 0)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(fmt.Sprintf("%q", "child "+string(status))), nil
	})
	if err != nil {
		t.Fatalf("Register parent: %v", err)
	}

	parent := queuedRun(t, m, "parent", "top")
	ctx := context.Background()
	if err := ex.Execute(ctx, parent); err != nil {
		t.Fatalf("Execute parent: %v", err)
	}

	// The parent is awaiting its child; run the child to settle it.
	childRun, err := m.Store().GetRunByAddress(ctx, "child/v1/sub-1")
	if err != nil {
		t.Fatalf("load child: %v", err)
	}
	if err := m.Requeue(ctx, childRun); err != nil {
		t.Fatalf("Requeue child: %v", err)
	}
	if err := ex.Execute(ctx, childRun); err != nil {
		t.Fatalf("Execute child: %v", err)
	}

	final := drive(t, m, ex, parent, 10)
	if final.Status != run.StatusCompleted {
		t.Fatalf("parent status = %s, want completed", final.Status)
	}
	if string(final.Output) != `"child completed"` {
		t.Fatalf("parent output = %s", final.Output)
	}
}
