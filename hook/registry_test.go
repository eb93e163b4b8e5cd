package hook_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/workloom/loom/hook"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnRunCreated(_ context.Context, _ *run.Run) error {
	e.calls = append(e.calls, "OnRunCreated")
	return nil
}

func (e *allHooksExt) OnRunTransitioned(_ context.Context, _ *run.Run, _, _ run.Status) error {
	e.calls = append(e.calls, "OnRunTransitioned")
	return nil
}

func (e *allHooksExt) OnTaskStarted(_ context.Context, _ *run.Run, _ *run.Task) error {
	e.calls = append(e.calls, "OnTaskStarted")
	return nil
}

func (e *allHooksExt) OnTaskFinished(_ context.Context, _ *run.Run, _ *run.Task) error {
	e.calls = append(e.calls, "OnTaskFinished")
	return nil
}

func (e *allHooksExt) OnScheduleFired(_ context.Context, _ *schedule.Schedule, _ time.Time, _ id.RunID) error {
	e.calls = append(e.calls, "OnScheduleFired")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// createdOnlyExt opts in to a single hook.
type createdOnlyExt struct {
	created int
}

func (e *createdOnlyExt) Name() string { return "created-only" }

func (e *createdOnlyExt) OnRunCreated(_ context.Context, _ *run.Run) error {
	e.created++
	return nil
}

// failingExt returns an error from every hook it implements.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnRunCreated(_ context.Context, _ *run.Run) error {
	return errors.New("hook exploded")
}

func TestRegistryFanOut(t *testing.T) {
	t.Parallel()
	reg := hook.NewRegistry(slog.Default())
	all := &allHooksExt{}
	reg.Register(all)

	ctx := context.Background()
	r := &run.Run{ID: id.NewRunID()}

	reg.EmitRunCreated(ctx, r)
	reg.EmitRunTransitioned(ctx, r, run.StatusScheduled, run.StatusQueued)
	reg.EmitTaskStarted(ctx, r, &run.Task{ID: id.NewTaskID()})
	reg.EmitTaskFinished(ctx, r, &run.Task{ID: id.NewTaskID()})
	reg.EmitScheduleFired(ctx, &schedule.Schedule{ID: id.NewScheduleID()}, time.Now(), r.ID)
	reg.EmitShutdown(ctx)

	want := []string{
		"OnRunCreated", "OnRunTransitioned", "OnTaskStarted",
		"OnTaskFinished", "OnScheduleFired", "OnShutdown",
	}
	if len(all.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", all.calls, want)
	}
	for i := range want {
		if all.calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s", i, all.calls[i], want[i])
		}
	}
}

func TestRegistryOptIn(t *testing.T) {
	t.Parallel()
	reg := hook.NewRegistry(slog.Default())
	ext := &createdOnlyExt{}
	reg.Register(ext)

	ctx := context.Background()
	r := &run.Run{ID: id.NewRunID()}

	// Events the extension did not opt in to must not reach it, and must
	// not panic.
	reg.EmitRunTransitioned(ctx, r, run.StatusScheduled, run.StatusQueued)
	reg.EmitShutdown(ctx)
	if ext.created != 0 {
		t.Fatalf("created = %d before any create", ext.created)
	}

	reg.EmitRunCreated(ctx, r)
	if ext.created != 1 {
		t.Fatalf("created = %d, want 1", ext.created)
	}
}

func TestRegistryHookErrorsDoNotPropagate(t *testing.T) {
	t.Parallel()
	reg := hook.NewRegistry(slog.Default())
	reg.Register(&failingExt{})
	after := &createdOnlyExt{}
	reg.Register(after)

	// A failing hook must not stop later extensions.
	reg.EmitRunCreated(context.Background(), &run.Run{ID: id.NewRunID()})
	if after.created != 1 {
		t.Fatalf("extension after the failing one was skipped")
	}
}

func TestRegistryExtensions(t *testing.T) {
	t.Parallel()
	reg := hook.NewRegistry(slog.Default())
	reg.Register(&allHooksExt{})
	reg.Register(&createdOnlyExt{})

	if got := len(reg.Extensions()); got != 2 {
		t.Fatalf("extensions = %d, want 2", got)
	}
}
