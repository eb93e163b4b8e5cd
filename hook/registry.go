package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type runCreatedEntry struct {
	name string
	hook RunCreated
}

type runTransitionedEntry struct {
	name string
	hook RunTransitioned
}

type taskStartedEntry struct {
	name string
	hook TaskStarted
}

type taskFinishedEntry struct {
	name string
	hook TaskFinished
}

type scheduleFiredEntry struct {
	name string
	hook ScheduleFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events to
// them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook. Registry
// satisfies run.Emitter and schedule.Emitter.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	runCreated      []runCreatedEntry
	runTransitioned []runTransitionedEntry
	taskStarted     []taskStartedEntry
	taskFinished    []taskFinishedEntry
	scheduleFired   []scheduleFiredEntry
	shutdown        []shutdownEntry
}

var (
	_ run.Emitter      = (*Registry)(nil)
	_ schedule.Emitter = (*Registry)(nil)
)

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable hook
// caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RunCreated); ok {
		r.runCreated = append(r.runCreated, runCreatedEntry{name, h})
	}
	if h, ok := e.(RunTransitioned); ok {
		r.runTransitioned = append(r.runTransitioned, runTransitionedEntry{name, h})
	}
	if h, ok := e.(TaskStarted); ok {
		r.taskStarted = append(r.taskStarted, taskStartedEntry{name, h})
	}
	if h, ok := e.(TaskFinished); ok {
		r.taskFinished = append(r.taskFinished, taskFinishedEntry{name, h})
	}
	if h, ok := e.(ScheduleFired); ok {
		r.scheduleFired = append(r.scheduleFired, scheduleFiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitRunCreated notifies all extensions that implement RunCreated.
func (r *Registry) EmitRunCreated(ctx context.Context, rn *run.Run) {
	for _, e := range r.runCreated {
		if err := e.hook.OnRunCreated(ctx, rn); err != nil {
			r.logHookError("OnRunCreated", e.name, err)
		}
	}
}

// EmitRunTransitioned notifies all extensions that implement
// RunTransitioned.
func (r *Registry) EmitRunTransitioned(ctx context.Context, rn *run.Run, from, to run.Status) {
	for _, e := range r.runTransitioned {
		if err := e.hook.OnRunTransitioned(ctx, rn, from, to); err != nil {
			r.logHookError("OnRunTransitioned", e.name, err)
		}
	}
}

// EmitTaskStarted notifies all extensions that implement TaskStarted.
func (r *Registry) EmitTaskStarted(ctx context.Context, rn *run.Run, t *run.Task) {
	for _, e := range r.taskStarted {
		if err := e.hook.OnTaskStarted(ctx, rn, t); err != nil {
			r.logHookError("OnTaskStarted", e.name, err)
		}
	}
}

// EmitTaskFinished notifies all extensions that implement TaskFinished.
func (r *Registry) EmitTaskFinished(ctx context.Context, rn *run.Run, t *run.Task) {
	for _, e := range r.taskFinished {
		if err := e.hook.OnTaskFinished(ctx, rn, t); err != nil {
			r.logHookError("OnTaskFinished", e.name, err)
		}
	}
}

// EmitScheduleFired notifies all extensions that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, s *schedule.Schedule, occurrence time.Time, runID id.RunID) {
	for _, e := range r.scheduleFired {
		if err := e.hook.OnScheduleFired(ctx, s, occurrence, runID); err != nil {
			r.logHookError("OnScheduleFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown. Called
// once during graceful shutdown, before the store closes.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Hook errors never propagate into the
// lifecycle operation that triggered them.
func (r *Registry) logHookError(hookName, extName string, err error) {
	r.logger.Error("extension hook failed",
		"hook", hookName,
		"extension", extName,
		"error", err,
	)
}
