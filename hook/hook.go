// Package hook defines the extension system. Extensions are notified of
// lifecycle events (run created, run transitioned, task started, schedule
// fired, etc.) and can react to them for logging, metrics, or tracing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// RunCreated is called after a new run is persisted.
type RunCreated interface {
	OnRunCreated(ctx context.Context, r *run.Run) error
}

// RunTransitioned is called after a run commits a state transition.
type RunTransitioned interface {
	OnRunTransitioned(ctx context.Context, r *run.Run, from, to run.Status) error
}

// TaskStarted is called after a task address is claimed inside a run.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, r *run.Run, t *run.Task) error
}

// TaskFinished is called after a task reaches a terminal status.
type TaskFinished interface {
	OnTaskFinished(ctx context.Context, r *run.Run, t *run.Task) error
}

// ScheduleFired is called after a schedule occurrence starts a run.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, s *schedule.Schedule, occurrence time.Time, runID id.RunID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
