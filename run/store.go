package run

import (
	"context"
	"time"

	"github.com/workloom/loom/id"
)

// DueKind selects which suspended population a due-listing scans.
type DueKind string

const (
	// DueScheduled lists scheduled runs whose ScheduledAt has passed.
	DueScheduled DueKind = "scheduled"
	// DueSleeping lists sleeping runs whose AwakeAt has passed.
	DueSleeping DueKind = "sleeping"
	// DueRetry lists awaiting_retry runs whose NextAttemptAt has passed.
	DueRetry DueKind = "retry"
	// DueEventTimeout lists awaiting_event runs whose TimeoutAt has passed.
	DueEventTimeout DueKind = "event_timeout"
	// DueChildDeadline lists awaiting_child runs whose TimeoutAt has passed.
	DueChildDeadline DueKind = "child_deadline"
)

// ListOpts controls pagination for run list queries.
type ListOpts struct {
	// Status filters by run status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
}

// Store defines the persistence contract for workflow runs. All mutation
// after creation goes through UpdateRun, whose compare-and-swap semantics
// carry the entire concurrency model.
type Store interface {
	// CreateRun persists a new run at revision 0 and atomically appends
	// the initial transitions. The run's address must be unique; a clash
	// surfaces as a RunConflictError.
	CreateRun(ctx context.Context, r *Run, transitions ...*StateTransition) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// GetRunByAddress retrieves a run by its derived address key.
	// Returns ErrRunNotFound if no run exists at the address.
	GetRunByAddress(ctx context.Context, address string) (*Run, error)

	// UpdateRun commits r conditioned on the stored revision still being
	// expectedRevision. On success the stored revision becomes
	// expectedRevision+1 (reflected into r) and the given transitions are
	// appended atomically with the row update. A mismatch returns a
	// RevisionConflictError carrying the now-current revision; callers
	// reload and retry, never blind-overwrite.
	UpdateRun(ctx context.Context, r *Run, expectedRevision uint64, transitions ...*StateTransition) error

	// ListRuns returns runs matching the given options, ordered by
	// creation time.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// ListDue returns runs of the given due kind whose deadline is at or
	// before the given time, up to limit.
	ListDue(ctx context.Context, kind DueKind, before time.Time, limit int) ([]*Run, error)

	// ListTransitions returns the append-only transition log for a run
	// (run-level and task-level entries), ordered by creation time.
	ListTransitions(ctx context.Context, runID id.RunID) ([]*StateTransition, error)
}
