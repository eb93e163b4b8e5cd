// Package loom provides a durable workflow-orchestration core for Go.
// It manages the persisted lifecycle of long-running workflow runs and the
// retryable tasks nested inside them, coordinates suspension on timers,
// external events, and child workflows, and fires recurring schedules.
//
// Loom is designed as a library, not a service. Configure a store, register
// workflow handlers as ordinary Go functions, and let the engine drive runs
// through their state machines across process restarts.
//
// # Quick Start
//
//	eng, err := engine.New(memory.New(), engine.WithLogger(logger))
//	eng.Register("order-flow", handleOrder)
//	eng.Start(ctx)
//
// # Architecture
//
// Every durable record is advanced through revision-guarded compare-and-swap
// updates: a writer reads a run at some revision, computes the next state,
// and commits conditioned on that revision still being current. Losing the
// race is a recoverable condition surfaced as a RevisionConflictError, never
// a corruption. Suspension (sleep, event wait, retry wait, child wait) is
// durable state with an absolute deadline, reactivated by the sweep loops
// rather than by an in-process blocked goroutine.
//
// Each subsystem (run, schedule) defines its own store interface; a single
// backend implements all of them. All entity IDs use TypeID: type-prefixed,
// K-sortable, UUIDv7-based identifiers.
package loom
