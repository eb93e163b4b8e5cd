// Package notify carries ready-run announcements from the engine to
// workers. A notification is a latency optimization only: the store is the
// source of truth and workers also poll it, so a lost message delays a run
// by at most one poll interval.
package notify

import (
	"context"
	"time"

	"github.com/workloom/loom/id"
)

// ReadyMessage announces that a run has become queued and is ready to be
// claimed by a worker.
type ReadyMessage struct {
	RunID     id.RunID  `json:"run_id"`
	Name      string    `json:"name"`
	VersionID string    `json:"version_id"`
	At        time.Time `json:"at"`
}

// Topic returns the notification topic for one workflow version. Workers
// subscribe per (workflow, version) so a fleet that runs only some
// versions is not woken for the rest. An empty version names the
// version-agnostic topic: publishers fan every run out to it as well, so
// a worker that handles all versions of a workflow subscribes once.
func Topic(workflowName, versionID string) string {
	if versionID == "" {
		return "runs." + workflowName
	}
	return "runs." + workflowName + "." + versionID
}

// Notifier publishes ready-run announcements.
type Notifier interface {
	NotifyReady(ctx context.Context, msg ReadyMessage) error
}

// Source delivers ready-run announcements to a worker.
type Source interface {
	// Next blocks until a message arrives, the wait duration elapses, or
	// ctx is done. A timeout returns (nil, nil): the caller falls back to
	// polling the store.
	Next(ctx context.Context, wait time.Duration) (*ReadyMessage, error)

	// Close releases the source.
	Close() error
}
