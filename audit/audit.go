// Package audit bridges lifecycle hooks to an audit trail backend. Each
// hook emits one structured Event through an injected Recorder, so the
// backend (a log sink, an audit service, a table) is wired by the caller
// rather than imported here.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/workloom/loom/hook"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

// Compile-time interface checks.
var (
	_ hook.Extension       = (*Extension)(nil)
	_ hook.RunCreated      = (*Extension)(nil)
	_ hook.RunTransitioned = (*Extension)(nil)
	_ hook.TaskStarted     = (*Extension)(nil)
	_ hook.TaskFinished    = (*Extension)(nil)
	_ hook.ScheduleFired   = (*Extension)(nil)
)

// Recorder is the interface audit backends implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc adapts a plain function to a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Event is one audit record.
type Event struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Outcome    string         `json:"outcome"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Action constants.
const (
	ActionRunCreated    = "run.created"
	ActionRunSettled    = "run.settled"
	ActionTaskStarted   = "task.started"
	ActionTaskFinished  = "task.finished"
	ActionScheduleFired = "schedule.fired"
)

// Resource constants.
const (
	ResourceRun      = "run"
	ResourceTask     = "task"
	ResourceSchedule = "schedule"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension emits audit events for lifecycle hooks. Only settlement is
// audited on transitions: intermediate hops (queued, running, sleeping)
// are operational noise, not audit trail material.
type Extension struct {
	recorder Recorder
	logger   *slog.Logger
	enabled  map[string]bool // nil = all actions enabled
}

// Option configures the Extension.
type Option func(*Extension)

// WithLogger sets the logger used when the recorder itself fails.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) { e.logger = logger }
}

// WithActions restricts emission to the given actions.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// New creates an Extension writing through the given Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SlogRecorder returns a Recorder that writes events as structured log
// records, for deployments without a dedicated audit backend.
func SlogRecorder(logger *slog.Logger) Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return RecorderFunc(func(_ context.Context, evt *Event) error {
		logger.Info("audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
}

// Name implements hook.Extension.
func (e *Extension) Name() string { return "audit" }

// OnRunCreated implements hook.RunCreated.
func (e *Extension) OnRunCreated(ctx context.Context, r *run.Run) error {
	return e.record(ctx, ActionRunCreated, ResourceRun, r.ID.String(), OutcomeSuccess,
		"workflow", r.Name,
		"version_id", r.VersionID,
		"address", r.Address,
	)
}

// OnRunTransitioned implements hook.RunTransitioned. Only terminal
// transitions are recorded.
func (e *Extension) OnRunTransitioned(ctx context.Context, r *run.Run, from, to run.Status) error {
	if !to.Terminal() {
		return nil
	}
	outcome := OutcomeSuccess
	if to == run.StatusFailed {
		outcome = OutcomeFailure
	}
	return e.record(ctx, ActionRunSettled, ResourceRun, r.ID.String(), outcome,
		"workflow", r.Name,
		"from", string(from),
		"to", string(to),
		"attempts", r.Attempts,
		"error", r.Error,
	)
}

// OnTaskStarted implements hook.TaskStarted.
func (e *Extension) OnTaskStarted(ctx context.Context, r *run.Run, t *run.Task) error {
	return e.record(ctx, ActionTaskStarted, ResourceTask, t.ID.String(), OutcomeSuccess,
		"run_id", r.ID.String(),
		"task", t.Name,
		"address", t.Address,
	)
}

// OnTaskFinished implements hook.TaskFinished.
func (e *Extension) OnTaskFinished(ctx context.Context, r *run.Run, t *run.Task) error {
	outcome := OutcomeSuccess
	if t.Status == run.TaskFailed {
		outcome = OutcomeFailure
	}
	return e.record(ctx, ActionTaskFinished, ResourceTask, t.ID.String(), outcome,
		"run_id", r.ID.String(),
		"task", t.Name,
		"status", string(t.Status),
		"attempts", t.Attempts,
		"error", t.Error,
	)
}

// OnScheduleFired implements hook.ScheduleFired.
func (e *Extension) OnScheduleFired(ctx context.Context, s *schedule.Schedule, occurrence time.Time, runID id.RunID) error {
	return e.record(ctx, ActionScheduleFired, ResourceSchedule, s.ID.String(), OutcomeSuccess,
		"schedule", s.Name,
		"workflow", s.WorkflowName,
		"occurrence", occurrence.Format(time.RFC3339),
		"run_id", runID.String(),
	)
}

// record builds and sends an event if the action is enabled. Recorder
// failures are logged, never propagated: a broken audit sink must not
// stall the lifecycle.
func (e *Extension) record(ctx context.Context, action, resource, resourceID, outcome string, kvPairs ...any) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		if s, isStr := kvPairs[i+1].(string); isStr && s == "" {
			continue
		}
		meta[key] = kvPairs[i+1]
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Outcome:    outcome,
		Metadata:   meta,
	}

	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("audit event dropped",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
