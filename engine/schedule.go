package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

// ScheduleParams are the inputs to CreateSchedule.
type ScheduleParams struct {
	Name              string
	WorkflowName      string
	WorkflowVersionID string
	Spec              schedule.Spec
	Input             json.RawMessage
}

// CreateSchedule validates and persists a new schedule. The first
// occurrence is computed from the creation time.
func (e *Engine) CreateSchedule(ctx context.Context, p ScheduleParams) (*schedule.Schedule, error) {
	if err := p.Spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &schedule.Schedule{
		ID:                id.NewScheduleID(),
		Name:              p.Name,
		WorkflowName:      p.WorkflowName,
		WorkflowVersionID: p.WorkflowVersionID,
		Spec:              p.Spec,
		Input:             p.Input,
		Status:            schedule.StatusActive,
		CreatedAt:         now,
	}

	next, err := p.Spec.Next(now)
	if err != nil {
		return nil, err
	}
	if !next.IsZero() {
		s.NextRunAt = &next
	}

	if err := e.store.CreateSchedule(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSchedule loads a schedule by ID.
func (e *Engine) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	return e.store.GetSchedule(ctx, scheduleID)
}

// ListSchedules lists all non-deleted schedules.
func (e *Engine) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	return e.store.ListSchedules(ctx)
}

// PauseSchedule stops a schedule from firing without deleting it.
func (e *Engine) PauseSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	return e.setScheduleStatus(ctx, scheduleID, schedule.StatusPaused)
}

// ResumeSchedule reactivates a paused schedule. Missed occurrences are
// handled per the spec's overlap policy on the next tick.
func (e *Engine) ResumeSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	return e.setScheduleStatus(ctx, scheduleID, schedule.StatusActive)
}

// DeleteSchedule soft-deletes a schedule. Runs it already started are
// untouched.
func (e *Engine) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	return e.store.DeleteSchedule(ctx, scheduleID)
}

func (e *Engine) setScheduleStatus(ctx context.Context, scheduleID id.ScheduleID, status schedule.Status) error {
	s, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	s.Status = status
	return e.store.UpdateSchedule(ctx, s)
}

// startOccurrence is the schedule.StartFunc the scheduler fires with.
// The occurrence timestamp is the idempotency reference, so a crashed
// scheduler that refires the same occurrence dedupes onto the same run.
// Under cancel_previous, the schedule's still-active previous run is
// cancelled before the new one starts.
func (e *Engine) startOccurrence(ctx context.Context, s *schedule.Schedule, occ time.Time) (id.RunID, error) {
	if s.Spec.Overlap == schedule.OverlapCancelPrevious && !s.LastRunID.IsNil() {
		if err := e.cancelPrevious(ctx, s.LastRunID); err != nil {
			return id.Nil, err
		}
	}

	r, err := e.machine.Create(ctx, run.CreateParams{
		Name:        s.WorkflowName,
		VersionID:   s.WorkflowVersionID,
		Input:       s.Input,
		ReferenceID: fmt.Sprintf("%s@%d", s.Name, occ.UnixMilli()),
		Trigger:     run.Trigger{StartAt: occ},
	})
	if err != nil {
		return id.Nil, err
	}
	return r.ID, nil
}

// cancelPrevious cancels the previous occurrence's run if it is still
// active. A terminal or already-deleted previous run is fine.
func (e *Engine) cancelPrevious(ctx context.Context, prev id.RunID) error {
	r, err := e.store.GetRun(ctx, prev)
	switch {
	case errors.Is(err, loom.ErrRunNotFound):
		return nil
	case err != nil:
		return err
	}
	if r.Status.Terminal() {
		return nil
	}
	if err := e.machine.Cancel(ctx, r); err != nil && !errors.Is(err, loom.ErrInvalidTransition) {
		return err
	}
	return nil
}
