package schedule

import (
	"encoding/json"
	"time"

	"github.com/workloom/loom/id"
)

// Status is the lifecycle state of a schedule.
type Status string

const (
	// StatusActive means the schedule fires when due.
	StatusActive Status = "active"
	// StatusPaused means the schedule is retained but does not fire.
	StatusPaused Status = "paused"
	// StatusDeleted means the schedule is soft-deleted and never fires.
	StatusDeleted Status = "deleted"
)

// Schedule is a recurring trigger definition, independent of any single
// run. It owns the runs it has triggered only through a derived reference
// id, never through a foreign key requiring cascading deletes.
type Schedule struct {
	ID                id.ScheduleID   `json:"id"`
	Name              string          `json:"name"`
	WorkflowName      string          `json:"workflow_name"`
	WorkflowVersionID string          `json:"workflow_version_id"`
	Spec              Spec            `json:"spec"`
	Input             json.RawMessage `json:"input,omitempty"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`

	// LastOccurrence is the most recent fired occurrence time. Nil until
	// the schedule first fires.
	LastOccurrence *time.Time `json:"last_occurrence,omitempty"`

	// NextRunAt is always Spec.Next(LastOccurrence or CreatedAt).
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// RunCount is the number of occurrences actually triggered.
	RunCount int64 `json:"run_count"`

	// LastRunID references the run started for LastOccurrence. Used by
	// OverlapCancelPrevious to cancel the still-active predecessor.
	LastRunID id.RunID `json:"last_run_id,omitempty"`

	// Firing lock, held briefly by the worker firing this schedule.
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Anchor returns the occurrence anchor: the last fired occurrence, or the
// creation time if the schedule has never fired.
func (s *Schedule) Anchor() time.Time {
	if s.LastOccurrence != nil {
		return *s.LastOccurrence
	}

	return s.CreatedAt
}
