package schedule

import (
	"context"
	"time"

	"github.com/workloom/loom/id"
)

// Store defines the persistence contract for schedules.
type Store interface {
	// CreateSchedule persists a new schedule. Returns an error if the
	// name already exists.
	CreateSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule retrieves a schedule by ID.
	GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error)

	// ListSchedules returns all non-deleted schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// ListDueSchedules returns active schedules whose NextRunAt is at or
	// before the given time, up to limit.
	ListDueSchedules(ctx context.Context, before time.Time, limit int) ([]*Schedule, error)

	// UpdateSchedule persists changes to an existing schedule.
	UpdateSchedule(ctx context.Context, s *Schedule) error

	// AcquireScheduleLock attempts to acquire the firing lock for a
	// schedule. Returns true if acquired. The lock expires after ttl.
	AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, owner string, ttl time.Duration) (bool, error)

	// ReleaseScheduleLock releases the firing lock held by owner.
	ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, owner string) error

	// DeleteSchedule soft-deletes a schedule by ID.
	DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error
}
