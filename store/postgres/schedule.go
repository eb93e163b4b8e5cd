package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/schedule"
)

const scheduleColumns = `
	id, name, workflow_name, workflow_version_id, spec, input, status,
	created_at, last_occurrence, next_run_at, run_count, last_run_id,
	locked_by, locked_until`

// CreateSchedule persists a new schedule. Name uniqueness among
// non-deleted schedules is enforced by a partial unique index.
func (s *Store) CreateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	spec, err := marshalJSONB(sc.Spec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO loom_schedules (`+scheduleColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sc.ID, sc.Name, sc.WorkflowName, sc.WorkflowVersionID,
		spec, []byte(sc.Input), string(sc.Status),
		sc.CreatedAt, sc.LastOccurrence, sc.NextRunAt,
		sc.RunCount, nilIfNilID(sc.LastRunID),
		nilIfEmpty(sc.LockedBy), sc.LockedUntil,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return loom.ErrScheduleExists
		}
		return fmt.Errorf("loom/postgres: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM loom_schedules WHERE id = $1`, scheduleID)

	sc, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get schedule: %w", err)
	}
	return sc, nil
}

// ListSchedules returns all non-deleted schedules ordered by creation
// time.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM loom_schedules
		WHERE status <> 'deleted'
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// ListDueSchedules returns active schedules whose NextRunAt is at or
// before the given time, ordered by NextRunAt.
func (s *Store) ListDueSchedules(ctx context.Context, before time.Time, limit int) ([]*schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM loom_schedules
		WHERE status = 'active'
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list due schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// UpdateSchedule persists changes to an existing schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	spec, err := marshalJSONB(sc.Spec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_schedules SET
			name = $2, workflow_name = $3, workflow_version_id = $4,
			spec = $5, input = $6, status = $7,
			last_occurrence = $8, next_run_at = $9,
			run_count = $10, last_run_id = $11,
			locked_by = $12, locked_until = $13
		WHERE id = $1`,
		sc.ID, sc.Name, sc.WorkflowName, sc.WorkflowVersionID,
		spec, []byte(sc.Input), string(sc.Status),
		sc.LastOccurrence, sc.NextRunAt,
		sc.RunCount, nilIfNilID(sc.LastRunID),
		nilIfEmpty(sc.LockedBy), sc.LockedUntil,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrScheduleNotFound
	}
	return nil
}

// AcquireScheduleLock attempts to take the firing lock for a schedule.
// A conditional UPDATE succeeds if no lock is held, the lock expired, or
// owner already holds it.
func (s *Store) AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_schedules
		SET locked_by = $2, locked_until = $3
		WHERE id = $1
		  AND status <> 'deleted'
		  AND (locked_by IS NULL OR locked_until < $4 OR locked_by = $2)`,
		scheduleID, owner, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("loom/postgres: acquire schedule lock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		existErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM loom_schedules WHERE id = $1 AND status <> 'deleted')`,
			scheduleID,
		).Scan(&exists)
		if existErr != nil {
			return false, fmt.Errorf("loom/postgres: check schedule exists: %w", existErr)
		}
		if !exists {
			return false, loom.ErrScheduleNotFound
		}
		return false, nil
	}

	return true, nil
}

// ReleaseScheduleLock releases the firing lock held by owner. Releasing a
// lock held by someone else is a no-op.
func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE loom_schedules
		SET locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		scheduleID, owner,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: release schedule lock: %w", err)
	}
	return nil
}

// DeleteSchedule soft-deletes a schedule, freeing its name for reuse.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_schedules
		SET status = 'deleted', locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND status <> 'deleted'`,
		scheduleID,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrScheduleNotFound
	}
	return nil
}

// nilIfEmpty returns nil for the empty string so the column stores NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nilIfNilID returns nil for the zero-value ID so the column stores NULL.
func nilIfNilID(i id.ID) *string {
	if i.IsNil() {
		return nil
	}
	v := i.String()
	return &v
}

// scanSchedule scans a single schedule row.
func scanSchedule(row pgx.Row) (*schedule.Schedule, error) {
	var (
		sc        schedule.Schedule
		spec      []byte
		input     []byte
		statusStr string
		lastRun   *string
		lockedBy  *string
	)
	err := row.Scan(
		&sc.ID, &sc.Name, &sc.WorkflowName, &sc.WorkflowVersionID,
		&spec, &input, &statusStr,
		&sc.CreatedAt, &sc.LastOccurrence, &sc.NextRunAt,
		&sc.RunCount, &lastRun,
		&lockedBy, &sc.LockedUntil,
	)
	if err != nil {
		return nil, err
	}

	sc.Input = input
	sc.Status = schedule.Status(statusStr)

	if err := unmarshalJSONB(spec, &sc.Spec); err != nil {
		return nil, err
	}

	if lastRun != nil && *lastRun != "" {
		parsed, parseErr := id.ParseRunID(*lastRun)
		if parseErr != nil {
			return nil, fmt.Errorf("loom/postgres: parse last run id %q: %w", *lastRun, parseErr)
		}
		sc.LastRunID = parsed
	}
	if lockedBy != nil {
		sc.LockedBy = *lockedBy
	}

	return &sc, nil
}

// collectSchedules collects all schedules from query rows.
func collectSchedules(rows pgx.Rows) ([]*schedule.Schedule, error) {
	var schedules []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: scan schedule row: %w", err)
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate schedule rows: %w", err)
	}
	return schedules, nil
}
