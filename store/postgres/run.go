package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
)

const runColumns = `
	id, address, name, version_id, input, input_hash,
	created_at, updated_at, revision, attempts, status,
	scheduled_at, awake_at, timeout_at, next_attempt_at,
	waiting_event, waiting_child, output, error,
	tasks, sleep_queue, event_waits, children, parent_run_id`

// CreateRun persists a new run at revision 0 and atomically appends its
// initial transitions.
func (s *Store) CreateRun(ctx context.Context, r *run.Run, transitions ...*run.StateTransition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loom/postgres: begin create run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	args, err := runArgs(r)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO loom_runs (`+runColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23, $24
		)`, args...)
	if err != nil {
		if isDuplicateKey(err) {
			return s.addressConflict(ctx, r.Address)
		}
		return fmt.Errorf("loom/postgres: create run: %w", err)
	}

	if err := insertTransitions(ctx, tx, transitions); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loom/postgres: commit create run: %w", err)
	}
	return nil
}

// addressConflict builds the conflict error for a duplicate address,
// reporting the run that already owns it.
func (s *Store) addressConflict(ctx context.Context, address string) error {
	var existing string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM loom_runs WHERE address = $1`, address,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("loom/postgres: resolve address conflict: %w", err)
	}
	return &loom.RunConflictError{RunID: existing, Address: address}
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM loom_runs WHERE id = $1`, runID)

	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrRunNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get run: %w", err)
	}
	return r, nil
}

// GetRunByAddress retrieves a run by its derived address key.
func (s *Store) GetRunByAddress(ctx context.Context, address string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM loom_runs WHERE address = $1`, address)

	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrRunNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get run by address: %w", err)
	}
	return r, nil
}

// UpdateRun commits r conditioned on the stored revision still being
// expectedRevision. The row write and the transition appends share one
// transaction, so a conflict aborts both.
func (s *Store) UpdateRun(ctx context.Context, r *run.Run, expectedRevision uint64, transitions ...*run.StateTransition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loom/postgres: begin update run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	now := time.Now().UTC()
	tasks, sleepQueue, eventWaits, children, err := runCollections(r)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE loom_runs SET
			name = $2, version_id = $3, input = $4, input_hash = $5,
			updated_at = $6, revision = $7, attempts = $8, status = $9,
			scheduled_at = $10, awake_at = $11, timeout_at = $12,
			next_attempt_at = $13, waiting_event = $14, waiting_child = $15,
			output = $16, error = $17,
			tasks = $18, sleep_queue = $19, event_waits = $20, children = $21
		WHERE id = $1 AND revision = $22`,
		r.ID, r.Name, r.VersionID, []byte(r.Input), r.InputHash,
		now, int64(expectedRevision+1), r.Attempts, string(r.Status),
		r.ScheduledAt, r.AwakeAt, r.TimeoutAt,
		r.NextAttemptAt, r.WaitingEvent, r.WaitingChild,
		[]byte(r.Output), r.Error,
		tasks, sleepQueue, eventWaits, children,
		int64(expectedRevision),
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.revisionConflict(ctx, r.ID, expectedRevision)
	}

	if err := insertTransitions(ctx, tx, transitions); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loom/postgres: commit update run: %w", err)
	}

	r.Revision = expectedRevision + 1
	r.UpdatedAt = now
	return nil
}

// revisionConflict distinguishes a missing run from a lost race and, for
// the latter, reports the revision that won.
func (s *Store) revisionConflict(ctx context.Context, runID id.RunID, expected uint64) error {
	var actual int64
	err := s.pool.QueryRow(ctx,
		`SELECT revision FROM loom_runs WHERE id = $1`, runID,
	).Scan(&actual)
	if err != nil {
		if isNoRows(err) {
			return loom.ErrRunNotFound
		}
		return fmt.Errorf("loom/postgres: resolve revision conflict: %w", err)
	}
	return &loom.RevisionConflictError{
		RunID:    runID.String(),
		Expected: expected,
		Actual:   uint64(actual),
	}
}

// ListRuns returns runs matching the given options, ordered by creation
// time.
func (s *Store) ListRuns(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM loom_runs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListDue returns runs of the given due kind whose deadline is at or
// before the given time, ordered by deadline.
func (s *Store) ListDue(ctx context.Context, kind run.DueKind, before time.Time, limit int) ([]*run.Run, error) {
	var status run.Status
	var column string
	switch kind {
	case run.DueScheduled:
		status, column = run.StatusScheduled, "scheduled_at"
	case run.DueSleeping:
		status, column = run.StatusSleeping, "awake_at"
	case run.DueRetry:
		status, column = run.StatusAwaitingRetry, "next_attempt_at"
	case run.DueEventTimeout:
		status, column = run.StatusAwaitingEvent, "timeout_at"
	case run.DueChildDeadline:
		status, column = run.StatusAwaitingChild, "timeout_at"
	default:
		return nil, fmt.Errorf("loom/postgres: unknown due kind %q", kind)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM loom_runs
		WHERE status = $1
		  AND `+column+` IS NOT NULL
		  AND `+column+` <= $2
		ORDER BY `+column+` ASC
		LIMIT $3`,
		string(status), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list due runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListTransitions returns the append-only transition log for a run in
// commit order.
func (s *Store) ListTransitions(ctx context.Context, runID id.RunID) ([]*run.StateTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, owner_id, kind, from_state, to_state, note, created_at
		FROM loom_transitions
		WHERE run_id = $1
		ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list transitions: %w", err)
	}
	defer rows.Close()

	var log []*run.StateTransition
	for rows.Next() {
		var (
			tr      run.StateTransition
			kindStr string
		)
		err := rows.Scan(&tr.ID, &tr.RunID, &tr.OwnerID, &kindStr,
			&tr.From, &tr.To, &tr.Note, &tr.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: scan transition row: %w", err)
		}
		tr.Kind = run.OwnerKind(kindStr)
		log = append(log, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate transition rows: %w", err)
	}
	return log, nil
}

// insertTransitions appends transition rows inside the caller's
// transaction.
func insertTransitions(ctx context.Context, tx pgx.Tx, transitions []*run.StateTransition) error {
	for _, tr := range transitions {
		_, err := tx.Exec(ctx, `
			INSERT INTO loom_transitions (
				id, run_id, owner_id, kind, from_state, to_state, note, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tr.ID, tr.RunID, tr.OwnerID, string(tr.Kind),
			tr.From, tr.To, tr.Note, tr.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("loom/postgres: insert transition: %w", err)
		}
	}
	return nil
}

// runCollections marshals the run's nested collections for their JSONB
// columns.
func runCollections(r *run.Run) (tasks, sleepQueue, eventWaits, children []byte, err error) {
	if r.Tasks != nil {
		if tasks, err = marshalJSONB(r.Tasks); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if r.SleepQueue != nil {
		if sleepQueue, err = marshalJSONB(r.SleepQueue); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if r.EventWaits != nil {
		if eventWaits, err = marshalJSONB(r.EventWaits); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if r.Children != nil {
		if children, err = marshalJSONB(r.Children); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	return tasks, sleepQueue, eventWaits, children, nil
}

// runArgs builds the full insert argument list for a run row.
func runArgs(r *run.Run) ([]any, error) {
	tasks, sleepQueue, eventWaits, children, err := runCollections(r)
	if err != nil {
		return nil, err
	}

	var parent *string
	if r.ParentRunID != nil {
		p := r.ParentRunID.String()
		parent = &p
	}

	return []any{
		r.ID, r.Address, r.Name, r.VersionID, []byte(r.Input), r.InputHash,
		r.CreatedAt, r.UpdatedAt, int64(r.Revision), r.Attempts, string(r.Status),
		r.ScheduledAt, r.AwakeAt, r.TimeoutAt, r.NextAttemptAt,
		r.WaitingEvent, r.WaitingChild, []byte(r.Output), r.Error,
		tasks, sleepQueue, eventWaits, children, parent,
	}, nil
}

// scanRun scans a single run row.
func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r          run.Run
		input      []byte
		output     []byte
		revision   int64
		statusStr  string
		tasks      []byte
		sleepQueue []byte
		eventWaits []byte
		children   []byte
		parent     *string
	)
	err := row.Scan(
		&r.ID, &r.Address, &r.Name, &r.VersionID, &input, &r.InputHash,
		&r.CreatedAt, &r.UpdatedAt, &revision, &r.Attempts, &statusStr,
		&r.ScheduledAt, &r.AwakeAt, &r.TimeoutAt, &r.NextAttemptAt,
		&r.WaitingEvent, &r.WaitingChild, &output, &r.Error,
		&tasks, &sleepQueue, &eventWaits, &children, &parent,
	)
	if err != nil {
		return nil, err
	}

	r.Input = input
	r.Output = output
	r.Revision = uint64(revision)
	r.Status = run.Status(statusStr)

	if err := unmarshalJSONB(tasks, &r.Tasks); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(sleepQueue, &r.SleepQueue); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(eventWaits, &r.EventWaits); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(children, &r.Children); err != nil {
		return nil, err
	}

	if parent != nil && *parent != "" {
		parsed, parseErr := id.ParseRunID(*parent)
		if parseErr != nil {
			return nil, fmt.Errorf("loom/postgres: parse parent run id %q: %w", *parent, parseErr)
		}
		r.ParentRunID = &parsed
	}

	return &r, nil
}

// collectRuns collects all runs from query rows.
func collectRuns(rows pgx.Rows) ([]*run.Run, error) {
	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate run rows: %w", err)
	}
	return runs, nil
}
