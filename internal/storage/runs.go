package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// orphanStderr is recorded on runs force-closed by startup recovery.
const orphanStderr = "Interrupted by shutdown"

// CreateRun inserts a run row and returns its id. The executor calls this
// immediately before handing the command to the process runner, so a crash
// mid-run leaves a detectable in-flight row (ended_at IS NULL).
func (s *sqliteStore) CreateRun(ctx context.Context, run *Run) (int64, error) {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	var exit any
	if run.ExitCode != nil {
		exit = *run.ExitCode
	}
	var dur any
	if run.EndedAt != nil {
		dur = run.DurationSeconds
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (job_id, job_name, started_at, ended_at, exit_code,
		                   stdout, stderr, timed_out, duration_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.JobID, run.JobName, fmtTime(run.StartedAt), fmtTimePtr(run.EndedAt),
		exit, nullStr(run.Stdout), nullStr(run.Stderr), boolToInt(run.TimedOut), dur,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

// UpdateRun rewrites the outcome fields of an existing run, keyed by id.
func (s *sqliteStore) UpdateRun(ctx context.Context, run *Run) error {
	var exit any
	if run.ExitCode != nil {
		exit = *run.ExitCode
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
		     ended_at = ?, exit_code = ?, stdout = ?, stderr = ?,
		     timed_out = ?, duration_seconds = ?
		 WHERE id = ?`,
		fmtTimePtr(run.EndedAt), exit, nullStr(run.Stdout), nullStr(run.Stderr),
		boolToInt(run.TimedOut), run.DurationSeconds, run.ID,
	)
	return err
}

// GetRun returns the run with the given id, or (nil, nil) if none exists.
func (s *sqliteStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run, err := row.toRun()
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetLastRun returns the most recent run for a job name, or (nil, nil).
func (s *sqliteStore) GetLastRun(ctx context.Context, jobName string) (*Run, error) {
	runs, err := s.ListRuns(ctx, ListRunsOptions{JobName: jobName, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns run history, newest first.
func (s *sqliteStore) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	query := `SELECT * FROM runs WHERE 1=1`
	args := []any{}
	if opts.JobName != "" {
		query += ` AND job_name = ?`
		args = append(args, opts.JobName)
	}
	if opts.FailedOnly {
		query += ` AND (exit_code != 0 OR exit_code IS NULL OR timed_out = 1)`
	}
	if !opts.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, fmtTime(opts.Since))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// CleanupOrphanedRuns force-closes every in-flight run row. Called once at
// scheduler startup, before the loop begins, so a prior crash never leaves a
// permanently "running" row.
func (s *sqliteStore) CleanupOrphanedRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
		     ended_at = ?, exit_code = -1, stderr = ?, duration_seconds = 0
		 WHERE ended_at IS NULL`,
		fmtTime(time.Now()), orphanStderr,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupOldRuns deletes run rows started more than retentionDays ago.
// Jobs are never touched by retention.
func (s *sqliteStore) CleanupOldRuns(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE started_at < ?`, fmtTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
