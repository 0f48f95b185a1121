package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AddJob inserts a new job and returns its id. The unique name constraint is
// enforced by the schema; callers wanting a friendly duplicate error should
// check GetJob first.
func (s *sqliteStore) AddJob(ctx context.Context, job *Job) (int64, error) {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = 300
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, cron, command, working_dir, enabled,
		                   timeout_seconds, tags, created_at, updated_at, next_run)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name, job.Cron, job.Command, nullStr(job.WorkingDir),
		boolToInt(job.Enabled), job.TimeoutSeconds, nullStr(job.Tags),
		fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt), fmtTimePtr(job.NextRun),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	job.ID = id
	return id, nil
}

// GetJob returns the job with the given name, or (nil, nil) if none exists.
func (s *sqliteStore) GetJob(ctx context.Context, name string) (*Job, error) {
	return s.getJob(ctx, `SELECT * FROM jobs WHERE name = ?`, name)
}

// GetJobByID returns the job with the given id, or (nil, nil) if none exists.
func (s *sqliteStore) GetJobByID(ctx context.Context, id int64) (*Job, error) {
	return s.getJob(ctx, `SELECT * FROM jobs WHERE id = ?`, id)
}

func (s *sqliteStore) getJob(ctx context.Context, query string, arg any) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job, err := row.toJob()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs ordered by name. Disabled jobs are excluded unless
// opts.IncludeDisabled is set; opts.Tag filters by raw substring match on the
// stored tag text.
func (s *sqliteStore) ListJobs(ctx context.Context, opts ListJobsOptions) ([]Job, error) {
	query := `SELECT * FROM jobs WHERE 1=1`
	args := []any{}
	if !opts.IncludeDisabled {
		query += ` AND enabled = 1`
	}
	if opts.Tag != "" {
		query += ` AND tags LIKE ?`
		args = append(args, "%"+opts.Tag+"%")
	}
	query += ` ORDER BY name`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateJob rewrites the mutable fields of an existing job, keyed by id.
func (s *sqliteStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		     cron = ?, command = ?, working_dir = ?, enabled = ?,
		     timeout_seconds = ?, tags = ?, updated_at = ?, next_run = ?
		 WHERE id = ?`,
		job.Cron, job.Command, nullStr(job.WorkingDir), boolToInt(job.Enabled),
		job.TimeoutSeconds, nullStr(job.Tags), fmtTime(job.UpdatedAt),
		fmtTimePtr(job.NextRun), job.ID,
	)
	return err
}

// DeleteJob removes the job with the given name. Existing run rows are kept.
func (s *sqliteStore) DeleteJob(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetJobEnabled flips the enabled flag. Reports whether a job was updated.
func (s *sqliteStore) SetJobEnabled(ctx context.Context, name string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enabled = ?, updated_at = ? WHERE name = ?`,
		boolToInt(enabled), fmtTime(time.Now()), name,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateNextRun sets (or clears, when nextRun is nil) a job's next-run
// timestamp. This is the only field the executor touches after a run.
func (s *sqliteStore) UpdateNextRun(ctx context.Context, jobID int64, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run = ? WHERE id = ?`,
		fmtTimePtr(nextRun), jobID,
	)
	return err
}

// GetDueJobs returns enabled jobs whose next_run is non-null and at or before
// now (UTC), ordered by next_run. Jobs with a null next_run are never due.
func (s *sqliteStore) GetDueJobs(ctx context.Context) ([]Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM jobs
		 WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run`,
		fmtTime(time.Now()),
	)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
