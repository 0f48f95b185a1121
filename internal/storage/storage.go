package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"chronod/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

// timeLayout is the persisted timestamp format. It is fixed-width UTC so that
// SQLite's string comparison on DATETIME columns matches time ordering.
const timeLayout = "2006-01-02 15:04:05.000"

// Store is the persistence API used by the engine. All operations are
// independent, non-transactional round trips; compound state (a run's
// create + later update) is maintained by always updating the same row.
type Store interface {
	AddJob(ctx context.Context, job *Job) (int64, error)
	GetJob(ctx context.Context, name string) (*Job, error)
	GetJobByID(ctx context.Context, id int64) (*Job, error)
	ListJobs(ctx context.Context, opts ListJobsOptions) ([]Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, name string) (bool, error)
	SetJobEnabled(ctx context.Context, name string, enabled bool) (bool, error)
	UpdateNextRun(ctx context.Context, jobID int64, nextRun *time.Time) error
	GetDueJobs(ctx context.Context) ([]Job, error)

	CreateRun(ctx context.Context, run *Run) (int64, error)
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	GetLastRun(ctx context.Context, jobName string) (*Run, error)
	ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error)
	CleanupOrphanedRuns(ctx context.Context) (int64, error)
	CleanupOldRuns(ctx context.Context, retentionDays int) (int64, error)

	Close() error
}

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// Open opens (creating if necessary) the SQLite job store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- row mapping ----

type jobRow struct {
	ID             int64          `db:"id"`
	Name           string         `db:"name"`
	Cron           string         `db:"cron"`
	Command        string         `db:"command"`
	WorkingDir     sql.NullString `db:"working_dir"`
	Enabled        int            `db:"enabled"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	Tags           sql.NullString `db:"tags"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	NextRun        sql.NullString `db:"next_run"`
}

type runRow struct {
	ID              int64           `db:"id"`
	JobID           int64           `db:"job_id"`
	JobName         string          `db:"job_name"`
	StartedAt       string          `db:"started_at"`
	EndedAt         sql.NullString  `db:"ended_at"`
	ExitCode        sql.NullInt64   `db:"exit_code"`
	Stdout          sql.NullString  `db:"stdout"`
	Stderr          sql.NullString  `db:"stderr"`
	TimedOut        int             `db:"timed_out"`
	DurationSeconds sql.NullFloat64 `db:"duration_seconds"`
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("storage: cannot parse timestamp %q", s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func (r jobRow) toJob() (Job, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return Job{}, err
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	next, err := parseTimePtr(r.NextRun)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:             r.ID,
		Name:           r.Name,
		Cron:           r.Cron,
		Command:        r.Command,
		WorkingDir:     r.WorkingDir.String,
		Enabled:        r.Enabled != 0,
		TimeoutSeconds: r.TimeoutSeconds,
		Tags:           r.Tags.String,
		CreatedAt:      created,
		UpdatedAt:      updated,
		NextRun:        next,
	}, nil
}

func (r runRow) toRun() (Run, error) {
	started, err := parseTime(r.StartedAt)
	if err != nil {
		return Run{}, err
	}
	ended, err := parseTimePtr(r.EndedAt)
	if err != nil {
		return Run{}, err
	}
	var exit *int
	if r.ExitCode.Valid {
		v := int(r.ExitCode.Int64)
		exit = &v
	}
	return Run{
		ID:              r.ID,
		JobID:           r.JobID,
		JobName:         r.JobName,
		StartedAt:       started,
		EndedAt:         ended,
		ExitCode:        exit,
		Stdout:          r.Stdout.String,
		Stderr:          r.Stderr.String,
		TimedOut:        r.TimedOut != 0,
		DurationSeconds: r.DurationSeconds.Float64,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
