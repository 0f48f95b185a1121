package storage

import (
	"time"
)

// Config configures the job store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Job is a named, recurring unit of work.
//
// NextRun is nil for jobs that have never been scheduled (it is seeded at
// engine startup) and for jobs created disabled. A disabled job is never
// selected as due regardless of NextRun.
type Job struct {
	ID             int64
	Name           string
	Cron           string
	Command        string
	WorkingDir     string // empty means the runner's default
	Enabled        bool
	TimeoutSeconds int
	Tags           string // free text, matched by substring in ListJobs
	CreatedAt      time.Time
	UpdatedAt      time.Time
	NextRun        *time.Time
}

// Run is one historical execution of a Job.
//
// EndedAt == nil is the only signal that a run is in flight; there is no
// separate status column. JobName is copied at creation time so history
// survives job rename and deletion.
type Run struct {
	ID              int64
	JobID           int64
	JobName         string
	StartedAt       time.Time
	EndedAt         *time.Time
	ExitCode        *int
	Stdout          string
	Stderr          string
	TimedOut        bool
	DurationSeconds float64
}

// Status derives a display status from the run outcome fields.
func (r *Run) Status() string {
	switch {
	case r.TimedOut:
		return "TIMEOUT"
	case r.EndedAt == nil || r.ExitCode == nil:
		return "RUNNING"
	case *r.ExitCode == 0:
		return "OK"
	default:
		return "FAILED"
	}
}

// ListJobsOptions filters ListJobs.
type ListJobsOptions struct {
	IncludeDisabled bool
	// Tag, when non-empty, matches jobs whose stored tag string contains it
	// as a raw substring.
	Tag string
}

// ListRunsOptions filters ListRuns. Results are ordered newest-first.
type ListRunsOptions struct {
	JobName    string
	Limit      int
	FailedOnly bool
	Since      time.Time
}
