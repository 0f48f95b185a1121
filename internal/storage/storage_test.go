package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronod/pkg/logx"
)

func newStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "jobs.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addJob(t *testing.T, st Store, job Job) Job {
	t.Helper()
	id, err := st.AddJob(context.Background(), &job)
	require.NoError(t, err)
	job.ID = id
	return job
}

func TestJobRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	next := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	job := addJob(t, st, Job{
		Name:           "backup",
		Cron:           "0 3 * * *",
		Command:        "backup.sh --all",
		WorkingDir:     "/srv",
		Enabled:        true,
		TimeoutSeconds: 120,
		Tags:           "ops,nightly",
		NextRun:        &next,
	})

	got, err := st.GetJob(ctx, "backup")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "0 3 * * *", got.Cron)
	assert.Equal(t, "backup.sh --all", got.Command)
	assert.Equal(t, "/srv", got.WorkingDir)
	assert.Equal(t, 120, got.TimeoutSeconds)
	assert.Equal(t, "ops,nightly", got.Tags)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))
	assert.False(t, got.CreatedAt.IsZero())

	byID, err := st.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "backup", byID.Name)
}

func TestGetJobMissingIsNilNil(t *testing.T) {
	st := newStore(t)
	job, err := st.GetJob(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, job)

	run, err := st.GetRun(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, run)

	last, err := st.GetLastRun(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestAddJobDefaultsTimeout(t *testing.T) {
	st := newStore(t)
	job := addJob(t, st, Job{Name: "j", Cron: "* * * * *", Command: "true", Enabled: true})
	got, err := st.GetJobByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 300, got.TimeoutSeconds)
}

func TestDuplicateNameRejected(t *testing.T) {
	st := newStore(t)
	addJob(t, st, Job{Name: "j", Cron: "* * * * *", Command: "true"})
	_, err := st.AddJob(context.Background(), &Job{Name: "j", Cron: "* * * * *", Command: "false"})
	require.Error(t, err)
}

func TestListJobsFilters(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	addJob(t, st, Job{Name: "a", Cron: "* * * * *", Command: "true", Enabled: true, Tags: "ops,db"})
	addJob(t, st, Job{Name: "b", Cron: "* * * * *", Command: "true", Enabled: false, Tags: "ops"})
	addJob(t, st, Job{Name: "c", Cron: "* * * * *", Command: "true", Enabled: true})

	jobs, err := st.ListJobs(ctx, ListJobsOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "c", jobs[1].Name)

	jobs, err = st.ListJobs(ctx, ListJobsOptions{IncludeDisabled: true})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	// Tag filtering is raw substring match on the stored text.
	jobs, err = st.ListJobs(ctx, ListJobsOptions{IncludeDisabled: true, Tag: "ops"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = st.ListJobs(ctx, ListJobsOptions{IncludeDisabled: true, Tag: "db"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Name)
}

func TestDueJobPredicate(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	addJob(t, st, Job{Name: "due", Cron: "* * * * *", Command: "true", Enabled: true, NextRun: &past})
	addJob(t, st, Job{Name: "later", Cron: "* * * * *", Command: "true", Enabled: true, NextRun: &future})
	addJob(t, st, Job{Name: "unseeded", Cron: "* * * * *", Command: "true", Enabled: true})
	addJob(t, st, Job{Name: "off", Cron: "* * * * *", Command: "true", Enabled: false, NextRun: &past})

	due, err := st.GetDueJobs(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Name)
}

func TestSetEnabledAndDelete(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	addJob(t, st, Job{Name: "j", Cron: "* * * * *", Command: "true", Enabled: true})

	ok, err := st.SetJobEnabled(ctx, "j", false)
	require.NoError(t, err)
	assert.True(t, ok)
	job, err := st.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.False(t, job.Enabled)

	ok, err = st.SetJobEnabled(ctx, "ghost", true)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.DeleteJob(ctx, "j")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.DeleteJob(ctx, "j")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunLifecycle(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	job := addJob(t, st, Job{Name: "j", Cron: "* * * * *", Command: "true", Enabled: true})

	run := Run{JobID: job.ID, JobName: job.Name, StartedAt: time.Now().UTC()}
	id, err := st.CreateRun(ctx, &run)
	require.NoError(t, err)

	got, err := st.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "RUNNING", got.Status())
	assert.Nil(t, got.EndedAt)
	assert.Nil(t, got.ExitCode)

	ended := time.Now().UTC()
	exit := 0
	run.EndedAt = &ended
	run.ExitCode = &exit
	run.Stdout = "done"
	run.DurationSeconds = 1.5
	require.NoError(t, st.UpdateRun(ctx, &run))

	got, err = st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "OK", got.Status())
	assert.Equal(t, "done", got.Stdout)
	assert.InDelta(t, 1.5, got.DurationSeconds, 0.001)
}

func TestListRunsOrderingAndFilters(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	job := addJob(t, st, Job{Name: "j", Cron: "* * * * *", Command: "true", Enabled: true})

	mkRun := func(age time.Duration, exit int, timedOut bool) {
		started := time.Now().UTC().Add(-age)
		ended := started.Add(time.Second)
		r := Run{
			JobID: job.ID, JobName: job.Name, StartedAt: started,
			EndedAt: &ended, ExitCode: &exit, TimedOut: timedOut,
		}
		_, err := st.CreateRun(ctx, &r)
		require.NoError(t, err)
	}
	mkRun(3*time.Hour, 0, false)
	mkRun(2*time.Hour, 1, false)
	mkRun(time.Hour, 0, true)

	runs, err := st.ListRuns(ctx, ListRunsOptions{JobName: "j"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
	assert.True(t, runs[1].StartedAt.After(runs[2].StartedAt))

	failed, err := st.ListRuns(ctx, ListRunsOptions{JobName: "j", FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "TIMEOUT", failed[0].Status())
	assert.Equal(t, "FAILED", failed[1].Status())

	recent, err := st.ListRuns(ctx, ListRunsOptions{JobName: "j", Since: time.Now().UTC().Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	limited, err := st.ListRuns(ctx, ListRunsOptions{JobName: "j", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCleanupOrphanedRuns(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	job := addJob(t, st, Job{Name: "j", Cron: "* * * * *", Command: "true", Enabled: true})

	open := Run{JobID: job.ID, JobName: job.Name, StartedAt: time.Now().UTC().Add(-time.Hour)}
	_, err := st.CreateRun(ctx, &open)
	require.NoError(t, err)

	ended := time.Now().UTC()
	exit := 0
	closed := Run{JobID: job.ID, JobName: job.Name, StartedAt: time.Now().UTC(), EndedAt: &ended, ExitCode: &exit}
	_, err = st.CreateRun(ctx, &closed)
	require.NoError(t, err)

	n, err := st.CleanupOrphanedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetRun(ctx, open.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, -1, *got.ExitCode)
	assert.Equal(t, "Interrupted by shutdown", got.Stderr)
	assert.Equal(t, "FAILED", got.Status())

	// Untouched.
	kept, err := st.GetRun(ctx, closed.ID)
	require.NoError(t, err)
	assert.Equal(t, "OK", kept.Status())
}

func TestCleanupOldRuns(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	job := addJob(t, st, Job{Name: "j", Cron: "* * * * *", Command: "true", Enabled: true})

	mk := func(age time.Duration) int64 {
		started := time.Now().UTC().Add(-age)
		ended := started.Add(time.Second)
		exit := 0
		r := Run{JobID: job.ID, JobName: job.Name, StartedAt: started, EndedAt: &ended, ExitCode: &exit}
		id, err := st.CreateRun(ctx, &r)
		require.NoError(t, err)
		return id
	}
	oldID := mk(40 * 24 * time.Hour)
	newID := mk(24 * time.Hour)

	n, err := st.CleanupOldRuns(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := st.GetRun(ctx, oldID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := st.GetRun(ctx, newID)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	// One-day retention clears yesterday's run too.
	n, err = st.CleanupOldRuns(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNextRunOrderingSurvivesStringComparison(t *testing.T) {
	// The persisted layout is fixed-width, so SQLite's lexicographic compare
	// on next_run must agree with time ordering across sub-second values.
	st := newStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	times := []time.Time{
		base.Add(999 * time.Millisecond),
		base.Add(50 * time.Millisecond),
		base.Add(5 * time.Millisecond),
	}
	for i, ts := range times {
		tsCopy := ts
		addJob(t, st, Job{
			Name: string(rune('a' + i)), Cron: "* * * * *", Command: "true",
			Enabled: true, NextRun: &tsCopy,
		})
	}

	due, err := st.GetDueJobs(ctx)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "c", due[0].Name)
	assert.Equal(t, "b", due[1].Name)
	assert.Equal(t, "a", due[2].Name)
}
