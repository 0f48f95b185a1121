package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chronod/internal/eventbus"
	"chronod/internal/executor"
	"chronod/internal/runner"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{} // when non-nil, Run waits for it to close
	result  runner.Result
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, req runner.Request) (runner.Result, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	res := f.result
	f.mu.Unlock()

	cur := f.active.Add(1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	defer f.active.Add(-1)

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	}
	return res, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addDueJob(t *testing.T, st storage.Store, name string) storage.Job {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	job := storage.Job{
		Name:    name,
		Cron:    "* * * * *",
		Command: "true",
		Enabled: true,
		NextRun: &past,
	}
	id, err := st.AddJob(context.Background(), &job)
	require.NoError(t, err)
	job.ID = id
	return job
}

func newScheduler(cfg Config, st storage.Store, run runner.Runner, bus eventbus.Bus) *Scheduler {
	exec := executor.New(st, run, logx.Nop())
	return New(cfg, st, exec, bus, logx.Nop())
}

func waitForEvent(t *testing.T, ch <-chan eventbus.Event, kind eventbus.Kind) eventbus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestRunsDueJobAndReschedules(t *testing.T) {
	st := newTestStore(t)
	job := addDueJob(t, st, "nightly-backup")

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	fr := &fakeRunner{result: runner.Result{Success: true, Output: "done"}}
	s := newScheduler(Config{CheckInterval: 20 * time.Millisecond}, st, fr, bus)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	e := waitForEvent(t, ch, eventbus.JobCompleted)
	require.Equal(t, "nightly-backup", e.Job)
	require.NotZero(t, e.RunID)

	rec, err := st.GetRun(context.Background(), e.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "OK", rec.Status())
	require.Equal(t, "done", rec.Stdout)

	// next_run moved into the future, so the job is no longer due.
	got, err := st.GetJobByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	require.True(t, got.NextRun.After(time.Now().UTC()))
}

func TestDuplicatePollDoesNotDoubleRun(t *testing.T) {
	st := newTestStore(t)
	addDueJob(t, st, "slow-report")

	block := make(chan struct{})
	fr := &fakeRunner{block: block, result: runner.Result{Success: true}}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	s := newScheduler(Config{CheckInterval: 10 * time.Millisecond}, st, fr, bus)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	waitForEvent(t, ch, eventbus.JobStarted)
	// Let the loop poll the still-due job several more times while the first
	// execution is blocked inside the runner.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, fr.callCount())

	close(block)
	waitForEvent(t, ch, eventbus.JobCompleted)
	require.Equal(t, 1, fr.callCount())
}

func TestConcurrencyGate(t *testing.T) {
	st := newTestStore(t)
	for _, name := range []string{"job-a", "job-b", "job-c"} {
		addDueJob(t, st, name)
	}

	block := make(chan struct{})
	fr := &fakeRunner{block: block, result: runner.Result{Success: true}}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	s := newScheduler(Config{CheckInterval: 10 * time.Millisecond, MaxConcurrent: 1}, st, fr, bus)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	waitForEvent(t, ch, eventbus.JobStarted)
	time.Sleep(100 * time.Millisecond)
	close(block)

	for i := 0; i < 3; i++ {
		waitForEvent(t, ch, eventbus.JobCompleted)
	}
	require.Equal(t, int32(1), fr.maxSeen.Load())
	require.Equal(t, 3, fr.callCount())
}

func TestStartRecoversOrphansAndSeedsSchedules(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A job registered without a computed next_run, as after an edit that
	// cleared it.
	job := storage.Job{Name: "unseeded", Cron: "0 9 * * *", Command: "true", Enabled: true}
	id, err := st.AddJob(ctx, &job)
	require.NoError(t, err)

	// A run left open by a crash.
	orphan := storage.Run{JobID: id, JobName: "unseeded", StartedAt: time.Now().UTC().Add(-time.Hour)}
	_, err = st.CreateRun(ctx, &orphan)
	require.NoError(t, err)

	fr := &fakeRunner{result: runner.Result{Success: true}}
	s := newScheduler(Config{CheckInterval: time.Hour}, st, fr, eventbus.New())
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	got, err := st.GetJobByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)

	rec, err := st.GetRun(ctx, orphan.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.EndedAt)
	require.NotNil(t, rec.ExitCode)
	require.Equal(t, -1, *rec.ExitCode)
	require.Equal(t, "FAILED", rec.Status())
}

func TestStartTwiceFails(t *testing.T) {
	st := newTestStore(t)
	s := newScheduler(Config{CheckInterval: time.Hour}, st, &fakeRunner{}, eventbus.New())

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrNotStopped)
	s.Stop(context.Background())
	require.Equal(t, StateStopped, s.State())

	// Restartable after a clean stop.
	require.NoError(t, s.Start(context.Background()))
	s.Stop(context.Background())
}

func TestStopCancelsInflightRun(t *testing.T) {
	st := newTestStore(t)
	addDueJob(t, st, "long-haul")

	fr := &fakeRunner{block: make(chan struct{}), result: runner.Result{Success: true}}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	s := newScheduler(Config{CheckInterval: 10 * time.Millisecond, ShutdownTimeout: 2 * time.Second}, st, fr, bus)
	require.NoError(t, s.Start(context.Background()))

	e := waitForEvent(t, ch, eventbus.JobStarted)
	require.Equal(t, "long-haul", e.Job)

	s.Stop(context.Background())
	require.Equal(t, StateStopped, s.State())

	fail := waitForEvent(t, ch, eventbus.JobFailed)
	require.Equal(t, "long-haul", fail.Job)

	runs, err := st.ListRuns(context.Background(), storage.ListRunsOptions{JobName: "long-haul"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].EndedAt)
	require.Equal(t, "Cancelled", runs[0].Stderr)
}

func TestSnapshot(t *testing.T) {
	st := newTestStore(t)
	s := newScheduler(Config{}, st, &fakeRunner{}, eventbus.New())

	snap := s.Snapshot()
	require.Equal(t, "stopped", snap.State)
	require.Equal(t, 10, snap.MaxConcurrent)
	require.Equal(t, 60*time.Second, snap.CheckInterval)
	require.Equal(t, 30, snap.RetentionDays)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	require.Equal(t, "running", s.Snapshot().State)
	require.False(t, s.Snapshot().StartedAt.IsZero())
}
