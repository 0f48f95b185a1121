// Package executor runs one job occurrence end-to-end: it opens a run row,
// invokes the process runner, persists the outcome, and recomputes the job's
// next-run timestamp from completion time.
package executor

import (
	"context"
	"errors"
	"time"

	"chronod/internal/cronspec"
	"chronod/internal/runner"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

// persistTimeout bounds the bookkeeping writes that must succeed even while
// the execution context is being cancelled at shutdown.
const persistTimeout = 5 * time.Second

type Executor struct {
	store storage.Store
	run   runner.Runner
	log   logx.Logger
}

func New(store storage.Store, run runner.Runner, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{store: store, run: run, log: log}
}

// Execute runs the job once and returns its recorded run.
//
// A failing or timed-out command is not an error: the outcome lands in the
// run row and the returned record. The returned error is non-nil only for
// cancellation (propagated so the scheduler can tell shutdown apart from a
// bad command) and for store failures before the run row existed.
//
// Whatever the outcome, the job's next_run is recomputed from the current
// instant — not from the originally scheduled time, so a slow run's drift is
// absorbed rather than compounding. This is the sole place next_run advances
// during normal operation.
func (e *Executor) Execute(ctx context.Context, job storage.Job) (*storage.Run, error) {
	rec := &storage.Run{
		JobID:     job.ID,
		JobName:   job.Name,
		StartedAt: time.Now().UTC(),
	}
	if _, err := e.store.CreateRun(ctx, rec); err != nil {
		return nil, err
	}

	defer e.reschedule(job)

	res, err := e.run.Run(ctx, runner.Request{
		Command:    job.Command,
		WorkingDir: job.WorkingDir,
		Timeout:    time.Duration(job.TimeoutSeconds) * time.Second,
	})

	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.DurationSeconds = now.Sub(rec.StartedAt).Seconds()

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		rec.ExitCode = intPtr(-1)
		rec.Stderr = "Cancelled"
		e.persist(rec)
		return rec, err
	case err != nil:
		// Unexpected runner failure: absorbed, never allowed to take the
		// scheduling loop down with it.
		rec.ExitCode = intPtr(-1)
		rec.Stderr = err.Error()
		e.log.Error("process runner failed", logx.String("job", job.Name), logx.Err(err))
		e.persist(rec)
		return rec, nil
	default:
		rec.Stdout = res.Output
		rec.Stderr = res.Errout
		rec.TimedOut = res.TimedOut
		if res.Success {
			rec.ExitCode = intPtr(0)
		} else {
			rec.ExitCode = intPtr(1)
		}
		e.persist(rec)
		return rec, nil
	}
}

// persist writes the final run outcome on a detached context so it survives
// shutdown cancellation.
func (e *Executor) persist(rec *storage.Run) {
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.UpdateRun(pctx, rec); err != nil {
		e.log.Error("failed to persist run outcome",
			logx.String("job", rec.JobName), logx.Int64("run_id", rec.ID), logx.Err(err))
	}
}

func (e *Executor) reschedule(job storage.Job) {
	next := cronspec.Next(job.Cron, time.Now())
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.UpdateNextRun(pctx, job.ID, next); err != nil {
		e.log.Error("failed to update next run",
			logx.String("job", job.Name), logx.Err(err))
		return
	}
	if next != nil {
		e.log.Debug("job rescheduled", logx.String("job", job.Name), logx.Time("next_run", *next))
	}
}

func intPtr(v int) *int { return &v }
