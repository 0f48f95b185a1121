// Package scheduler is the engine proper: a background polling loop that
// launches due jobs through the executor, bounded by a global concurrency
// gate and a per-job running set, with startup crash recovery and periodic
// run-history retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"chronod/internal/cronspec"
	"chronod/internal/eventbus"
	"chronod/internal/executor"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

type Config struct {
	CheckInterval   time.Duration // poll cadence; default 60s
	ShutdownTimeout time.Duration // default 30s
	RetentionDays   int           // default 30
	MaxConcurrent   int           // global concurrency gate; default 10
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	return c
}

// State is the scheduler lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrNotStopped = errors.New("scheduler is not stopped")

const (
	sleepSlice        = time.Second
	errorBackoff      = 5 * time.Second
	retentionInterval = 24 * time.Hour
)

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	State         string        `json:"state"`
	RunningJobs   int           `json:"running_jobs"`
	MaxConcurrent int           `json:"max_concurrent"`
	CheckInterval time.Duration `json:"check_interval"`
	RetentionDays int           `json:"retention_days"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
}

type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	exec  *executor.Executor

	state atomic.Int32

	// Owned by the current Start/Stop cycle.
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	inflight   sync.WaitGroup
	sem        chan struct{}
	startedAt  time.Time

	// running is the in-memory set of job ids currently executing. It is the
	// only mechanism preventing duplicate concurrent runs of the same job;
	// it is not persisted, which is why startup orphan recovery exists.
	runMu   sync.Mutex
	running map[int64]struct{}
}

func New(cfg Config, store storage.Store, exec *executor.Executor, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		store:   store,
		exec:    exec,
		running: map[int64]struct{}{},
	}
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Apply updates the tunable knobs. CheckInterval and RetentionDays take
// effect on the next loop iteration; MaxConcurrent applies on the next Start.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	started := s.startedAt
	s.mu.Unlock()
	s.runMu.Lock()
	n := len(s.running)
	s.runMu.Unlock()
	return Snapshot{
		State:         s.State().String(),
		RunningJobs:   n,
		MaxConcurrent: cfg.MaxConcurrent,
		CheckInterval: cfg.CheckInterval,
		RetentionDays: cfg.RetentionDays,
		StartedAt:     started,
	}
}

// Start performs crash recovery and schedule seeding, then begins the
// background loop. It fails if the scheduler is not currently stopped.
// A stopped scheduler may be restarted; recovery runs again on re-entry.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrNotStopped
	}

	if err := s.recover(ctx); err != nil {
		s.state.Store(int32(StateStopped))
		return err
	}

	s.mu.Lock()
	cfg := s.cfg
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.sem = make(chan struct{}, cfg.MaxConcurrent)
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	go s.loop(loopCtx, s.loopDone)
	s.state.Store(int32(StateRunning))
	s.log.Info("scheduler started",
		logx.Duration("check_interval", cfg.CheckInterval),
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Int("retention_days", cfg.RetentionDays))
	return nil
}

// recover force-closes orphaned runs and seeds next_run for enabled jobs
// that never had one computed.
func (s *Scheduler) recover(ctx context.Context) error {
	n, err := s.store.CleanupOrphanedRuns(ctx)
	if err != nil {
		return fmt.Errorf("orphaned run cleanup: %w", err)
	}
	if n > 0 {
		s.log.Warn("closed orphaned runs from previous shutdown", logx.Int64("count", n))
	}

	jobs, err := s.store.ListJobs(ctx, storage.ListJobsOptions{})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.NextRun != nil {
			continue
		}
		next := cronspec.Next(job.Cron, time.Now())
		if next == nil {
			s.log.Warn("job has unsatisfiable cron expression; leaving unscheduled",
				logx.String("job", job.Name), logx.String("cron", job.Cron))
			continue
		}
		if err := s.store.UpdateNextRun(ctx, job.ID, next); err != nil {
			return fmt.Errorf("seed next run for %q: %w", job.Name, err)
		}
		s.log.Info("initialized schedule", logx.String("job", job.Name), logx.Time("next_run", *next))
	}
	return nil
}

// Stop signals the loop and all in-flight executions, then waits up to the
// configured shutdown timeout. On timeout it returns anyway: the scheduler
// never force-kills the underlying process — cutting a command short is the
// process runner's own timeout responsibility.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	start := time.Now()

	s.mu.Lock()
	cancel := s.loopCancel
	loopDone := s.loopDone
	timeout := s.cfg.ShutdownTimeout
	s.loopCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		if loopDone != nil {
			<-loopDone
		}
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-time.After(timeout):
		s.log.Warn("shutdown timeout elapsed; jobs may still be in flight",
			logx.Duration("timeout", timeout))
	case <-ctx.Done():
		s.log.Warn("shutdown wait cancelled; jobs may still be in flight")
	}
	s.state.Store(int32(StateStopped))
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Zero value forces a retention pass on the first iteration, right after
	// startup recovery.
	var lastRetention time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastRetention) >= retentionInterval {
			s.purgeOldRuns(ctx)
			lastRetention = time.Now()
		}

		due, err := s.store.GetDueJobs(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Infrastructure error: report, back off, keep the loop alive.
			s.log.Error("failed to fetch due jobs", logx.Err(err))
			s.publish(eventbus.Error, "", 0, fmt.Sprintf("fetching due jobs: %v", err))
			s.sleep(ctx, errorBackoff)
			continue
		}

		for _, job := range due {
			if ctx.Err() != nil {
				return
			}
			if !s.markRunning(job.ID) {
				// Still executing from an earlier poll; skipped until the
				// running set releases it.
				continue
			}
			s.inflight.Add(1)
			go s.launch(ctx, job)
		}

		s.mu.Lock()
		interval := s.cfg.CheckInterval
		s.mu.Unlock()
		s.sleep(ctx, interval)
	}
}

func (s *Scheduler) purgeOldRuns(ctx context.Context) {
	s.mu.Lock()
	days := s.cfg.RetentionDays
	s.mu.Unlock()

	n, err := s.store.CleanupOldRuns(ctx, days)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("run retention purge failed", logx.Err(err))
		s.publish(eventbus.Error, "", 0, fmt.Sprintf("retention purge: %v", err))
		return
	}
	if n > 0 {
		s.log.Info("purged old runs", logx.Int64("count", n), logx.Int("retention_days", days))
	}
}

// launch executes one due job as its own goroutine, gated by the concurrency
// semaphore. Nothing escapes to the loop: failures, panics and shutdown
// cancellation all end here.
func (s *Scheduler) launch(ctx context.Context, job storage.Job) {
	defer s.inflight.Done()
	defer s.unmarkRunning(job.ID)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in job execution",
				logx.String("job", job.Name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			s.publish(eventbus.JobFailed, job.Name, 0, fmt.Sprintf("panic: %v", r))
		}
	}()

	// A job that cannot immediately acquire a slot waits; it is never
	// dropped or rescheduled.
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.log.Debug("job launch abandoned at shutdown", logx.String("job", job.Name))
		return
	}
	defer func() { <-s.sem }()

	s.log.Info("starting job", logx.String("job", job.Name), logx.String("command", job.Command))
	s.publish(eventbus.JobStarted, job.Name, 0, "")

	rec, err := s.exec.Execute(ctx, job)
	if err != nil {
		var runID int64
		if rec != nil {
			runID = rec.ID
		}
		if errors.Is(err, context.Canceled) {
			s.log.Warn("job cancelled by shutdown", logx.String("job", job.Name))
		} else {
			s.log.Error("job execution failed", logx.String("job", job.Name), logx.Err(err))
		}
		s.publish(eventbus.JobFailed, job.Name, runID, err.Error())
		return
	}

	switch {
	case rec.TimedOut:
		s.log.Warn("job timed out",
			logx.String("job", job.Name), logx.Float64("duration_s", rec.DurationSeconds))
		s.publish(eventbus.JobTimeout, job.Name, rec.ID,
			fmt.Sprintf("timed out after %.1fs", rec.DurationSeconds))
	case rec.ExitCode != nil && *rec.ExitCode == 0:
		s.log.Info("job completed",
			logx.String("job", job.Name), logx.Float64("duration_s", rec.DurationSeconds))
		s.publish(eventbus.JobCompleted, job.Name, rec.ID, "")
	default:
		exit := -1
		if rec.ExitCode != nil {
			exit = *rec.ExitCode
		}
		s.log.Error("job failed",
			logx.String("job", job.Name), logx.Int("exit_code", exit),
			logx.Float64("duration_s", rec.DurationSeconds))
		s.publish(eventbus.JobFailed, job.Name, rec.ID, fmt.Sprintf("exit code %d", exit))
	}
}

func (s *Scheduler) markRunning(jobID int64) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, ok := s.running[jobID]; ok {
		return false
	}
	s.running[jobID] = struct{}{}
	return true
}

func (s *Scheduler) unmarkRunning(jobID int64) {
	s.runMu.Lock()
	delete(s.running, jobID)
	s.runMu.Unlock()
}

func (s *Scheduler) publish(kind eventbus.Kind, job string, runID int64, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Kind: kind, Job: job, RunID: runID, Message: msg})
}

// sleep waits for d in small slices so shutdown cancellation is observed
// within about a second even with long check intervals.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		rem := time.Until(deadline)
		if rem <= 0 {
			return
		}
		slice := sleepSlice
		if rem < slice {
			slice = rem
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(slice):
		}
	}
}
