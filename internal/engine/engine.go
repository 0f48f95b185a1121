// Package engine composes the scheduler, the optional dispatcher, and the
// metrics plumbing into one start/stoppable unit with a shared event stream.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"chronod/internal/dispatcher"
	"chronod/internal/eventbus"
	"chronod/internal/metrics"
	"chronod/internal/runtime/supervisor"
	"chronod/internal/scheduler"
	"chronod/pkg/logx"
)

type Options struct {
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatcher.Dispatcher // nil disables outbound delivery
	Bus        eventbus.Bus
	Log        logx.Logger

	MetricsEnabled bool
	MetricsAddr    string
}

type Engine struct {
	opts Options
	log  logx.Logger

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	running bool
}

func New(opts Options) *Engine {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{opts: opts, log: log}
}

type Status struct {
	Running    bool                `json:"running"`
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	Dispatcher bool                `json:"dispatcher_enabled"`
	Metrics    bool                `json:"metrics_enabled"`
	Goroutines supervisor.Counters `json:"goroutines"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Running:    e.running,
		Scheduler:  e.opts.Scheduler.Snapshot(),
		Dispatcher: e.opts.Dispatcher != nil,
		Metrics:    e.opts.MetricsEnabled,
	}
	if e.sup != nil {
		st.Goroutines = e.sup.Counters()
	}
	return st
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}

	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(e.log))

	if e.opts.MetricsEnabled {
		bus := e.opts.Bus
		sup.Go0("metrics.feed", func(ctx context.Context) {
			metrics.Feed(ctx, bus)
		})
		addr := e.opts.MetricsAddr
		log := e.log
		sup.GoRestart("metrics.http", func(ctx context.Context) error {
			return metrics.Serve(ctx, addr, log)
		}, time.Second, 30*time.Second)
	}

	if err := e.opts.Scheduler.Start(ctx); err != nil {
		sup.Cancel()
		return err
	}
	if e.opts.Dispatcher != nil {
		if err := e.opts.Dispatcher.Start(ctx); err != nil {
			e.opts.Scheduler.Stop(ctx)
			sup.Cancel()
			return err
		}
	}

	e.sup = sup
	e.running = true
	e.publish(eventbus.EngineStarted, "")
	e.log.Info("engine started",
		logx.Bool("dispatcher", e.opts.Dispatcher != nil),
		logx.Bool("metrics", e.opts.MetricsEnabled))
	return nil
}

// Stop drains in dependency order: job executions first, then outbound
// sends, then the ambient goroutines.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	sup := e.sup
	e.sup = nil
	e.running = false
	e.mu.Unlock()

	e.publish(eventbus.EngineStopping, "")
	e.opts.Scheduler.Stop(ctx)
	if e.opts.Dispatcher != nil {
		e.opts.Dispatcher.Stop(ctx)
	}
	e.publish(eventbus.EngineStopped, "")
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn("engine background goroutines exited with error", logx.Err(err))
		}
	}
	e.log.Info("engine stopped")
}

// Apply forwards scheduler tuning from a config reload.
func (e *Engine) Apply(cfg scheduler.Config) {
	e.opts.Scheduler.Apply(cfg)
	e.log.Info("scheduler settings applied",
		logx.Duration("check_interval", cfg.CheckInterval),
		logx.Int("retention_days", cfg.RetentionDays))
}

func (e *Engine) publish(kind eventbus.Kind, msg string) {
	if e.opts.Bus == nil {
		return
	}
	e.opts.Bus.Publish(eventbus.Event{Kind: kind, Message: msg})
}
