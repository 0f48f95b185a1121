package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chronod/internal/config"
	"chronod/internal/dispatcher"
	"chronod/internal/engine"
	"chronod/internal/eventbus"
	"chronod/internal/executor"
	"chronod/internal/runner"
	"chronod/internal/scheduler"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./chronod.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer logSvc.Close()
	mgr.SetLogger(log)

	busyTimeout, err := cfg.Database.BusyTimeoutDuration()
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	bus := eventbus.New()
	shell := runner.NewLocal(cfg.Runner.Shell, log.With(logx.String("component", "runner")))
	exec := executor.New(store, shell, log.With(logx.String("component", "executor")))

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return err
	}
	sched := scheduler.New(schedCfg, store, exec, bus, log.With(logx.String("component", "scheduler")))

	var disp *dispatcher.Dispatcher
	if dc := cfg.Dispatcher; dc != nil && dc.Enabled {
		queue, err := dispatcher.OpenQueue(dc.DBPath)
		if err != nil {
			return fmt.Errorf("opening dispatch queue: %w", err)
		}
		defer queue.Close()
		poll, err := dc.PollIntervalDuration()
		if err != nil {
			return err
		}
		disp = dispatcher.New(dispatcher.Config{
			PollInterval: poll,
			RatePerSec:   dc.RatePerSec,
			Senders:      dc.Senders,
		}, queue, shell, bus, log.With(logx.String("component", "dispatcher")))
	}

	eng := engine.New(engine.Options{
		Scheduler:      sched,
		Dispatcher:     disp,
		Bus:            bus,
		Log:            log.With(logx.String("component", "engine")),
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsAddr:    cfg.Metrics.Addr,
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	go logEvents(ctx, bus, log.With(logx.String("component", "events")))

	cfgCh := mgr.Subscribe(4)
	defer mgr.Unsubscribe(cfgCh)
	go func() { _ = mgr.Watch(ctx) }()

	for {
		select {
		case <-ctx.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			shutdown, err := cfg.Scheduler.ShutdownTimeoutDuration()
			if err != nil {
				shutdown = 30 * time.Second
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdown+5*time.Second)
			defer cancel()
			eng.Stop(stopCtx)
			return nil
		case newCfg, ok := <-cfgCh:
			if !ok {
				continue
			}
			log.Info("config reloaded", logx.String("path", cfgPath))
			logSvc.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File:    logx.FileConfig{Enabled: newCfg.Logging.File.Enabled, Path: newCfg.Logging.File.Path},
			})
			if sc, err := schedulerConfig(newCfg); err == nil {
				eng.Apply(sc)
			} else {
				log.Warn("scheduler settings rejected", logx.Err(err))
			}
			cfg = newCfg
		}
	}
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	check, err := cfg.Scheduler.CheckIntervalDuration()
	if err != nil {
		return scheduler.Config{}, err
	}
	shutdown, err := cfg.Scheduler.ShutdownTimeoutDuration()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		CheckInterval:   check,
		ShutdownTimeout: shutdown,
		RetentionDays:   cfg.Scheduler.RetentionDays,
		MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
	}, nil
}

// logEvents mirrors the event stream into the log so job outcomes are visible
// without querying the database.
func logEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("kind", string(e.Kind))}
			if e.Job != "" {
				fields = append(fields, logx.String("job", e.Job))
			}
			if e.RunID != 0 {
				fields = append(fields, logx.Int64("run_id", e.RunID))
			}
			if e.Message != "" {
				fields = append(fields, logx.String("message", e.Message))
			}
			switch e.Kind {
			case eventbus.JobFailed, eventbus.JobTimeout, eventbus.Error:
				log.Warn("engine event", fields...)
			default:
				log.Info("engine event", fields...)
			}
		}
	}
}
