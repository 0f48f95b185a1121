package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chronod/internal/eventbus"
	"chronod/internal/metrics"
	"chronod/internal/runner"
	"chronod/pkg/logx"
)

const (
	maxAttempts        = 3
	defaultSendTimeout = 60 * time.Second
)

type Config struct {
	PollInterval time.Duration // default 30s
	RatePerSec   float64       // 0 means unpaced
	SendTimeout  time.Duration // per send command; default 60s

	// Senders maps a channel name to the shell command that delivers one
	// item. The payload arrives on the command's stdin.
	Senders map[string]string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return c
}

// Dispatcher polls the queue for deliverable items and hands each to its
// channel's send command. A failing send is retried on later polls up to
// maxAttempts total.
type Dispatcher struct {
	cfg Config

	queue   *Queue
	run     runner.Runner
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	inflight   sync.WaitGroup
	processing map[int64]struct{}
}

func New(cfg Config, queue *Queue, run runner.Runner, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Dispatcher{
		cfg:        cfg,
		queue:      queue,
		run:        run,
		bus:        bus,
		log:        log,
		limiter:    lim,
		processing: map[int64]struct{}{},
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("dispatcher already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(loopCtx, d.done)
	d.log.Info("dispatcher started",
		logx.Duration("poll_interval", d.cfg.PollInterval),
		logx.Int("channels", len(d.cfg.Senders)))
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	finished := make(chan struct{})
	go func() {
		<-done
		d.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		d.log.Info("dispatcher stopped")
	case <-ctx.Done():
		d.log.Warn("dispatcher stop wait cancelled; sends may still be in flight")
	}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	items, err := d.queue.GetDue(ctx, time.Now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.log.Error("failed to fetch deliverable items", logx.Err(err))
		d.publishError(fmt.Sprintf("fetching deliverable items: %v", err))
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if !d.acquire(item.ID) {
			continue
		}
		d.inflight.Add(1)
		go d.deliver(ctx, item)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, item Item) {
	defer d.inflight.Done()
	defer d.release(item.ID)

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	cmd, ok := d.cfg.Senders[item.Channel]
	if !ok || strings.TrimSpace(cmd) == "" {
		// No retry can fix an unknown channel.
		msg := fmt.Sprintf("no sender configured for channel %q", item.Channel)
		d.log.Error("undeliverable item", logx.Int64("item", item.ID), logx.String("channel", item.Channel))
		d.fail(item, msg, true)
		return
	}

	dispatchID := uuid.NewString()
	res, err := d.run.Run(ctx, runner.Request{
		Command: cmd,
		Timeout: d.cfg.SendTimeout,
		Stdin:   item.Payload,
	})
	if err != nil {
		// Cancellation at shutdown: leave the item approved for the next start.
		d.log.Warn("send interrupted", logx.Int64("item", item.ID), logx.Err(err))
		return
	}

	if !res.Success {
		msg := strings.TrimSpace(res.Errout)
		if msg == "" {
			msg = "send command failed"
		}
		if res.TimedOut {
			msg = "send command timed out"
		}
		final := item.Attempts+1 >= maxAttempts
		d.log.Error("send failed",
			logx.Int64("item", item.ID), logx.String("channel", item.Channel),
			logx.Int("attempt", item.Attempts+1), logx.Bool("final", final),
			logx.String("err", msg))
		d.fail(item, msg, final)
		return
	}

	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.markSent(pctx, item.ID, dispatchID); err != nil {
		d.log.Error("failed to mark item sent", logx.Int64("item", item.ID), logx.Err(err))
		d.publishError(fmt.Sprintf("marking item %d sent: %v", item.ID, err))
		return
	}
	metrics.DispatchesSent.WithLabelValues(item.Channel).Inc()
	d.log.Info("item delivered",
		logx.Int64("item", item.ID), logx.String("channel", item.Channel),
		logx.String("dispatch_id", dispatchID))
}

func (d *Dispatcher) fail(item Item, msg string, final bool) {
	metrics.DispatchesFailed.WithLabelValues(item.Channel).Inc()
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.markFailed(pctx, item.ID, msg, final); err != nil {
		d.log.Error("failed to record send failure", logx.Int64("item", item.ID), logx.Err(err))
	}
	if final {
		d.publishError(fmt.Sprintf("item %d to %q undeliverable: %s", item.ID, item.Channel, msg))
	}
}

func (d *Dispatcher) acquire(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.processing[id]; ok {
		return false
	}
	d.processing[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id int64) {
	d.mu.Lock()
	delete(d.processing, id)
	d.mu.Unlock()
}

func (d *Dispatcher) publishError(msg string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Kind: eventbus.Error, Message: msg})
}
