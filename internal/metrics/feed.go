package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronod/internal/eventbus"
	"chronod/pkg/logx"
)

// Observe maps one engine event onto the collectors.
func Observe(e eventbus.Event) {
	switch e.Kind {
	case eventbus.JobStarted:
		JobsStarted.WithLabelValues(e.Job).Inc()
		JobsInFlight.Inc()
	case eventbus.JobCompleted:
		JobsCompleted.WithLabelValues(e.Job).Inc()
		JobsInFlight.Dec()
	case eventbus.JobFailed:
		JobsFailed.WithLabelValues(e.Job).Inc()
		JobsInFlight.Dec()
	case eventbus.JobTimeout:
		JobsTimedOut.WithLabelValues(e.Job).Inc()
		JobsInFlight.Dec()
	case eventbus.Error:
		EngineErrors.Inc()
	}
}

// Feed consumes bus events until ctx is cancelled, recording each into the
// collectors. Intended to run under a supervisor.
func Feed(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			Observe(e)
		}
	}
}

// Serve runs the scrape endpoint at addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log logx.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if !log.IsZero() {
		log.Info("metrics endpoint listening", logx.String("addr", addr))
	}
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
