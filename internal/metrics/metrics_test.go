package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"chronod/internal/eventbus"
)

func TestObserveMapsEvents(t *testing.T) {
	job := "metrics-test-job"

	started := testutil.ToFloat64(JobsStarted.WithLabelValues(job))
	completed := testutil.ToFloat64(JobsCompleted.WithLabelValues(job))
	failed := testutil.ToFloat64(JobsFailed.WithLabelValues(job))
	timedOut := testutil.ToFloat64(JobsTimedOut.WithLabelValues(job))
	errs := testutil.ToFloat64(EngineErrors)
	inFlight := testutil.ToFloat64(JobsInFlight)

	Observe(eventbus.Event{Kind: eventbus.JobStarted, Job: job})
	assert.Equal(t, started+1, testutil.ToFloat64(JobsStarted.WithLabelValues(job)))
	assert.Equal(t, inFlight+1, testutil.ToFloat64(JobsInFlight))

	Observe(eventbus.Event{Kind: eventbus.JobCompleted, Job: job})
	assert.Equal(t, completed+1, testutil.ToFloat64(JobsCompleted.WithLabelValues(job)))
	assert.Equal(t, inFlight, testutil.ToFloat64(JobsInFlight))

	Observe(eventbus.Event{Kind: eventbus.JobStarted, Job: job})
	Observe(eventbus.Event{Kind: eventbus.JobFailed, Job: job})
	assert.Equal(t, failed+1, testutil.ToFloat64(JobsFailed.WithLabelValues(job)))

	Observe(eventbus.Event{Kind: eventbus.JobStarted, Job: job})
	Observe(eventbus.Event{Kind: eventbus.JobTimeout, Job: job})
	assert.Equal(t, timedOut+1, testutil.ToFloat64(JobsTimedOut.WithLabelValues(job)))
	assert.Equal(t, inFlight, testutil.ToFloat64(JobsInFlight))

	Observe(eventbus.Event{Kind: eventbus.Error})
	assert.Equal(t, errs+1, testutil.ToFloat64(EngineErrors))

	// Engine lifecycle events are not counted anywhere.
	Observe(eventbus.Event{Kind: eventbus.EngineStarted})
}
