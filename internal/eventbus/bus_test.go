package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Kind: JobStarted, Job: "backup"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, JobStarted, e.Kind)
			assert.Equal(t, "backup", e.Job)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: JobCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	// The buffered event is still deliverable.
	select {
	case e := <-ch:
		assert.Equal(t, JobCompleted, e.Kind)
	default:
		t.Fatal("expected at least one buffered event")
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	// Publishing after unsubscribe must not panic.
	require.NotPanics(t, func() { b.Publish(Event{Kind: Error}) })

	_, open := <-ch
	assert.False(t, open)
}

func TestPublishPreservesExplicitTime(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	ts := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	b.Publish(Event{Kind: EngineStarted, Time: ts})
	e := <-ch
	assert.True(t, e.Time.Equal(ts))
}
