package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/logging"
)

func TestPublisher_FanOutPreservesOrder(t *testing.T) {
	p := newPublisher(8, logging.NoOpLogger{})
	a, unsubA := p.subscribe()
	b, unsubB := p.subscribe()
	defer unsubA()
	defer unsubB()

	p.publish(Event{Type: EventStateChanged, State: core.StateThinking})
	p.publish(Event{Type: EventPartialContent, Content: "hel"})
	p.publish(Event{Type: EventStateChanged, State: core.StateActive})

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, EventStateChanged, ev.Type)
		assert.Equal(t, core.StateThinking, ev.State)
		assert.False(t, ev.At.IsZero())

		ev = <-ch
		assert.Equal(t, "hel", ev.Content)

		ev = <-ch
		assert.Equal(t, core.StateActive, ev.State)
	}
}

func TestPublisher_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	p := newPublisher(1, logging.NoOpLogger{})
	ch, unsub := p.subscribe()
	defer unsub()

	// The second publish overflows the buffer and is dropped.
	p.publish(Event{Type: EventPartialContent, Content: "first"})
	p.publish(Event{Type: EventPartialContent, Content: "second"})

	ev := <-ch
	assert.Equal(t, "first", ev.Content)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestPublisher_UnsubscribeClosesChannel(t *testing.T) {
	p := newPublisher(1, logging.NoOpLogger{})
	ch, unsub := p.subscribe()
	unsub()
	// Idempotent.
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe does not panic.
	p.publish(Event{Type: EventSessionChanged})
}

func TestPublisher_CloseEndsAllSubscriptions(t *testing.T) {
	p := newPublisher(1, logging.NoOpLogger{})
	a, _ := p.subscribe()
	b, _ := p.subscribe()

	p.close()
	p.close()

	_, open := <-a
	assert.False(t, open)
	_, open = <-b
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	c, unsub := p.subscribe()
	require.NotNil(t, unsub)
	_, open = <-c
	assert.False(t, open)
}
