package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/models"
)

func newTestBus(queueSize int) *Bus {
	return NewBus(queueSize, arbor.NewLogger())
}

func collect(ch <-chan models.JobEvent, n int, timeout time.Duration) []models.JobEvent {
	var events []models.JobEvent
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case event, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestBus_PerJobFIFO(t *testing.T) {
	bus := newTestBus(10)
	defer bus.Close()

	sub := bus.Subscribe("job-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(models.ProgressEvent("job-1", float64(i)/10, "processing"))
	}

	events := collect(sub.Events(), 5, time.Second)
	require.Len(t, events, 5)
	for i, event := range events {
		assert.Equal(t, float64(i)/10, event.Data["progress"])
	}
}

func TestBus_JobScopedDelivery(t *testing.T) {
	bus := newTestBus(10)
	defer bus.Close()

	sub1 := bus.Subscribe("job-1")
	defer sub1.Close()
	sub2 := bus.Subscribe("job-2")
	defer sub2.Close()

	bus.Publish(models.ProgressEvent("job-1", 0.5, "processing"))

	events := collect(sub1.Events(), 1, time.Second)
	require.Len(t, events, 1)

	events = collect(sub2.Events(), 1, 50*time.Millisecond)
	assert.Empty(t, events)
}

func TestBus_GlobalReceivesAllJobs(t *testing.T) {
	bus := newTestBus(10)
	defer bus.Close()

	sub := bus.SubscribeAll()
	defer sub.Close()

	bus.Publish(models.ProgressEvent("job-1", 0.1, "processing"))
	bus.Publish(models.ProgressEvent("job-2", 0.2, "processing"))

	events := collect(sub.Events(), 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, "job-1", events[0].JobID)
	assert.Equal(t, "job-2", events[1].JobID)
}

func TestBus_OverflowDropsNewEventsWithoutBlocking(t *testing.T) {
	bus := newTestBus(3)
	defer bus.Close()

	sub := bus.Subscribe("job-1")
	defer sub.Close()

	// Publisher must never block even with no consumer draining
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(models.ProgressEvent("job-1", float64(i)/100, "processing"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber queue")
	}

	// Only the first 3 events fit; the rest were dropped
	events := collect(sub.Events(), 4, 100*time.Millisecond)
	require.Len(t, events, 3)
	assert.Equal(t, 0.0, events[0].Data["progress"])
}

func TestBus_TerminalEventClosesJobSubscriptions(t *testing.T) {
	bus := newTestBus(10)
	defer bus.Close()

	sub := bus.Subscribe("job-1")

	bus.Publish(models.StatusEvent("job-1", models.JobStatusCompleted, "job completed"))

	events := collect(sub.Events(), 2, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventJobCompleted, events[0].EventType)

	// Channel is closed after the terminal event
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestBus_GlobalSurvivesTerminalEvents(t *testing.T) {
	bus := newTestBus(10)
	defer bus.Close()

	sub := bus.SubscribeAll()
	defer sub.Close()

	bus.Publish(models.StatusEvent("job-1", models.JobStatusFailed, "boom"))
	bus.Publish(models.ProgressEvent("job-2", 0.1, "processing"))

	events := collect(sub.Events(), 2, time.Second)
	require.Len(t, events, 2)
}

func TestBus_CloseIsIdempotentAndEndsSubscribers(t *testing.T) {
	bus := newTestBus(10)

	sub := bus.Subscribe("job-1")
	global := bus.SubscribeAll()

	bus.Close()
	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open)
	_, open = <-global.Events()
	assert.False(t, open)

	// Publishing after close is a no-op
	bus.Publish(models.ProgressEvent("job-1", 0.5, "processing"))
}

func TestBus_SubscriptionCloseIsIdempotent(t *testing.T) {
	bus := newTestBus(10)
	defer bus.Close()

	sub := bus.Subscribe("job-1")
	sub.Close()
	sub.Close()

	bus.Publish(models.ProgressEvent("job-1", 0.5, "processing"))
}

func TestBus_ManySubscribersSameJob(t *testing.T) {
	bus := newTestBus(10)
	defer bus.Close()

	subs := make([]<-chan models.JobEvent, 0, 4)
	for i := 0; i < 4; i++ {
		sub := bus.Subscribe("job-1")
		defer sub.Close()
		subs = append(subs, sub.Events())
	}

	bus.Publish(models.ProgressEvent("job-1", 0.5, "processing"))

	for i, ch := range subs {
		events := collect(ch, 1, time.Second)
		require.Len(t, events, 1, fmt.Sprintf("subscriber %d", i))
	}
}
