package interfaces

import "github.com/ternarybob/mediaforge/internal/models"

// Subscription is a live event stream. Events() is closed by the bus when
// the subscription ends (terminal event for per-job scopes) or when the
// subscriber calls Close.
type Subscription interface {
	Events() <-chan models.JobEvent
	Close()
}

// EventBus fans out job events to per-job and global subscribers.
// Delivery is in-process, at-most-once and per-subscriber FIFO; publishing
// never blocks and never returns an error to the caller.
type EventBus interface {
	// Publish delivers the event to matching subscribers; on a full
	// subscriber queue the event is dropped
	Publish(event models.JobEvent)

	// Subscribe opens a per-job stream that ends after the first
	// terminal event for jobID
	Subscribe(jobID string) Subscription

	// SubscribeAll opens a global stream with no natural end
	SubscribeAll() Subscription

	// Close terminates all subscriptions
	Close()
}
