// -----------------------------------------------------------------------
// Event bus - bounded in-process pub/sub for job events
// -----------------------------------------------------------------------

package events

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
)

// DefaultQueueSize is the per-subscriber buffer when none is configured
const DefaultQueueSize = 100

// Bus implements interfaces.EventBus. Delivery is at-most-once: each
// subscriber owns a bounded queue and a full queue drops the new event
// rather than blocking the publisher. Per-subscriber order is FIFO.
type Bus struct {
	mu         sync.RWMutex
	queueSize  int
	jobSubs    map[string]map[*subscription]struct{}
	globalSubs map[*subscription]struct{}
	closed     bool
	logger     arbor.ILogger
}

// NewBus creates an event bus with the given per-subscriber queue size
func NewBus(queueSize int, logger arbor.ILogger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize:  queueSize,
		jobSubs:    make(map[string]map[*subscription]struct{}),
		globalSubs: make(map[*subscription]struct{}),
		logger:     logger,
	}
}

type subscription struct {
	bus    *Bus
	jobID  string // empty for global scope
	ch     chan models.JobEvent
	mu     sync.Mutex
	closed bool
}

// Events returns the subscriber's event stream
func (s *subscription) Events() <-chan models.JobEvent {
	return s.ch
}

// Close ends the subscription and releases its queue. Idempotent.
func (s *subscription) Close() {
	s.bus.remove(s)
	s.closeChannel()
}

func (s *subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// trySend delivers without blocking; a full or closed queue drops the event
func (s *subscription) trySend(event models.JobEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Publish fans the event out to the job's subscribers and all global
// subscribers. Never blocks and never fails the caller; drops are only
// observable through progress polling.
func (b *Bus) Publish(event models.JobEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(b.globalSubs)+4)
	for sub := range b.globalSubs {
		targets = append(targets, sub)
	}
	for sub := range b.jobSubs[event.JobID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.trySend(event) && b.logger != nil {
			b.logger.Debug().
				Str("job_id", event.JobID).
				Str("event_type", string(event.EventType)).
				Msg("Subscriber queue full, event dropped")
		}
	}

	// A terminal event ends every per-job stream for that job
	if event.EventType.IsTerminal() {
		b.closeJobSubscriptions(event.JobID)
	}
}

// Subscribe opens a per-job stream that ends after the first terminal
// event for jobID
func (b *Bus) Subscribe(jobID string) interfaces.Subscription {
	sub := &subscription{
		bus:   b,
		jobID: jobID,
		ch:    make(chan models.JobEvent, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChannel()
		return sub
	}
	if b.jobSubs[jobID] == nil {
		b.jobSubs[jobID] = make(map[*subscription]struct{})
	}
	b.jobSubs[jobID][sub] = struct{}{}
	return sub
}

// SubscribeAll opens a global stream that lasts until the consumer closes it
func (b *Bus) SubscribeAll() interfaces.Subscription {
	sub := &subscription{
		bus: b,
		ch:  make(chan models.JobEvent, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChannel()
		return sub
	}
	b.globalSubs[sub] = struct{}{}
	return sub
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.jobID != "" {
		if subs, ok := b.jobSubs[sub.jobID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.jobSubs, sub.jobID)
			}
		}
	} else {
		delete(b.globalSubs, sub)
	}
}

func (b *Bus) closeJobSubscriptions(jobID string) {
	b.mu.Lock()
	subs := b.jobSubs[jobID]
	delete(b.jobSubs, jobID)
	b.mu.Unlock()

	for sub := range subs {
		sub.closeChannel()
	}
}

// Close terminates every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*subscription, 0, len(b.globalSubs))
	for sub := range b.globalSubs {
		all = append(all, sub)
	}
	for _, subs := range b.jobSubs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.globalSubs = make(map[*subscription]struct{})
	b.jobSubs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.closeChannel()
	}
	if b.logger != nil {
		b.logger.Info().Msg("Event bus closed")
	}
}
