// Package events carries job status transitions from workers to API
// instances over Kafka and fans them out to in-process subscribers.
//
// The producer side runs in the worker and publishes one record per
// transition, keyed by job id. The consumer side runs in every API
// instance under an instance-scoped group so each instance observes the
// full stream; subscribers are the push-stream handlers. Delivery is
// best effort: the status poller backs every stream, so a lost event
// delays a transition but never loses it.
package events

import (
	"sync"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
)

// subscriberBuffer bounds each subscription channel. A full buffer drops
// the event for that subscriber; the poll fallback picks the change up.
const subscriberBuffer = 8

// Bus fans job events out to per-job subscribers inside one process.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan domain.JobEvent
	nextID int
	closed bool
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan domain.JobEvent)}
}

// Subscribe registers interest in events for one job id. The returned
// cancel func must be called exactly once; it closes the channel.
func (b *Bus) Subscribe(jobID string) (<-chan domain.JobEvent, func()) {
	ch := make(chan domain.JobEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan domain.JobEvent)
	}
	b.subs[jobID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if chans, ok := b.subs[jobID]; ok {
				delete(chans, id)
				if len(chans) == 0 {
					delete(b.subs, jobID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its job id without
// blocking. Slow subscribers miss the event instead of stalling the
// consume loop.
func (b *Bus) Publish(ev domain.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.JobID] {
		select {
		case ch <- ev:
			observability.JobEventsConsumedTotal.Inc()
		default:
		}
	}
}

// Close makes Publish and Subscribe no-ops. Open subscription channels
// stay open; each subscriber's cancel func remains their only closer.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}
