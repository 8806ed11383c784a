// Package eventbus implements a bounded broadcast channel of SystemEvent
// for task and cache lifecycle events.
package eventbus

import (
	"sync"
)

// DefaultCapacity is the default per-subscriber channel capacity.
const DefaultCapacity = 10000

// TaskStream identifies which stdio stream a Log event came from.
type TaskStream string

const (
	StreamStdout TaskStream = "stdout"
	StreamStderr TaskStream = "stderr"
	StreamSystem TaskStream = "system"
)

// EventKind discriminates SystemEvent's variants.
type EventKind string

const (
	TaskStarted   EventKind = "task_started"
	TaskProgress  EventKind = "task_progress"
	TaskCompleted EventKind = "task_completed"
	TaskFailed    EventKind = "task_failed"
	TaskCancelled EventKind = "task_cancelled"
	TaskLog       EventKind = "task_log"
	CacheHit      EventKind = "cache_hit"
	CacheMiss     EventKind = "cache_miss"
	CacheWrite    EventKind = "cache_write"
	CacheEvict    EventKind = "cache_evict"
)

// SystemEvent is the union of every event the bus carries.
type SystemEvent struct {
	Kind EventKind

	// Task* fields.
	TaskName   string
	TaskID     string
	Message    string
	DurationMS int64
	Error      string
	Stream     TaskStream
	Content    string

	// Cache* fields.
	KeyHash string
}

// Bus is a bounded broadcast channel: publishers never block on full
// channels, and a slow subscriber that lags beyond capacity observes a
// LagNotification and resumes from the newest event.
type Bus struct {
	mu          sync.Mutex
	capacity    int
	subscribers map[*Subscription]struct{}
}

// New constructs a Bus with the given capacity per subscriber. A capacity
// of 0 selects DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity:    capacity,
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscription is a single subscriber's bounded event channel and
// one-slot lag notification channel.
type Subscription struct {
	bus    *Bus
	events chan SystemEvent
	lagged chan struct{}
	closed bool
}

// Subscribe registers a new subscriber and returns its Subscription. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		events: make(chan SystemEvent, b.capacity),
		lagged: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from the bus and closes its channel. Closing
// happens under the bus mutex so a concurrent Publish can never send on a
// closed channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
}

// Events returns the channel of delivered events.
func (s *Subscription) Events() <-chan SystemEvent {
	return s.events
}

// Lagged returns a channel that receives a notification whenever this
// subscriber fell behind and events were dropped. The subscriber should
// treat this as "resume from the newest event"; no historical replay is
// offered.
func (s *Subscription) Lagged() <-chan struct{} {
	return s.lagged
}

// Publish fans event out to every live subscriber without blocking. A
// subscriber whose channel is full is sent a non-blocking lag notification
// instead of the event. The fan-out runs under the bus mutex; every send is
// non-blocking, so the critical section is bounded by the subscriber count.
func (b *Bus) Publish(event SystemEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subscribers {
		select {
		case s.events <- event:
		default:
			select {
			case s.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// PublishCacheEvent is a convenience wrapper for the CacheEvent variants.
func (b *Bus) PublishCacheEvent(kind EventKind, keyHash string) {
	b.Publish(SystemEvent{Kind: kind, KeyHash: keyHash})
}
