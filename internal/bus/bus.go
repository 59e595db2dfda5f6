// Package bus provides a bounded-buffer publish/subscribe bus carrying
// OrchestratorEvents from execution processing to the replay viewer,
// streaming consumers, and the approval manager.
package bus

import (
	"sync"
	"time"

	"github.com/first-fluke/cratos/pkg/models"
)

// OrchestratorEvent is the bus's wire shape: a tagged union keyed by Kind,
// carrying whatever execution/approval context is relevant to that kind.
type OrchestratorEvent struct {
	Kind        EventKind        `json:"kind"`
	ExecutionID string           `json:"execution_id,omitempty"`
	RequestID   string           `json:"request_id,omitempty"`
	EventType   models.EventType `json:"event_type,omitempty"`
	Payload     map[string]any   `json:"payload,omitempty"`
	Time        time.Time        `json:"time"`
}

// EventKind enumerates the distinct shapes an OrchestratorEvent can carry.
type EventKind string

const (
	KindExecutionStarted   EventKind = "execution_started"
	KindExecutionCompleted EventKind = "execution_completed"
	KindExecutionFailed    EventKind = "execution_failed"
	KindApprovalRequired   EventKind = "approval_required"
	KindApprovalResolved   EventKind = "approval_resolved"
	KindStoredEvent        EventKind = "stored_event" // mirrors a models.StoredEvent as it's recorded
)

// DefaultBufferSize is the per-subscriber channel capacity; once full, the
// oldest buffered event is dropped to make room for the newest (a
// subscriber that falls behind sees gaps, not back-pressure on the
// publisher), matching the teacher's ChanSink "drop rather than block"
// policy generalized to a ring instead of a single drop.
const DefaultBufferSize = 256

// Bus is a bounded-buffer broadcaster: Publish fans out to every current
// subscriber without blocking on a slow one.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan OrchestratorEvent
	nextID      int
	bufferSize  int
}

// New creates an empty Bus with the default per-subscriber buffer size.
func New() *Bus {
	return &Bus{subscribers: make(map[int]chan OrchestratorEvent), bufferSize: DefaultBufferSize}
}

// NewWithBuffer creates a Bus with a custom per-subscriber buffer size.
func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus{subscribers: make(map[int]chan OrchestratorEvent), bufferSize: size}
}

// Subscription is returned by Subscribe; callers should range over Events
// and call Unsubscribe when done to release the channel.
type Subscription struct {
	Events <-chan OrchestratorEvent
	bus    *Bus
	id     int
}

// Unsubscribe removes this subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Subscribe registers a new listener and returns a Subscription. The
// returned channel is closed when Unsubscribe is called.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan OrchestratorEvent, b.bufferSize)
	b.subscribers[id] = ch
	return &Subscription{Events: ch, bus: b, id: id}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish fans the event out to every current subscriber. If a subscriber's
// buffer is full, the oldest queued event for that subscriber is dropped to
// make room, so Publish never blocks the caller.
func (b *Bus) Publish(event OrchestratorEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Buffer full: drop the oldest queued event, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount reports how many listeners are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes and closes every subscriber's channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
