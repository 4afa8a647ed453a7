// Package notify provides the storage-change publish/subscribe bus. The bus
// is a signal, not a source of truth: subscribers recompute counts and
// derived state from the durable store when an event arrives. Multiple open
// views of the portal share one store and stay eventually consistent
// through these notifications.
package notify

import (
	"sync"
	"time"
)

// Event kinds broadcast by the engine.
const (
	EventStorageChanged    = "storage.changed"
	EventSyncStarted       = "sync.started"
	EventSyncCompleted     = "sync.completed"
	EventSyncFailed        = "sync.failed"
	EventSyncConflict      = "sync.conflict_detected"
	EventMutationEnqueued  = "mutation.enqueued"
	EventMutationFailed    = "mutation.failed"
	EventTrashSwept        = "trash.swept"
)

// Event is a broadcast notification.
type Event struct {
	Kind      string                 `json:"kind"`
	Table     string                 `json:"table,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// subscriberBuffer sizes subscriber channels; publishes never block, so a
// slow subscriber drops events rather than stalling a drain pass.
const subscriberBuffer = 64

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a listener. The returned cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}

	return ch, cancel
}

// Publish broadcasts an event to every subscriber without blocking.
func (b *Bus) Publish(kind, table string, data map[string]interface{}) {
	event := Event{
		Kind:      kind,
		Table:     table,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; the event is droppable because
			// consumers recompute from the store on the next signal.
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
