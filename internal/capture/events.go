package capture

import (
	"sync"
)

// DefaultEventCapacity bounds the event queue when Options leaves it unset.
const DefaultEventCapacity = 1024

// eventQueue is a bounded FIFO between the stdout reader and callers. The
// producer never blocks: at capacity the oldest event is dropped.
type eventQueue struct {
	mu       sync.Mutex
	items    []Event
	capacity int
	dropped  uint64

	// ready holds at most one wake-up for a waiting consumer.
	ready chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &eventQueue{
		items:    make([]Event, 0, min(capacity, 64)),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// push appends e and reports whether an older event was dropped to make room.
func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.capacity {
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
