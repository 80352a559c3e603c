package eventbus

import "sync"

// eventQueue is a bounded FIFO of pending events for one connection.
//
// When the queue is full, pushing makes room by discarding the oldest
// pending non-critical event. Critical events are never discarded: if the
// queue holds nothing but critical events, a critical push grows past the
// capacity rather than blocking the publisher or losing the event, and a
// non-critical push is dropped on the floor.
type eventQueue struct {
	mu       sync.Mutex
	items    []Event
	capacity int
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventQueue{capacity: capacity}
}

// push enqueues the event, applying the overflow policy. It never blocks.
// The return value reports whether the event was actually queued.
func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.capacity {
		q.items = append(q.items, e)
		return true
	}

	// Full. Try to evict the oldest non-critical pending event.
	evicted := false
	for i, pending := range q.items {
		if !Critical(pending.Topic) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			evicted = true
			break
		}
	}

	if !evicted && !Critical(e.Topic) {
		// Every pending event outranks the incoming one.
		return false
	}

	q.items = append(q.items, e)
	return true
}

// pop dequeues the oldest pending event.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
