package event

import (
	"github.com/c360/contexthub/pkg/buffer"
)

// DefaultQueueSize bounds each nanoapp's pending event queue.
const DefaultQueueSize = 32

// Queue is the bounded FIFO of events pending delivery to one nanoapp.
// Pushing increments the event's reference count; popping does not decrement
// it (the loop decrements after the handler returns).
type Queue struct {
	events *buffer.Bounded[*Event]
}

// NewQueue creates a queue holding at most capacity pending events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{events: buffer.NewBounded[*Event](capacity)}
}

// Push appends an event and takes a reference on it. Returns ErrQueueFull
// without taking a reference when the queue is at capacity.
func (q *Queue) Push(e *Event) error {
	if err := q.events.Push(e); err != nil {
		return err
	}
	e.IncrementRefCount()
	return nil
}

// Pop removes and returns the oldest pending event.
func (q *Queue) Pop() (*Event, bool) {
	return q.events.Pop()
}

// HasPending reports whether any event awaits delivery.
func (q *Queue) HasPending() bool {
	return !q.events.Empty()
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	return q.events.Len()
}
