package event

import (
	"sync"

	"github.com/c360/contexthub/errors"
)

// DefaultPoolSize bounds the number of events that may be in flight at once.
const DefaultPoolSize = 96

// Pool is a bounded allocator of Event records. Producers on any goroutine
// may allocate; the event loop returns slots once the last reference drops.
type Pool struct {
	mu       sync.Mutex
	free     []*Event
	capacity int
	inUse    int
}

// NewPool creates a pool holding at most capacity events.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolSize
	}
	p := &Pool{
		free:     make([]*Event, 0, capacity),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Event{pool: p})
	}
	return p
}

// Allocate takes a slot from the pool and initializes it. Returns
// ErrPoolExhausted when every slot is in flight.
func (p *Pool) Allocate(eventType uint16, data any, freeCallback FreeCallback,
	senderInstanceID, targetInstanceID uint32) (*Event, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, errors.ErrPoolExhausted
	}

	e := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse++

	*e = Event{
		Type:             eventType,
		Data:             data,
		FreeCallback:     freeCallback,
		SenderInstanceID: senderInstanceID,
		TargetInstanceID: targetInstanceID,
		pool:             p,
	}
	return e, nil
}

// Release returns an event's slot to the pool. The caller must have already
// invoked the free callback; the event must not be referenced afterwards.
func (p *Pool) Release(e *Event) {
	if e == nil || e.pool != p {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	*e = Event{pool: p}
	p.free = append(p.free, e)
	if p.inUse > 0 {
		p.inUse--
	}
}

// InUse returns the number of allocated events.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Capacity returns the total number of slots.
func (p *Pool) Capacity() int {
	return p.capacity
}
