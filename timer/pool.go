// Package timer provides the runtime timer pool: a min-heap of deadlines
// serviced by a single armed timer whose expiries are posted onto the event
// loop as timer events. Centralising expiry on the loop goroutine keeps
// nanoapp callback code free of cross-goroutine concurrency.
package timer

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
)

// Clock abstracts the monotonic time source so tests can substitute one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real monotonic clock.
type SystemClock struct{}

// Now returns the current time with a monotonic reading.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Expiry is the payload of a timer event delivered to the creating nanoapp.
type Expiry struct {
	TimerID uint32
	Cookie  any
}

// PostEventFunc posts an event into the event loop. Must be safe from the
// timer goroutine.
type PostEventFunc func(eventType uint16, data any, freeCallback event.FreeCallback,
	senderInstanceID, targetInstanceID uint32) error

type entry struct {
	deadline time.Time
	interval time.Duration
	id       uint32
	owner    uint32
	oneShot  bool
	cookie   any
	index    int // heap index, maintained by timerHeap
}

// Pool owns all armed timers. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	heap    timerHeap
	byID    map[uint32]*entry
	nextID  uint32
	clock   Clock
	post    PostEventFunc
	logger  *slog.Logger
	armed   *time.Timer
	stopped bool
}

// NewPool creates a pool posting expiries through post.
func NewPool(post PostEventFunc, clock Clock, logger *slog.Logger) *Pool {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Pool{
		byID:   make(map[uint32]*entry),
		nextID: 1,
		clock:  clock,
		post:   post,
		logger: logger,
	}
}

// SetTimer arms a timer for the given owner. One-shot timers fire once;
// periodic timers re-arm with the same delay until cancelled. Returns the
// timer id used for cancellation.
func (p *Pool) SetTimer(ownerInstanceID uint32, delay time.Duration, oneShot bool,
	cookie any) (uint32, error) {

	if delay < 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidState, "TimerPool", "SetTimer", "negative delay")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return 0, errors.ErrLoopStopped
	}

	e := &entry{
		deadline: p.clock.Now().Add(delay),
		interval: delay,
		id:       p.nextID,
		owner:    ownerInstanceID,
		oneShot:  oneShot,
		cookie:   cookie,
	}
	p.nextID++

	heap.Push(&p.heap, e)
	p.byID[e.id] = e
	p.rearmLocked()
	return e.id, nil
}

// Cancel disarms a timer by id. Only the creating owner may cancel it.
func (p *Pool) Cancel(ownerInstanceID, timerID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[timerID]
	if !ok || e.owner != ownerInstanceID {
		return errors.ErrTimerNotFound
	}

	heap.Remove(&p.heap, e.index)
	delete(p.byID, timerID)
	p.rearmLocked()
	return nil
}

// CancelAll disarms every timer owned by an instance, used during unload.
func (p *Pool) CancelAll(ownerInstanceID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, e := range p.byID {
		if e.owner == ownerInstanceID {
			heap.Remove(&p.heap, e.index)
			delete(p.byID, id)
		}
	}
	p.rearmLocked()
}

// Active returns the number of armed timers.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Stop disarms everything and refuses further timers.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	if p.armed != nil {
		p.armed.Stop()
		p.armed = nil
	}
	p.heap = nil
	p.byID = make(map[uint32]*entry)
}

// rearmLocked points the single platform timer at the nearest deadline.
func (p *Pool) rearmLocked() {
	if p.armed != nil {
		p.armed.Stop()
		p.armed = nil
	}
	if len(p.heap) == 0 || p.stopped {
		return
	}

	delay := time.Until(p.heap[0].deadline)
	if delay < 0 {
		delay = 0
	}
	p.armed = time.AfterFunc(delay, p.fire)
}

// fire pops every due entry and posts its expiry to the owner. Runs on the
// platform timer goroutine; delivery happens later on the loop goroutine.
func (p *Pool) fire() {
	p.mu.Lock()
	now := p.clock.Now()
	var due []*entry
	for len(p.heap) > 0 && !p.heap[0].deadline.After(now) {
		e := heap.Pop(&p.heap).(*entry)
		due = append(due, e)
		if e.oneShot {
			delete(p.byID, e.id)
		} else {
			e.deadline = now.Add(e.interval)
			heap.Push(&p.heap, e)
		}
	}
	p.rearmLocked()
	p.mu.Unlock()

	for _, e := range due {
		err := p.post(event.TypeTimer, Expiry{TimerID: e.id, Cookie: e.cookie}, nil,
			event.SystemInstanceID, e.owner)
		if err != nil {
			p.logger.Error("failed to post timer event",
				"timer_id", e.id, "owner", e.owner, "error", err)
		}
	}
}

// timerHeap orders entries by deadline and tracks indices for O(log n)
// removal.
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
