// Package nanoapp defines the ABI between the runtime and hosted nanoapps,
// the loop-owned record tracking each live nanoapp, and the explicit Env
// context handed to every entry point invocation.
package nanoapp

import (
	"github.com/c360/contexthub/event"
)

// Info identifies a nanoapp. AppID is globally unique across all vendors;
// Version is reported to the host in nanoapp list responses.
type Info struct {
	AppID    uint64
	Version  uint32
	Name     string
	IsSystem bool
}

// App is the entry-point set every nanoapp implements. Start returns false
// to abort loading, in which case End is never called. HandleEvent receives
// each delivered event with the sending instance id. All entry points run on
// the event loop goroutine and must return promptly.
type App interface {
	Info() Info
	Start(env *Env) bool
	HandleEvent(env *Env, senderInstanceID uint32, eventType uint16, data any)
	End(env *Env)
}

// Record is the event loop's bookkeeping for one live nanoapp: assigned
// instance id, pending event queue, and broadcast registration set. All
// methods except queue access through the event package are loop-goroutine
// only.
type Record struct {
	app            App
	info           Info
	instanceID     uint32
	queue          *event.Queue
	broadcastTypes map[uint16]struct{}
	env            *Env
}

// NewRecord wraps app with a fresh queue of the given capacity.
func NewRecord(app App, queueCapacity int) *Record {
	return &Record{
		app:            app,
		info:           app.Info(),
		queue:          event.NewQueue(queueCapacity),
		broadcastTypes: make(map[uint16]struct{}),
	}
}

// App returns the wrapped nanoapp implementation.
func (r *Record) App() App {
	return r.app
}

// Info returns the nanoapp's identity.
func (r *Record) Info() Info {
	return r.info
}

// AppID returns the 64-bit globally unique application id.
func (r *Record) AppID() uint64 {
	return r.info.AppID
}

// IsSystem reports whether this is a system nanoapp, which may only be
// unloaded with the override flag.
func (r *Record) IsSystem() bool {
	return r.info.IsSystem
}

// InstanceID returns the runtime-assigned instance id.
func (r *Record) InstanceID() uint32 {
	return r.instanceID
}

// SetInstanceID assigns the instance id. Called once, before Start.
func (r *Record) SetInstanceID(id uint32) {
	r.instanceID = id
}

// Env returns the context value passed into this nanoapp's entry points.
func (r *Record) Env() *Env {
	return r.env
}

// SetEnv binds the context value. Called once, before Start.
func (r *Record) SetEnv(env *Env) {
	r.env = env
}

// RegisterForBroadcastEvent subscribes the nanoapp to a broadcast event type.
func (r *Record) RegisterForBroadcastEvent(eventType uint16) {
	r.broadcastTypes[eventType] = struct{}{}
}

// UnregisterForBroadcastEvent removes a broadcast subscription.
func (r *Record) UnregisterForBroadcastEvent(eventType uint16) {
	delete(r.broadcastTypes, eventType)
}

// IsRegisteredForBroadcastEvent reports whether broadcast events of the
// given type should be delivered to this nanoapp.
func (r *Record) IsRegisteredForBroadcastEvent(eventType uint16) bool {
	_, ok := r.broadcastTypes[eventType]
	return ok
}

// PostEvent appends an event to the nanoapp's queue, taking a reference.
func (r *Record) PostEvent(e *event.Event) error {
	return r.queue.Push(e)
}

// HasPendingEvent reports whether any delivery is queued.
func (r *Record) HasPendingEvent() bool {
	return r.queue.HasPending()
}

// PendingEventCount returns the queue depth.
func (r *Record) PendingEventCount() int {
	return r.queue.Len()
}

// ProcessNextEvent pops the oldest queued event and invokes the nanoapp's
// handler with env as the current-app context. Returns the processed event
// so the caller can drop its reference, or nil if the queue was empty.
func (r *Record) ProcessNextEvent() *event.Event {
	e, ok := r.queue.Pop()
	if !ok {
		return nil
	}
	r.app.HandleEvent(r.env, e.SenderInstanceID, e.Type, e.Data)
	return e
}
