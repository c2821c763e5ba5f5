// Package eventloop implements the core runtime loop: it owns all nanoapps,
// multiplexes inbound events onto per-nanoapp queues, and drives delivery on
// a single goroutine. Nanoapp code only ever executes on that goroutine.
package eventloop

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/nanoapp"
)

// HostCommsFlusher drains host-bound messages sent by a nanoapp so their
// free callbacks are pending in the inbound queue before the app unloads.
type HostCommsFlusher interface {
	FlushMessagesSentByApp(appID uint64)
}

// UnloadHook is invoked on the loop goroutine after a nanoapp's events have
// drained and before its End entry point runs. Managers register hooks to
// reclaim resources the app left behind.
type UnloadHook func(instanceID uint32, appID uint64)

// Loop is the event loop. Construct with New, wire collaborators, then call
// Run on a dedicated goroutine.
type Loop struct {
	logger  *slog.Logger
	metrics *loopMetrics

	pool    *event.Pool
	inbound chan *event.Event

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// Written only on the loop goroutine; guarded by nanoappsMu for reads
	// from other goroutines. Loop-internal reads skip the lock.
	nanoapps   []*nanoapp.Record
	nanoappsMu sync.Mutex

	// Loop-goroutine only.
	currentApp  *nanoapp.Record
	stoppingApp *nanoapp.Record

	nextInstanceID uint32
	queueCapacity  int

	host        nanoapp.Host
	flusher     HostCommsFlusher
	unloadHooks []UnloadHook
	observer    func(e *event.Event)
}

// New creates a loop ready to Run.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger:         slog.Default(),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		nextInstanceID: event.SystemInstanceID + 1,
		queueCapacity:  event.DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.pool == nil {
		l.pool = event.NewPool(event.DefaultPoolSize)
	}
	if l.inbound == nil {
		l.inbound = make(chan *event.Event, defaultInboundCapacity)
	}
	l.running.Store(true)
	return l
}

// SetHost binds the runtime services nanoapp Envs delegate to. Must be
// called before the first StartNanoapp.
func (l *Loop) SetHost(host nanoapp.Host) {
	l.host = host
}

// SetHostCommsFlusher binds the host bridge used during unload.
func (l *Loop) SetHostCommsFlusher(flusher HostCommsFlusher) {
	l.flusher = flusher
}

// AddUnloadHook registers a resource-reclaim hook run during unload.
func (l *Loop) AddUnloadHook(hook UnloadHook) {
	l.unloadHooks = append(l.unloadHooks, hook)
}

// PostEvent allocates an event and enqueues it for distribution. Safe to
// call from any goroutine. Payload ownership transfers to the loop at this
// instant; on failure the free callback is NOT invoked and the caller keeps
// ownership.
func (l *Loop) PostEvent(eventType uint16, data any, freeCallback event.FreeCallback,
	senderInstanceID, targetInstanceID uint32) error {

	if !l.running.Load() {
		return errors.ErrLoopStopped
	}

	e, err := l.pool.Allocate(eventType, data, freeCallback, senderInstanceID, targetInstanceID)
	if err != nil {
		l.metrics.incPostFailed()
		l.logger.Error("failed to allocate event", "event_type", eventType)
		return errors.Wrap(err, "EventLoop", "PostEvent", "allocate event")
	}

	select {
	case l.inbound <- e:
		l.metrics.incPosted()
		return nil
	default:
		l.pool.Release(e)
		l.metrics.incPostFailed()
		return errors.Wrap(errors.ErrQueueFull, "EventLoop", "PostEvent", "enqueue event")
	}
}

// Defer schedules fn to run on the loop goroutine. Implemented as a system
// event whose free callback carries the work: the event matches no nanoapp,
// so the callback fires as soon as distribution completes.
func (l *Loop) Defer(fn func()) error {
	return l.PostEvent(event.TypeSystemCallback, nil,
		func(uint16, any) { fn() },
		event.SystemInstanceID, event.SystemInstanceID)
}

// Stop initiates shutdown from any goroutine: no further events are
// accepted and the loop drains then unloads every nanoapp before Run
// returns.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
	})
}

// Done is closed once Run has fully drained and returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Running reports whether the loop is accepting events.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run drives the loop until Stop is called. It must run on its own
// dedicated goroutine; all nanoapp entry points execute here.
func (l *Loop) Run() {
	l.logger.Info("event loop started")
	defer close(l.done)

	havePending := false
	for l.running.Load() {
		// Events arrive in two stages: first into the inbound queue
		// (potentially from another goroutine), then distributed onto the
		// per-nanoapp queues. Only block on inbound when no local work
		// remains.
		if !havePending || len(l.inbound) > 0 {
			select {
			case e := <-l.inbound:
				l.distributeEvent(e)
			case <-l.stopCh:
			}
		}
		havePending = l.deliverEvents()
	}

	// Flush everything still queued, then deliver until the per-nanoapp
	// queues drain. Nanoapps can no longer post at this point.
	l.flushInboundQueue()
	for l.deliverEvents() {
	}

	// Unload all remaining nanoapps in reverse order.
	for len(l.nanoapps) > 0 {
		l.unloadNanoappAtIndex(len(l.nanoapps) - 1)
	}

	l.logger.Info("event loop exiting")
}

// StartNanoapp loads a nanoapp: assigns a fresh instance id, inserts the
// record, and invokes Start with the app as current. Must be called on the
// loop goroutine (typically via Defer). Returns the assigned instance id.
func (l *Loop) StartNanoapp(app nanoapp.App) (uint32, error) {
	info := app.Info()
	if existing := l.lookupAppByAppID(info.AppID); existing != nil {
		l.logger.Error("nanoapp already exists",
			"app_id", info.AppID, "instance_id", existing.InstanceID())
		return 0, errors.ErrDuplicateAppID
	}

	record := nanoapp.NewRecord(app, l.queueCapacity)
	record.SetInstanceID(l.nextInstanceID)
	l.nextInstanceID++
	record.SetEnv(nanoapp.NewEnv(record, l.host, l.nanoappIsStopping))

	l.nanoappsMu.Lock()
	l.nanoapps = append(l.nanoapps, record)
	l.nanoappsMu.Unlock()

	l.currentApp = record
	ok := record.App().Start(record.Env())
	l.currentApp = nil

	if !ok {
		l.logger.Error("nanoapp failed to start", "instance_id", record.InstanceID())
		l.nanoappsMu.Lock()
		l.nanoapps = l.nanoapps[:len(l.nanoapps)-1]
		l.nanoappsMu.Unlock()
		return 0, errors.Wrap(errors.ErrInvalidState, "EventLoop", "StartNanoapp", "nanoapp start")
	}

	l.metrics.setNanoappCount(len(l.nanoapps))
	l.logger.Debug("nanoapp started",
		"app_id", info.AppID, "instance_id", record.InstanceID())
	return record.InstanceID(), nil
}

// UnloadNanoapp tears a nanoapp down with the ordered drain that guarantees
// no queued event still references it when End runs. Must be called on the
// loop goroutine. System nanoapps are refused unless allowSystem is set.
func (l *Loop) UnloadNanoapp(instanceID uint32, allowSystem bool) error {
	for i, record := range l.nanoapps {
		if record.InstanceID() != instanceID {
			continue
		}
		if record.IsSystem() && !allowSystem {
			l.logger.Error("refusing to unload system nanoapp", "instance_id", instanceID)
			return errors.Wrap(errors.ErrInvalidState, "EventLoop", "UnloadNanoapp", "system nanoapp")
		}

		// Make sure all messages sent by this nanoapp have their free
		// callbacks pending in the inbound queue, then distribute so those
		// callbacks run before the app goes away.
		if l.flusher != nil {
			l.flusher.FlushMessagesSentByApp(record.AppID())
		}
		l.flushInboundQueue()

		// Mark stopping early so the app can't post during the drain.
		l.stoppingApp = record
		for l.deliverEvents() {
		}

		l.unloadNanoappAtIndex(i)
		l.stoppingApp = nil

		l.logger.Debug("nanoapp unloaded", "instance_id", instanceID)
		return nil
	}

	return errors.ErrInstanceNotFound
}

// FindInstanceIDByAppID resolves an app id to the live instance id. Safe
// from any goroutine.
func (l *Loop) FindInstanceIDByAppID(appID uint64) (uint32, bool) {
	l.nanoappsMu.Lock()
	defer l.nanoappsMu.Unlock()

	for _, record := range l.nanoapps {
		if record.AppID() == appID {
			return record.InstanceID(), true
		}
	}
	return 0, false
}

// NanoappInfos snapshots identity and instance id of every live nanoapp.
// Safe from any goroutine.
func (l *Loop) NanoappInfos() []nanoapp.Info {
	l.nanoappsMu.Lock()
	defer l.nanoappsMu.Unlock()

	infos := make([]nanoapp.Info, 0, len(l.nanoapps))
	for _, record := range l.nanoapps {
		infos = append(infos, record.Info())
	}
	return infos
}

// ForEachNanoapp invokes fn for each live nanoapp under the list lock. Safe
// from any goroutine; fn must not start or unload nanoapps.
func (l *Loop) ForEachNanoapp(fn func(record *nanoapp.Record)) {
	l.nanoappsMu.Lock()
	defer l.nanoappsMu.Unlock()

	for _, record := range l.nanoapps {
		fn(record)
	}
}

// NanoappCount returns the number of live nanoapps.
func (l *Loop) NanoappCount() int {
	l.nanoappsMu.Lock()
	defer l.nanoappsMu.Unlock()
	return len(l.nanoapps)
}

// InvokeMessageFreeFunction runs a host message free function attributed to
// the sending nanoapp. Loop goroutine only.
func (l *Loop) InvokeMessageFreeFunction(appID uint64, fn func()) {
	record := l.lookupAppByAppID(appID)
	if record == nil {
		l.logger.Error("no app for message free callback", "app_id", appID)
		fn()
		return
	}
	prev := l.currentApp
	l.currentApp = record
	fn()
	l.currentApp = prev
}

// nanoappIsStopping is the Env predicate: posting is rejected for the app
// being torn down and for everyone once the loop stops.
func (l *Loop) nanoappIsStopping(record *nanoapp.Record) bool {
	return record == l.stoppingApp || !l.running.Load()
}

// distributeEvent fans one inbound event out to every interested nanoapp
// queue (STAGE 1). Events nobody wants are freed immediately.
func (l *Loop) distributeEvent(e *event.Event) {
	if l.observer != nil {
		l.observer(e)
	}
	for _, app := range l.nanoapps {
		if (e.TargetInstanceID == event.BroadcastInstanceID && app.IsRegisteredForBroadcastEvent(e.Type)) ||
			e.TargetInstanceID == app.InstanceID() {
			if err := app.PostEvent(e); err != nil {
				l.metrics.incQueueFull()
				l.logger.Warn("nanoapp queue full, dropping delivery",
					"instance_id", app.InstanceID(), "event_type", e.Type)
			}
		}
	}

	if e.Unreferenced() {
		// Events sent by the system to itself are consumed through the free
		// callback; anything else going undelivered is worth a warning.
		if e.SenderInstanceID != event.SystemInstanceID {
			l.metrics.incDropped()
			l.logger.Warn("dropping event with no subscribers", "event_type", e.Type)
		}
		l.freeEvent(e)
	}
}

// deliverEvents runs one round of round-robin delivery (STAGE 2): every
// nanoapp with a pending event receives exactly one. Reports whether any
// pending events remain.
func (l *Loop) deliverEvents() bool {
	havePending := false
	for _, app := range l.nanoapps {
		if app.HasPendingEvent() {
			havePending = l.deliverNextEvent(app) || havePending
		}
	}
	return havePending
}

// deliverNextEvent invokes one handler with the app as current, then drops
// the queue's reference and frees the event if it was the last.
func (l *Loop) deliverNextEvent(app *nanoapp.Record) bool {
	l.currentApp = app
	e := app.ProcessNextEvent()
	l.currentApp = nil

	if e != nil {
		l.metrics.incDelivered()
		e.DecrementRefCount()
		if e.Unreferenced() {
			l.freeEvent(e)
		}
	}
	return app.HasPendingEvent()
}

// flushInboundQueue distributes everything currently queued without
// blocking.
func (l *Loop) flushInboundQueue() {
	for {
		select {
		case e := <-l.inbound:
			l.distributeEvent(e)
		default:
			return
		}
	}
}

// freeEvent invokes the free callback with the sender as current app, then
// returns the slot to the pool.
func (l *Loop) freeEvent(e *event.Event) {
	if e.FreeCallback != nil {
		l.currentApp = l.lookupAppByInstanceID(e.SenderInstanceID)
		e.FreeCallback(e.Type, e.Data)
		l.currentApp = nil
	}
	l.pool.Release(e)
}

// unloadNanoappAtIndex calls End with the app as current and erases the
// record.
func (l *Loop) unloadNanoappAtIndex(index int) {
	record := l.nanoapps[index]

	for _, hook := range l.unloadHooks {
		hook(record.InstanceID(), record.AppID())
	}

	l.currentApp = record
	record.App().End(record.Env())
	l.currentApp = nil

	l.nanoappsMu.Lock()
	l.nanoapps = append(l.nanoapps[:index], l.nanoapps[index+1:]...)
	l.nanoappsMu.Unlock()

	l.metrics.setNanoappCount(len(l.nanoapps))
}

// lookupAppByAppID is the loop-goroutine lookup that skips the list lock.
func (l *Loop) lookupAppByAppID(appID uint64) *nanoapp.Record {
	for _, record := range l.nanoapps {
		if record.AppID() == appID {
			return record
		}
	}
	return nil
}

// lookupAppByInstanceID is the loop-goroutine lookup that skips the list
// lock. The system instance id never maps to a nanoapp.
func (l *Loop) lookupAppByInstanceID(instanceID uint32) *nanoapp.Record {
	if instanceID == event.SystemInstanceID {
		return nil
	}
	for _, record := range l.nanoapps {
		if record.InstanceID() == instanceID {
			return record
		}
	}
	return nil
}
