package nanoapp

import (
	"time"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/sensor"
)

// Host is the set of runtime services Env exposes to nanoapps. The event
// loop's owning runtime implements it; nanoapps never see it directly.
type Host interface {
	PostEvent(eventType uint16, data any, freeCallback event.FreeCallback,
		senderInstanceID, targetInstanceID uint32) error
	SendMessageToHost(appID uint64, hostEndpoint uint16, messageType uint32, payload []byte) error
	SetTimer(ownerInstanceID uint32, delay time.Duration, oneShot bool, cookie any) (uint32, error)
	CancelTimer(ownerInstanceID uint32, timerID uint32) error
	ConfigureSensor(ownerInstanceID uint32, t sensor.Type, req sensor.Request) error
	ConfigureScanMonitor(ownerInstanceID uint32, enable bool, cookie any) error
}

// Env is the per-nanoapp context value passed into every entry point. It
// attributes runtime API calls to the invoking nanoapp and rejects calls
// once the nanoapp is stopping. Env methods may only be called from entry
// points, i.e. on the event loop goroutine.
type Env struct {
	record   *Record
	host     Host
	stopping func(*Record) bool
}

// NewEnv binds a nanoapp record to the runtime services. The stopping
// predicate is consulted on every call that produces new work.
func NewEnv(record *Record, host Host, stopping func(*Record) bool) *Env {
	return &Env{record: record, host: host, stopping: stopping}
}

// InstanceID returns the calling nanoapp's instance id.
func (e *Env) InstanceID() uint32 {
	return e.record.InstanceID()
}

// AppID returns the calling nanoapp's application id.
func (e *Env) AppID() uint64 {
	return e.record.AppID()
}

// Subscribe registers the nanoapp for a broadcast event type.
func (e *Env) Subscribe(eventType uint16) {
	e.record.RegisterForBroadcastEvent(eventType)
}

// Unsubscribe removes a broadcast event registration.
func (e *Env) Unsubscribe(eventType uint16) {
	e.record.UnregisterForBroadcastEvent(eventType)
}

// PostEvent posts an event on behalf of the nanoapp. Fails with ErrStopping
// once the nanoapp's unload has begun.
func (e *Env) PostEvent(eventType uint16, data any, freeCallback event.FreeCallback,
	targetInstanceID uint32) error {

	if e.stopping(e.record) {
		return errors.ErrStopping
	}
	return e.host.PostEvent(eventType, data, freeCallback, e.record.InstanceID(), targetInstanceID)
}

// SendMessageToHost sends a message to the host daemon attributed to the
// nanoapp's app id.
func (e *Env) SendMessageToHost(hostEndpoint uint16, messageType uint32, payload []byte) error {
	if e.stopping(e.record) {
		return errors.ErrStopping
	}
	return e.host.SendMessageToHost(e.record.AppID(), hostEndpoint, messageType, payload)
}

// SetTimer arms a timer whose expiry is delivered to this nanoapp as a
// timer event carrying cookie.
func (e *Env) SetTimer(delay time.Duration, oneShot bool, cookie any) (uint32, error) {
	if e.stopping(e.record) {
		return 0, errors.ErrStopping
	}
	return e.host.SetTimer(e.record.InstanceID(), delay, oneShot, cookie)
}

// CancelTimer cancels a timer the nanoapp created.
func (e *Env) CancelTimer(timerID uint32) error {
	return e.host.CancelTimer(e.record.InstanceID(), timerID)
}

// ConfigureSensor replaces the nanoapp's request for the given sensor. A
// zero request removes it.
func (e *Env) ConfigureSensor(t sensor.Type, req sensor.Request) error {
	if e.stopping(e.record) {
		return errors.ErrStopping
	}
	return e.host.ConfigureSensor(e.record.InstanceID(), t, req)
}

// ConfigureScanMonitor enables or disables wifi scan monitoring for the
// nanoapp. Completion arrives later as a wifi async-result event carrying
// cookie.
func (e *Env) ConfigureScanMonitor(enable bool, cookie any) error {
	if e.stopping(e.record) {
		return errors.ErrStopping
	}
	return e.host.ConfigureScanMonitor(e.record.InstanceID(), enable, cookie)
}
