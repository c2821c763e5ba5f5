// Package runtime assembles the hub: the event loop, timer pool, request
// managers, host comms, and optional calibration storage behind one
// explicitly injected handle. Components receive the handle (or narrower
// interfaces) at construction; there is no process-wide singleton.
package runtime

import (
	"log/slog"
	"time"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/eventloop"
	"github.com/c360/contexthub/hostbridge"
	"github.com/c360/contexthub/nanoapp"
	"github.com/c360/contexthub/sensor"
	"github.com/c360/contexthub/storage"
	"github.com/c360/contexthub/timer"
	"github.com/c360/contexthub/wifi"
)

// Runtime owns the core subsystems and implements nanoapp.Host, the service
// surface Envs expose to nanoapp code.
type Runtime struct {
	logger  *slog.Logger
	loop    *eventloop.Loop
	timers  *timer.Pool
	sensors *sensor.RequestManager
	wifi    *wifi.Manager

	host     *hostbridge.Manager
	calStore *storage.CalibrationStore
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithCalibrationStore enables persistent sensor calibration.
func WithCalibrationStore(store *storage.CalibrationStore) Option {
	return func(r *Runtime) {
		r.calStore = store
	}
}

// New wires a runtime over the given platform drivers. loopOpts are passed
// through to the event loop.
func New(sensorDriver sensor.Driver, wifiDriver wifi.Driver,
	loopOpts []eventloop.Option, opts ...Option) (*Runtime, error) {

	r := &Runtime{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	r.loop = eventloop.New(append(loopOpts, eventloop.WithLogger(r.logger))...)
	r.timers = timer.NewPool(r.loop.PostEvent, nil, r.logger)

	sensors, err := sensor.NewRequestManager(sensorDriver, r.loop.PostEvent, r.loop.Defer, r.logger)
	if err != nil {
		return nil, err
	}
	r.sensors = sensors
	r.wifi = wifi.NewManager(wifiDriver, r.loop.PostEvent, r.loop.Defer, r.logger)

	r.loop.SetHost(r)
	r.loop.AddUnloadHook(func(instanceID uint32, _ uint64) {
		r.timers.CancelAll(instanceID)
		r.sensors.RemoveAllRequests(instanceID)
		r.wifi.RemoveAllRequests(instanceID)
	})

	return r, nil
}

// SetHostManager binds the host comms manager, enabling nanoapp messaging
// to the host daemon and the pre-unload message flush.
func (r *Runtime) SetHostManager(m *hostbridge.Manager) {
	r.host = m
	r.loop.SetHostCommsFlusher(m)
}

// Loop returns the event loop.
func (r *Runtime) Loop() *eventloop.Loop {
	return r.loop
}

// Sensors returns the sensor request manager.
func (r *Runtime) Sensors() *sensor.RequestManager {
	return r.sensors
}

// Wifi returns the wifi request manager.
func (r *Runtime) Wifi() *wifi.Manager {
	return r.wifi
}

// Timers returns the timer pool.
func (r *Runtime) Timers() *timer.Pool {
	return r.timers
}

// Start runs the event loop on its own goroutine and loads persisted
// calibration if a store is configured.
func (r *Runtime) Start() {
	r.loadCalibrations()
	go r.loop.Run()
}

// Stop drains and shuts everything down, blocking until the loop exits.
func (r *Runtime) Stop(timeout time.Duration) error {
	r.timers.Stop()
	r.loop.Stop()

	select {
	case <-r.loop.Done():
	case <-time.After(timeout):
		return errors.Wrap(errors.ErrInvalidState, "Runtime", "Stop", "loop drain")
	}

	if r.calStore != nil {
		return r.calStore.Close()
	}
	return nil
}

// StartNanoapp loads a nanoapp from any goroutine by deferring onto the
// loop, returning the assigned instance id.
func (r *Runtime) StartNanoapp(app nanoapp.App) (uint32, error) {
	type result struct {
		id  uint32
		err error
	}
	ch := make(chan result, 1)

	err := r.loop.Defer(func() {
		id, err := r.loop.StartNanoapp(app)
		ch <- result{id: id, err: err}
	})
	if err != nil {
		return 0, err
	}

	res := <-ch
	return res.id, res.err
}

// UnloadNanoapp unloads a nanoapp from any goroutine.
func (r *Runtime) UnloadNanoapp(instanceID uint32, allowSystem bool) error {
	ch := make(chan error, 1)
	err := r.loop.Defer(func() {
		ch <- r.loop.UnloadNanoapp(instanceID, allowSystem)
	})
	if err != nil {
		return err
	}
	return <-ch
}

// NotifyCalibrationUpdate persists a calibration snapshot. A no-op without
// a configured store.
func (r *Runtime) NotifyCalibrationUpdate(cal storage.Calibration) error {
	if r.calStore == nil {
		return nil
	}
	return r.calStore.Save(cal)
}

// loadCalibrations replays persisted calibration at startup. A no-op
// without a configured store.
func (r *Runtime) loadCalibrations() {
	if r.calStore == nil {
		return
	}

	cals, err := r.calStore.LoadAll()
	if err != nil {
		r.logger.Error("failed to load calibrations", "error", err)
		return
	}
	for _, cal := range cals {
		r.logger.Info("loaded calibration",
			"sensor", cal.Sensor.String(), "timestamp_ns", cal.TimestampNs)
	}
}

// nanoapp.Host implementation. These run on the loop goroutine, invoked
// through nanoapp Envs.

// PostEvent implements nanoapp.Host.
func (r *Runtime) PostEvent(eventType uint16, data any, freeCallback event.FreeCallback,
	senderInstanceID, targetInstanceID uint32) error {
	return r.loop.PostEvent(eventType, data, freeCallback, senderInstanceID, targetInstanceID)
}

// SendMessageToHost implements nanoapp.Host.
func (r *Runtime) SendMessageToHost(appID uint64, hostEndpoint uint16,
	messageType uint32, payload []byte) error {
	if r.host == nil {
		return errors.Wrap(errors.ErrNotConnected, "Runtime", "SendMessageToHost", "host bridge check")
	}
	return r.host.SendMessageToHost(appID, hostEndpoint, messageType, payload)
}

// SetTimer implements nanoapp.Host.
func (r *Runtime) SetTimer(ownerInstanceID uint32, delay time.Duration,
	oneShot bool, cookie any) (uint32, error) {
	return r.timers.SetTimer(ownerInstanceID, delay, oneShot, cookie)
}

// CancelTimer implements nanoapp.Host.
func (r *Runtime) CancelTimer(ownerInstanceID, timerID uint32) error {
	return r.timers.Cancel(ownerInstanceID, timerID)
}

// ConfigureSensor implements nanoapp.Host.
func (r *Runtime) ConfigureSensor(ownerInstanceID uint32, t sensor.Type,
	req sensor.Request) error {
	return r.sensors.SetRequest(ownerInstanceID, t, req)
}

// ConfigureScanMonitor implements nanoapp.Host.
func (r *Runtime) ConfigureScanMonitor(ownerInstanceID uint32, enable bool, cookie any) error {
	return r.wifi.ConfigureScanMonitor(ownerInstanceID, enable, cookie)
}
