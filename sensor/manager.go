package sensor

import (
	"log/slog"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/multiplexer"
)

// Driver is the platform capability set the request manager programs. The
// runtime depends only on this interface, never on a vendor RPC layer.
// SetRequest receives the merged maximal request each time it changes.
type Driver interface {
	// ListSensors enumerates the sensors the platform exposes.
	ListSensors() ([]Type, error)

	// SetRequest programs a sensor with the given merged request.
	SetRequest(t Type, req Request) error

	// SubscribeIndications registers the sink for asynchronous samples.
	// The driver may invoke the sink from any goroutine.
	SubscribeIndications(sink func(Sample))
}

// PostEventFunc posts an event into the event loop's inbound queue.
type PostEventFunc func(eventType uint16, data any, freeCallback event.FreeCallback,
	senderInstanceID, targetInstanceID uint32) error

// DeferFunc schedules fn to run on the event loop goroutine.
type DeferFunc func(fn func()) error

// sensorState tracks one sensor's multiplexer and the owning instance id of
// each request, parallel to the multiplexer's request order.
type sensorState struct {
	mux    *multiplexer.Multiplexer[Request]
	owners []uint32
}

// RequestManager multiplexes per-nanoapp sensor requests onto the platform
// driver. All methods except HandleSamples run on the event loop goroutine.
type RequestManager struct {
	driver    Driver
	postEvent PostEventFunc
	deferFn   DeferFunc
	logger    *slog.Logger

	sensors map[Type]*sensorState
}

// NewRequestManager creates a manager over driver. Samples the driver
// indicates are deferred onto the loop and fanned out as broadcast events.
func NewRequestManager(driver Driver, postEvent PostEventFunc, deferFn DeferFunc,
	logger *slog.Logger) (*RequestManager, error) {

	types, err := driver.ListSensors()
	if err != nil {
		return nil, errors.WrapFatal(err, "SensorRequestManager", "NewRequestManager", "list sensors")
	}

	m := &RequestManager{
		driver:    driver,
		postEvent: postEvent,
		deferFn:   deferFn,
		logger:    logger,
		sensors:   make(map[Type]*sensorState, len(types)),
	}
	for _, t := range types {
		if !t.Valid() {
			continue
		}
		m.sensors[t] = &sensorState{mux: multiplexer.New[Request]()}
	}

	driver.SubscribeIndications(m.HandleSamples)
	return m, nil
}

// HasSensor reports whether the platform exposes a sensor of type t.
func (m *RequestManager) HasSensor(t Type) bool {
	_, ok := m.sensors[t]
	return ok
}

// Sensors returns the sensor types the platform exposes.
func (m *RequestManager) Sensors() []Type {
	types := make([]Type, 0, len(m.sensors))
	for t := range m.sensors {
		types = append(types, t)
	}
	return types
}

// CurrentMaximal returns the merged request currently programmed for t.
func (m *RequestManager) CurrentMaximal(t Type) (Request, error) {
	state, ok := m.sensors[t]
	if !ok {
		return Request{}, errors.ErrSensorNotFound
	}
	return state.mux.CurrentMaximal(), nil
}

// SetRequest records instanceID's request for sensor t, recomputes the
// maximal, and reprograms the driver when the maximal changed. A zero
// request removes the client's slot. Driver failures revert the multiplexer
// edit and are returned to the caller.
func (m *RequestManager) SetRequest(instanceID uint32, t Type, req Request) error {
	state, ok := m.sensors[t]
	if !ok {
		return errors.ErrSensorNotFound
	}

	index := state.ownerIndex(instanceID)
	remove := req.Equivalent(Request{})

	var changed bool
	var prev Request
	switch {
	case index < 0 && remove:
		// No slot and nothing requested.
		return nil
	case index < 0:
		changed = state.mux.Add(req)
		state.owners = append(state.owners, instanceID)
	case remove:
		prev = state.mux.Requests()[index]
		changed = state.mux.Remove(index)
		state.owners = append(state.owners[:index], state.owners[index+1:]...)
	default:
		prev = state.mux.Requests()[index]
		if prev.Equivalent(req) {
			return nil
		}
		changed = state.mux.UpdateAt(index, req)
	}

	if !changed {
		return nil
	}

	if err := m.driver.SetRequest(t, state.mux.CurrentMaximal()); err != nil {
		// Revert the edit so the multiplexer still mirrors the driver.
		switch {
		case index < 0:
			state.mux.Remove(state.mux.Len() - 1)
			state.owners = state.owners[:len(state.owners)-1]
		case remove:
			state.mux.Add(prev)
			state.owners = append(state.owners, instanceID)
		default:
			state.mux.UpdateAt(index, prev)
		}
		m.logger.Error("sensor driver rejected request",
			"sensor", t.String(), "error", err)
		return errors.WrapTransient(err, "SensorRequestManager", "SetRequest", "apply maximal")
	}

	m.logger.Debug("sensor reconfigured",
		"sensor", t.String(),
		"mode", state.mux.CurrentMaximal().Mode.String(),
		"interval", state.mux.CurrentMaximal().Interval,
		"latency", state.mux.CurrentMaximal().Latency)
	return nil
}

// HandleSamples is the driver indication sink. It defers onto the event loop
// goroutine and may be called from any goroutine.
func (m *RequestManager) HandleSamples(sample Sample) {
	err := m.deferFn(func() {
		m.handleSampleSync(sample)
	})
	if err != nil {
		m.logger.Error("failed to defer sensor sample", "sensor", sample.Sensor.String(), "error", err)
	}
}

// handleSampleSync posts the sample to subscribers and retires one-shot
// requests now that their sample has arrived.
func (m *RequestManager) handleSampleSync(sample Sample) {
	state, ok := m.sensors[sample.Sensor]
	if !ok {
		m.logger.Warn("sample for unknown sensor", "sensor", sample.Sensor.String())
		return
	}

	err := m.postEvent(sample.Sensor.SampleEventType(), sample, nil,
		event.SystemInstanceID, event.BroadcastInstanceID)
	if err != nil {
		m.logger.Error("failed to post sensor sample",
			"sensor", sample.Sensor.String(), "error", err)
	}

	m.retireOneShots(sample.Sensor, state)
}

// retireOneShots removes all one-shot requests for a sensor and reprograms
// the driver if the maximal changed.
func (m *RequestManager) retireOneShots(t Type, state *sensorState) {
	changed := false
	for i := state.mux.Len() - 1; i >= 0; i-- {
		if state.mux.Requests()[i].Mode.IsOneShot() {
			changed = state.mux.Remove(i) || changed
			state.owners = append(state.owners[:i], state.owners[i+1:]...)
		}
	}
	if !changed {
		return
	}

	if err := m.driver.SetRequest(t, state.mux.CurrentMaximal()); err != nil {
		m.logger.Error("failed to reconfigure sensor after one-shot",
			"sensor", t.String(), "error", err)
	}
}

// RemoveAllRequests drops every request owned by instanceID across all
// sensors, reprogramming drivers whose maximal changed. Used when a nanoapp
// unloads without cleaning up its subscriptions.
func (m *RequestManager) RemoveAllRequests(instanceID uint32) {
	for t, state := range m.sensors {
		index := state.ownerIndex(instanceID)
		if index < 0 {
			continue
		}
		changed := state.mux.Remove(index)
		state.owners = append(state.owners[:index], state.owners[index+1:]...)
		if changed {
			if err := m.driver.SetRequest(t, state.mux.CurrentMaximal()); err != nil {
				m.logger.Error("failed to reconfigure sensor after unload",
					"sensor", t.String(), "error", err)
			}
		}
	}
}

func (s *sensorState) ownerIndex(instanceID uint32) int {
	for i, owner := range s.owners {
		if owner == instanceID {
			return i
		}
	}
	return -1
}
