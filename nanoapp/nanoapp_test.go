package nanoapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/sensor"
)

// stubApp counts entry point invocations.
type stubApp struct {
	info    Info
	handled []uint16
}

func (a *stubApp) Info() Info      { return a.info }
func (a *stubApp) Start(*Env) bool { return true }
func (a *stubApp) End(*Env)        {}

func (a *stubApp) HandleEvent(_ *Env, _ uint32, eventType uint16, _ any) {
	a.handled = append(a.handled, eventType)
}

// recordingHost captures Host calls made through an Env.
type recordingHost struct {
	postedEvents  []uint16
	sentMessages  []uint64
	timersSet     int
	timersCancel  int
	sensorConfigs int
	scanConfigs   int
}

func (h *recordingHost) PostEvent(eventType uint16, _ any, _ event.FreeCallback, _, _ uint32) error {
	h.postedEvents = append(h.postedEvents, eventType)
	return nil
}

func (h *recordingHost) SendMessageToHost(appID uint64, _ uint16, _ uint32, _ []byte) error {
	h.sentMessages = append(h.sentMessages, appID)
	return nil
}

func (h *recordingHost) SetTimer(uint32, time.Duration, bool, any) (uint32, error) {
	h.timersSet++
	return 1, nil
}

func (h *recordingHost) CancelTimer(uint32, uint32) error {
	h.timersCancel++
	return nil
}

func (h *recordingHost) ConfigureSensor(uint32, sensor.Type, sensor.Request) error {
	h.sensorConfigs++
	return nil
}

func (h *recordingHost) ConfigureScanMonitor(uint32, bool, any) error {
	h.scanConfigs++
	return nil
}

func newRecord(appID uint64) (*Record, *stubApp) {
	app := &stubApp{info: Info{AppID: appID, Version: 1}}
	record := NewRecord(app, 4)
	record.SetInstanceID(7)
	return record, app
}

func TestBroadcastRegistration(t *testing.T) {
	record, _ := newRecord(0xA)

	assert.False(t, record.IsRegisteredForBroadcastEvent(0x100))
	record.RegisterForBroadcastEvent(0x100)
	assert.True(t, record.IsRegisteredForBroadcastEvent(0x100))
	record.UnregisterForBroadcastEvent(0x100)
	assert.False(t, record.IsRegisteredForBroadcastEvent(0x100))
}

func TestProcessNextEventInvokesHandler(t *testing.T) {
	record, app := newRecord(0xA)
	record.SetEnv(NewEnv(record, &recordingHost{}, func(*Record) bool { return false }))

	e := &event.Event{Type: 0x300}
	require.NoError(t, record.PostEvent(e))
	assert.True(t, record.HasPendingEvent())

	got := record.ProcessNextEvent()
	assert.Same(t, e, got)
	assert.Equal(t, []uint16{0x300}, app.handled)
	assert.False(t, record.HasPendingEvent())

	assert.Nil(t, record.ProcessNextEvent())
}

func TestEnvAttributesCallsToApp(t *testing.T) {
	record, _ := newRecord(0xBEEF)
	host := &recordingHost{}
	env := NewEnv(record, host, func(*Record) bool { return false })
	record.SetEnv(env)

	assert.Equal(t, uint32(7), env.InstanceID())
	assert.Equal(t, uint64(0xBEEF), env.AppID())

	require.NoError(t, env.PostEvent(0x200, nil, nil, event.BroadcastInstanceID))
	require.NoError(t, env.SendMessageToHost(0, 1, nil))
	_, err := env.SetTimer(time.Second, true, nil)
	require.NoError(t, err)
	require.NoError(t, env.CancelTimer(1))
	require.NoError(t, env.ConfigureSensor(sensor.Accelerometer, sensor.Request{Mode: sensor.ActiveContinuous}))
	require.NoError(t, env.ConfigureScanMonitor(true, nil))

	assert.Equal(t, []uint16{0x200}, host.postedEvents)
	assert.Equal(t, []uint64{0xBEEF}, host.sentMessages)
	assert.Equal(t, 1, host.timersSet)
	assert.Equal(t, 1, host.timersCancel)
	assert.Equal(t, 1, host.sensorConfigs)
	assert.Equal(t, 1, host.scanConfigs)
}

func TestEnvRejectsCallsWhileStopping(t *testing.T) {
	record, _ := newRecord(0xA)
	host := &recordingHost{}
	stopping := false
	env := NewEnv(record, host, func(*Record) bool { return stopping })

	stopping = true
	assert.ErrorIs(t, env.PostEvent(0x100, nil, nil, event.BroadcastInstanceID), errors.ErrStopping)
	assert.ErrorIs(t, env.SendMessageToHost(0, 0, nil), errors.ErrStopping)
	_, err := env.SetTimer(time.Second, true, nil)
	assert.ErrorIs(t, err, errors.ErrStopping)
	assert.ErrorIs(t, env.ConfigureSensor(sensor.Gyroscope, sensor.Request{}), errors.ErrStopping)
	assert.ErrorIs(t, env.ConfigureScanMonitor(false, nil), errors.ErrStopping)

	// Cancelling a timer is still allowed during teardown.
	assert.NoError(t, env.CancelTimer(1))

	assert.Empty(t, host.postedEvents)
	assert.Empty(t, host.sentMessages)
	assert.Zero(t, host.timersSet)
}

func TestQueueCapacityEnforced(t *testing.T) {
	record, _ := newRecord(0xA)

	for i := 0; i < 4; i++ {
		require.NoError(t, record.PostEvent(&event.Event{Type: uint16(i)}))
	}
	err := record.PostEvent(&event.Event{Type: 0x99})
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.Equal(t, 4, record.PendingEventCount())
}
