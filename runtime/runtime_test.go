package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/nanoapp"
	"github.com/c360/contexthub/sensor"
	"github.com/c360/contexthub/timer"
	"github.com/c360/contexthub/wifi"
)

// fakeSensorDriver is a minimal platform driver for integration tests.
type fakeSensorDriver struct {
	mu    sync.Mutex
	calls []sensor.Request
	sink  func(sensor.Sample)
}

func (d *fakeSensorDriver) ListSensors() ([]sensor.Type, error) {
	return []sensor.Type{sensor.Accelerometer, sensor.Gyroscope}, nil
}

func (d *fakeSensorDriver) SetRequest(_ sensor.Type, req sensor.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	return nil
}

func (d *fakeSensorDriver) SubscribeIndications(sink func(sensor.Sample)) {
	d.sink = sink
}

func (d *fakeSensorDriver) lastCall() (sensor.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return sensor.Request{}, false
	}
	return d.calls[len(d.calls)-1], true
}

type fakeWifiDriver struct {
	mu    sync.Mutex
	calls []bool
}

func (d *fakeWifiDriver) ConfigureScanMonitor(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, enable)
	return nil
}

func (d *fakeWifiDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// sensorApp subscribes to accelerometer samples on start.
type sensorApp struct {
	info    nanoapp.Info
	request sensor.Request
	samples chan sensor.Sample
	results chan wifi.AsyncResult
	timers  chan timer.Expiry
}

func newSensorApp(appID uint64) *sensorApp {
	return &sensorApp{
		info:    nanoapp.Info{AppID: appID, Version: 1},
		samples: make(chan sensor.Sample, 8),
		results: make(chan wifi.AsyncResult, 8),
		timers:  make(chan timer.Expiry, 8),
	}
}

func (a *sensorApp) Info() nanoapp.Info { return a.info }

func (a *sensorApp) Start(env *nanoapp.Env) bool {
	env.Subscribe(sensor.Accelerometer.SampleEventType())
	if a.request.Mode != sensor.Off {
		if err := env.ConfigureSensor(sensor.Accelerometer, a.request); err != nil {
			return false
		}
	}
	return true
}

func (a *sensorApp) HandleEvent(_ *nanoapp.Env, _ uint32, eventType uint16, data any) {
	switch eventType {
	case sensor.Accelerometer.SampleEventType():
		a.samples <- data.(sensor.Sample)
	case event.TypeWifiAsyncResult:
		a.results <- data.(wifi.AsyncResult)
	case event.TypeTimer:
		a.timers <- data.(timer.Expiry)
	}
}

func (a *sensorApp) End(*nanoapp.Env) {}

func startRuntime(t *testing.T) (*Runtime, *fakeSensorDriver, *fakeWifiDriver) {
	t.Helper()

	sensorDriver := &fakeSensorDriver{}
	wifiDriver := &fakeWifiDriver{}
	rt, err := New(sensorDriver, wifiDriver, nil)
	require.NoError(t, err)

	rt.Start()
	t.Cleanup(func() {
		require.NoError(t, rt.Stop(2*time.Second))
	})
	return rt, sensorDriver, wifiDriver
}

func TestSensorRequestFlowsToDriverAndSamplesFlowBack(t *testing.T) {
	rt, sensorDriver, _ := startRuntime(t)

	app := newSensorApp(0xA)
	app.request = sensor.Request{Mode: sensor.ActiveContinuous, Interval: 10 * time.Millisecond}
	_, err := rt.StartNanoapp(app)
	require.NoError(t, err)

	// The driver was programmed with the app's request.
	require.Eventually(t, func() bool {
		req, ok := sensorDriver.lastCall()
		return ok && req.Mode == sensor.ActiveContinuous
	}, time.Second, 5*time.Millisecond)

	// A platform sample fans out to the subscribed app.
	sensorDriver.sink(sensor.Sample{Sensor: sensor.Accelerometer, TimestampNs: 42,
		Values: []float32{0, 0, 9.8}})

	select {
	case sample := <-app.samples:
		assert.Equal(t, uint64(42), sample.TimestampNs)
	case <-time.After(time.Second):
		t.Fatal("sample never delivered")
	}
}

func TestScanMonitorRoundTrip(t *testing.T) {
	rt, _, wifiDriver := startRuntime(t)

	app := newSensorApp(0xB)
	id, err := rt.StartNanoapp(app)
	require.NoError(t, err)
	require.NotZero(t, id)

	ch := make(chan error, 1)
	require.NoError(t, rt.Loop().Defer(func() {
		ch <- rt.Wifi().ConfigureScanMonitor(id, true, "cookie")
	}))
	require.NoError(t, <-ch)

	require.Eventually(t, func() bool { return wifiDriver.callCount() == 1 },
		time.Second, 5*time.Millisecond)
	rt.Wifi().HandleScanMonitorStateChange(true, wifi.ErrorNone)

	select {
	case result := <-app.results:
		assert.True(t, result.Success)
		assert.Equal(t, "cookie", result.Cookie)
	case <-time.After(time.Second):
		t.Fatal("async result never delivered")
	}
}

func TestTimerExpiryDeliveredToCreator(t *testing.T) {
	rt, _, _ := startRuntime(t)

	app := newSensorApp(0xC)
	id, err := rt.StartNanoapp(app)
	require.NoError(t, err)

	timerID, err := rt.SetTimer(id, 10*time.Millisecond, true, "tick")
	require.NoError(t, err)

	select {
	case expiry := <-app.timers:
		assert.Equal(t, timerID, expiry.TimerID)
		assert.Equal(t, "tick", expiry.Cookie)
	case <-time.After(time.Second):
		t.Fatal("timer expiry never delivered")
	}
}

func TestUnloadReclaimsRequestsAndTimers(t *testing.T) {
	rt, sensorDriver, _ := startRuntime(t)

	app := newSensorApp(0xD)
	app.request = sensor.Request{Mode: sensor.ActiveContinuous, Interval: time.Millisecond}
	id, err := rt.StartNanoapp(app)
	require.NoError(t, err)

	_, err = rt.SetTimer(id, time.Hour, true, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rt.Timers().Active())

	require.NoError(t, rt.UnloadNanoapp(id, false))

	// The unload hook dropped the sensor request and cancelled the timer.
	assert.Equal(t, 0, rt.Timers().Active())
	require.Eventually(t, func() bool {
		req, ok := sensorDriver.lastCall()
		return ok && req.Mode == sensor.Off
	}, time.Second, 5*time.Millisecond)
}

func TestSendMessageToHostWithoutBridgeFails(t *testing.T) {
	rt, _, _ := startRuntime(t)
	err := rt.SendMessageToHost(1, 0, 0, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}
