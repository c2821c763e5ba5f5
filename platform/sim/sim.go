// Package sim provides simulated platform drivers for development hosts
// with no sensor DSP or wifi firmware: samples are synthesized on a ticker
// at the programmed interval and scan-monitor transitions complete
// asynchronously with success.
package sim

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/contexthub/sensor"
	"github.com/c360/contexthub/wifi"
)

// SensorDriver synthesizes samples for every sensor the runtime programs
// into an active mode.
type SensorDriver struct {
	logger *slog.Logger

	mu      sync.Mutex
	sink    func(sensor.Sample)
	tickers map[sensor.Type]*time.Ticker
	stops   map[sensor.Type]chan struct{}
}

// NewSensorDriver creates an idle simulated sensor driver.
func NewSensorDriver(logger *slog.Logger) *SensorDriver {
	return &SensorDriver{
		logger:  logger,
		tickers: make(map[sensor.Type]*time.Ticker),
		stops:   make(map[sensor.Type]chan struct{}),
	}
}

// ListSensors implements sensor.Driver.
func (d *SensorDriver) ListSensors() ([]sensor.Type, error) {
	return sensor.AllTypes(), nil
}

// SubscribeIndications implements sensor.Driver.
func (d *SensorDriver) SubscribeIndications(sink func(sensor.Sample)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// SetRequest implements sensor.Driver: active modes start a sample ticker
// at the requested interval, Off stops it.
func (d *SensorDriver) SetRequest(t sensor.Type, req sensor.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked(t)
	if !req.Mode.IsActive() {
		return nil
	}

	interval := req.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	d.tickers[t] = ticker
	d.stops[t] = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				d.emit(t, now)
			}
		}
	}()

	d.logger.Debug("simulated sensor enabled",
		"sensor", t.String(), "interval", interval)
	return nil
}

// Stop halts every ticker.
func (d *SensorDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for t := range d.tickers {
		d.stopLocked(t)
	}
}

func (d *SensorDriver) stopLocked(t sensor.Type) {
	if ticker, ok := d.tickers[t]; ok {
		ticker.Stop()
		close(d.stops[t])
		delete(d.tickers, t)
		delete(d.stops, t)
	}
}

func (d *SensorDriver) emit(t sensor.Type, now time.Time) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return
	}

	sink(sensor.Sample{
		Sensor:      t,
		TimestampNs: uint64(now.UnixNano()),
		Values:      []float32{0, 0, 0},
	})
}

// WifiDriver completes every scan-monitor transition asynchronously with
// success after a short delay.
type WifiDriver struct {
	logger *slog.Logger

	mu      sync.Mutex
	manager *wifi.Manager
	latency time.Duration
}

// NewWifiDriver creates a simulated wifi driver with the given completion
// latency.
func NewWifiDriver(latency time.Duration, logger *slog.Logger) *WifiDriver {
	if latency <= 0 {
		latency = 10 * time.Millisecond
	}
	return &WifiDriver{logger: logger, latency: latency}
}

// Bind points completions at the owning manager. Must be called before the
// first ConfigureScanMonitor.
func (d *WifiDriver) Bind(manager *wifi.Manager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manager = manager
}

// ConfigureScanMonitor implements wifi.Driver.
func (d *WifiDriver) ConfigureScanMonitor(enable bool) error {
	d.mu.Lock()
	manager := d.manager
	latency := d.latency
	d.mu.Unlock()

	time.AfterFunc(latency, func() {
		if manager != nil {
			manager.HandleScanMonitorStateChange(enable, wifi.ErrorNone)
		}
	})
	return nil
}
