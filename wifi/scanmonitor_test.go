package wifi

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
)

type fakeWifiDriver struct {
	calls    []bool
	failNext bool
}

func (d *fakeWifiDriver) ConfigureScanMonitor(enable bool) error {
	if d.failNext {
		d.failNext = false
		return fmt.Errorf("firmware busy")
	}
	d.calls = append(d.calls, enable)
	return nil
}

type asyncEvent struct {
	target uint32
	result AsyncResult
}

func newTestManager() (*Manager, *fakeWifiDriver, *[]asyncEvent) {
	driver := &fakeWifiDriver{}
	var results []asyncEvent

	post := func(eventType uint16, data any, _ event.FreeCallback, _, target uint32) error {
		if eventType == event.TypeWifiAsyncResult {
			results = append(results, asyncEvent{target: target, result: data.(AsyncResult)})
		}
		return nil
	}
	deferFn := func(fn func()) error {
		fn()
		return nil
	}

	return NewManager(driver, post, deferFn, slog.Default()), driver, &results
}

func TestEnableCallsDriverAndCompletes(t *testing.T) {
	m, driver, results := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, "c1"))
	require.Equal(t, []bool{true}, driver.calls)
	assert.Empty(t, *results, "no result until the driver completes")
	assert.False(t, m.ScanMonitorEnabled())

	m.HandleScanMonitorStateChange(true, ErrorNone)

	require.Len(t, *results, 1)
	got := (*results)[0]
	assert.Equal(t, uint32(1), got.target)
	assert.True(t, got.result.Success)
	assert.Equal(t, "c1", got.result.Cookie)
	assert.Equal(t, []uint32{1}, m.MonitoringApps())
}

func TestCoalescedEnablesShareOneDriverCall(t *testing.T) {
	m, driver, results := newTestManager()

	// X requests enable, Y requests enable before the completion arrives.
	require.NoError(t, m.ConfigureScanMonitor(1, true, "x"))
	require.NoError(t, m.ConfigureScanMonitor(2, true, "y"))
	require.Equal(t, []bool{true}, driver.calls, "driver called exactly once")

	m.HandleScanMonitorStateChange(true, ErrorNone)

	// Both requesters receive success and both are monitoring.
	require.Len(t, *results, 2)
	assert.Equal(t, uint32(1), (*results)[0].target)
	assert.True(t, (*results)[0].result.Success)
	assert.Equal(t, uint32(2), (*results)[1].target)
	assert.True(t, (*results)[1].result.Success)
	assert.ElementsMatch(t, []uint32{1, 2}, m.MonitoringApps())
	assert.Len(t, driver.calls, 1)
}

func TestEnableWhileEnabledSucceedsImmediately(t *testing.T) {
	m, driver, results := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, nil))
	m.HandleScanMonitorStateChange(true, ErrorNone)
	require.Len(t, driver.calls, 1)

	require.NoError(t, m.ConfigureScanMonitor(2, true, "sync"))

	// No new driver call; the second requester got a synchronous success.
	assert.Len(t, driver.calls, 1)
	require.Len(t, *results, 2)
	assert.True(t, (*results)[1].result.Success)
	assert.ElementsMatch(t, []uint32{1, 2}, m.MonitoringApps())
}

func TestDisableFromNonLastRequesterIsImmediate(t *testing.T) {
	m, driver, results := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, nil))
	m.HandleScanMonitorStateChange(true, ErrorNone)
	require.NoError(t, m.ConfigureScanMonitor(2, true, nil))
	require.Len(t, driver.calls, 1)

	require.NoError(t, m.ConfigureScanMonitor(1, false, nil))

	// Still enabled for the remaining requester, no driver transition.
	assert.Len(t, driver.calls, 1)
	assert.Equal(t, []uint32{2}, m.MonitoringApps())
	assert.True(t, m.ScanMonitorEnabled())
	assert.Len(t, *results, 3)
}

func TestDisableFromLastRequesterTransitionsDriver(t *testing.T) {
	m, driver, results := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, nil))
	m.HandleScanMonitorStateChange(true, ErrorNone)

	require.NoError(t, m.ConfigureScanMonitor(1, false, "bye"))
	require.Equal(t, []bool{true, false}, driver.calls)

	m.HandleScanMonitorStateChange(false, ErrorNone)

	require.Len(t, *results, 2)
	assert.True(t, (*results)[1].result.Success)
	assert.Empty(t, m.MonitoringApps())
	assert.False(t, m.ScanMonitorEnabled())
}

func TestDriverSynchronousFailurePopsEntry(t *testing.T) {
	m, driver, results := newTestManager()

	driver.failNext = true
	err := m.ConfigureScanMonitor(1, true, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, *results)
	assert.False(t, m.ScanMonitorEnabled())

	// The queue is clean; a later request proceeds normally.
	require.NoError(t, m.ConfigureScanMonitor(1, true, nil))
	m.HandleScanMonitorStateChange(true, ErrorNone)
	assert.Equal(t, []uint32{1}, m.MonitoringApps())
}

func TestCompletionErrorReportsFailure(t *testing.T) {
	m, _, results := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, "c"))
	m.HandleScanMonitorStateChange(false, ErrorTimeout)

	require.Len(t, *results, 1)
	got := (*results)[0].result
	assert.False(t, got.Success)
	assert.Equal(t, ErrorTimeout, got.ErrorCode)
	assert.Empty(t, m.MonitoringApps())
}

func TestCompletionStateMismatchIsFailure(t *testing.T) {
	m, _, results := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, nil))
	// Driver reports no error but the wrong resulting state.
	m.HandleScanMonitorStateChange(false, ErrorNone)

	require.Len(t, *results, 1)
	assert.False(t, (*results)[0].result.Success)
	assert.Empty(t, m.MonitoringApps())
}

func TestQueuedDisableAfterEnableRunsSecondTransition(t *testing.T) {
	m, driver, results := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, nil))
	// Queued behind the in-flight enable: the same app wants back out.
	require.NoError(t, m.ConfigureScanMonitor(1, false, nil))
	require.Len(t, driver.calls, 1)

	m.HandleScanMonitorStateChange(true, ErrorNone)

	// The queued disable now requires its own transition.
	require.Equal(t, []bool{true, false}, driver.calls)
	require.Len(t, *results, 1, "disable result waits for its completion")

	m.HandleScanMonitorStateChange(false, ErrorNone)
	require.Len(t, *results, 2)
	assert.True(t, (*results)[1].result.Success)
	assert.Empty(t, m.MonitoringApps())
}

func TestEveryConfigureProducesExactlyOneResult(t *testing.T) {
	m, _, results := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, nil))
	require.NoError(t, m.ConfigureScanMonitor(2, true, nil))
	require.NoError(t, m.ConfigureScanMonitor(3, true, nil))
	m.HandleScanMonitorStateChange(true, ErrorNone)

	require.NoError(t, m.ConfigureScanMonitor(2, false, nil))
	require.NoError(t, m.ConfigureScanMonitor(1, false, nil))
	require.NoError(t, m.ConfigureScanMonitor(3, false, nil))
	m.HandleScanMonitorStateChange(false, ErrorNone)

	// Six configure calls, six results, and the final monitoring set is the
	// successful enables minus the successful disables.
	assert.Len(t, *results, 6)
	assert.Empty(t, m.MonitoringApps())
}

func TestCompletionWithoutTransitionIsIgnored(t *testing.T) {
	m, _, results := newTestManager()
	m.HandleScanMonitorStateChange(true, ErrorNone)
	assert.Empty(t, *results)
	assert.False(t, m.ScanMonitorEnabled())
}

func TestRemoveAllRequestsDropsMonitor(t *testing.T) {
	m, driver, _ := newTestManager()

	require.NoError(t, m.ConfigureScanMonitor(1, true, nil))
	m.HandleScanMonitorStateChange(true, ErrorNone)

	m.RemoveAllRequests(1)
	require.Equal(t, []bool{true, false}, driver.calls)
	m.HandleScanMonitorStateChange(false, ErrorNone)

	assert.Empty(t, m.MonitoringApps())
	assert.False(t, m.ScanMonitorEnabled())
}

func TestRemoveAllRequestsNoopWithoutInterest(t *testing.T) {
	m, driver, _ := newTestManager()
	m.RemoveAllRequests(42)
	assert.Empty(t, driver.calls)
}

func TestScanEventBroadcast(t *testing.T) {
	driver := &fakeWifiDriver{}
	var broadcasts []any
	post := func(eventType uint16, data any, _ event.FreeCallback, _, target uint32) error {
		if eventType == event.TypeWifiScanEvent {
			assert.Equal(t, event.BroadcastInstanceID, target)
			broadcasts = append(broadcasts, data)
		}
		return nil
	}
	m := NewManager(driver, post, func(fn func()) error { fn(); return nil }, slog.Default())

	m.HandleScanEvent(ScanEvent{TimestampNs: 99, ResultCount: 1,
		Results: []ScanResult{{SSID: "lab", RSSIDbm: -40}}})

	require.Len(t, broadcasts, 1)
	scan := broadcasts[0].(ScanEvent)
	assert.Equal(t, uint64(99), scan.TimestampNs)
}
