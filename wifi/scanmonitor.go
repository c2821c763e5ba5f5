package wifi

import (
	"log/slog"

	"github.com/eapache/queue"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
)

// transition is one queued (requester, desired state, cookie) entry. The
// head of the queue is the transition in flight against the driver.
type transition struct {
	instanceID uint32
	enable     bool
	cookie     any
}

// Manager owns the scan monitor state machine. All methods except
// HandleScanMonitorStateChange and HandleScanEvent run on the event loop
// goroutine.
type Manager struct {
	driver  Driver
	post    PostEventFunc
	deferFn DeferFunc
	logger  *slog.Logger

	// Instance ids with an active monitor request. The monitor is enabled
	// iff this list is non-empty.
	monitorApps []uint32

	// FIFO of pending transitions; at most the head is in flight.
	pending *queue.Queue
}

// NewManager creates a wifi request manager over driver.
func NewManager(driver Driver, post PostEventFunc, deferFn DeferFunc, logger *slog.Logger) *Manager {
	return &Manager{
		driver:  driver,
		post:    post,
		deferFn: deferFn,
		logger:  logger,
		pending: queue.New(),
	}
}

// ScanMonitorEnabled reports whether any nanoapp holds a monitor request.
func (m *Manager) ScanMonitorEnabled() bool {
	return len(m.monitorApps) > 0
}

// MonitoringApps returns the instance ids currently monitoring.
func (m *Manager) MonitoringApps() []uint32 {
	return append([]uint32(nil), m.monitorApps...)
}

// ConfigureScanMonitor requests enabling or disabling scan monitoring for a
// nanoapp. Every accepted call produces exactly one async-result event to
// the requester, either immediately (already in the requested state) or
// when the driver completes the transition.
func (m *Manager) ConfigureScanMonitor(instanceID uint32, enable bool, cookie any) error {
	hasRequest := m.nanoappHasMonitorRequest(instanceID) >= 0

	switch {
	case m.pending.Length() > 0:
		// A transition is already in flight; queue behind it.
		m.enqueueTransition(instanceID, enable, cookie)
		return nil

	case m.inRequestedState(enable, hasRequest):
		// Already there; post a synchronous success.
		return m.postAsyncResult(instanceID, true, enable, ErrorNone, cookie)

	case m.transitionRequired(enable, hasRequest):
		m.enqueueTransition(instanceID, enable, cookie)
		if err := m.driver.ConfigureScanMonitor(enable); err != nil {
			// Synchronous driver failure: drop the entry and report.
			m.pending.Remove()
			m.logger.Error("scan monitor driver call failed",
				"instance_id", instanceID, "enable", enable, "error", err)
			return errors.WrapTransient(err, "WifiRequestManager", "ConfigureScanMonitor", "driver call")
		}
		return nil

	default:
		m.logger.Error("invalid scan monitor configuration",
			"instance_id", instanceID, "enable", enable, "has_request", hasRequest)
		return errors.Wrap(errors.ErrInvalidState, "WifiRequestManager", "ConfigureScanMonitor", "state check")
	}
}

// HandleScanMonitorStateChange is the driver completion callback. Safe from
// any goroutine; the state machine advances on the loop goroutine.
func (m *Manager) HandleScanMonitorStateChange(enabled bool, errorCode ErrorCode) {
	err := m.deferFn(func() {
		m.handleScanMonitorStateChangeSync(enabled, errorCode)
	})
	if err != nil {
		m.logger.Error("failed to defer scan monitor state change", "error", err)
	}
}

// HandleScanEvent fans unsolicited scan results out to monitoring nanoapps.
// Safe from any goroutine.
func (m *Manager) HandleScanEvent(scan ScanEvent) {
	err := m.post(event.TypeWifiScanEvent, scan, nil,
		event.SystemInstanceID, event.BroadcastInstanceID)
	if err != nil {
		m.logger.Error("failed to post scan event", "error", err)
	}
}

// RemoveAllRequests drops an unloading nanoapp's monitor interest through
// the regular configure flow; the resulting async event targets a dead
// instance and is dropped by the loop.
func (m *Manager) RemoveAllRequests(instanceID uint32) {
	hasRequest := m.nanoappHasMonitorRequest(instanceID) >= 0
	hasQueued := false
	for i := 0; i < m.pending.Length(); i++ {
		if m.pending.Get(i).(transition).instanceID == instanceID {
			hasQueued = true
			break
		}
	}
	if !hasRequest && !hasQueued {
		return
	}
	if err := m.ConfigureScanMonitor(instanceID, false, nil); err != nil {
		m.logger.Error("failed to drop scan monitor request during unload",
			"instance_id", instanceID, "error", err)
	}
}

// handleScanMonitorStateChangeSync advances the state machine: settle the
// in-flight head, then service queued entries until one requires a new
// driver transition.
func (m *Manager) handleScanMonitorStateChangeSync(enabled bool, errorCode ErrorCode) {
	if m.pending.Length() == 0 {
		m.logger.Error("scan monitor state change with no pending transition",
			"enabled", enabled, "error_code", errorCode.String())
		return
	}

	head := m.pending.Peek().(transition)
	success := errorCode == ErrorNone && head.enable == enabled
	m.mustPostAsyncResult(head.instanceID, success, head.enable, errorCode, head.cookie)
	m.pending.Remove()

	for m.pending.Length() > 0 {
		next := m.pending.Peek().(transition)
		hasRequest := m.nanoappHasMonitorRequest(next.instanceID) >= 0

		switch {
		case m.inRequestedState(next.enable, hasRequest):
			m.mustPostAsyncResult(next.instanceID, true, next.enable, ErrorNone, next.cookie)

		case m.transitionRequired(next.enable, hasRequest):
			if err := m.driver.ConfigureScanMonitor(next.enable); err == nil {
				// Transition in flight; wait for the next completion.
				return
			}
			m.logger.Error("scan monitor driver call failed",
				"instance_id", next.instanceID, "enable", next.enable)
			m.mustPostAsyncResult(next.instanceID, false, next.enable, ErrorGeneric, next.cookie)

		default:
			m.logger.Error("invalid scan monitor state while servicing queue",
				"instance_id", next.instanceID, "enable", next.enable)
			return
		}

		m.pending.Remove()
	}
}

// inRequestedState reports whether a request is already satisfied without a
// driver transition: the monitor is in the requested state, or a disable
// from a requester whose removal leaves other requesters.
func (m *Manager) inRequestedState(enable, hasRequest bool) bool {
	return enable == m.ScanMonitorEnabled() ||
		(!enable && (!hasRequest || len(m.monitorApps) > 1))
}

// transitionRequired reports whether satisfying the request needs a driver
// call: the first enable, or a disable from the last requester.
func (m *Manager) transitionRequired(enable, hasRequest bool) bool {
	return (enable && len(m.monitorApps) == 0) ||
		(!enable && hasRequest && len(m.monitorApps) == 1)
}

func (m *Manager) enqueueTransition(instanceID uint32, enable bool, cookie any) {
	m.pending.Add(transition{instanceID: instanceID, enable: enable, cookie: cookie})
}

// nanoappHasMonitorRequest returns the index of instanceID in the monitor
// list, or -1.
func (m *Manager) nanoappHasMonitorRequest(instanceID uint32) int {
	for i, id := range m.monitorApps {
		if id == instanceID {
			return i
		}
	}
	return -1
}

// updateMonitorList records a successful enable or disable for a nanoapp.
func (m *Manager) updateMonitorList(enable bool, instanceID uint32) bool {
	index := m.nanoappHasMonitorRequest(instanceID)
	if enable {
		if index < 0 {
			m.monitorApps = append(m.monitorApps, instanceID)
		}
		return true
	}
	if index < 0 {
		m.logger.Error("scan monitor disable for non-monitoring nanoapp",
			"instance_id", instanceID)
		return false
	}
	m.monitorApps = append(m.monitorApps[:index], m.monitorApps[index+1:]...)
	return true
}

// postAsyncResult updates the monitor list on success and posts the async
// result event to the requester.
func (m *Manager) postAsyncResult(instanceID uint32, success, enable bool,
	errorCode ErrorCode, cookie any) error {

	if success && !m.updateMonitorList(enable, instanceID) {
		return errors.Wrap(errors.ErrInvalidState, "WifiRequestManager", "postAsyncResult", "update monitor list")
	}

	result := AsyncResult{
		RequestType: RequestTypeConfigureScanMonitor,
		Success:     success,
		ErrorCode:   errorCode,
		Cookie:      cookie,
	}
	return m.post(event.TypeWifiAsyncResult, result, nil,
		event.SystemInstanceID, instanceID)
}

// mustPostAsyncResult posts an async result; a failure here would leave a
// requester without its result event, so it is logged loudly.
func (m *Manager) mustPostAsyncResult(instanceID uint32, success, enable bool,
	errorCode ErrorCode, cookie any) {

	if err := m.postAsyncResult(instanceID, success, enable, errorCode, cookie); err != nil {
		m.logger.Error("failed to post scan monitor async result",
			"instance_id", instanceID, "error", err)
	}
}
