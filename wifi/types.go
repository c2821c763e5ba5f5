// Package wifi implements the wifi request manager. Scan monitoring is a
// two-state resource shared by many nanoapps and driven by an asynchronous
// platform driver: configure calls return immediately and completions arrive
// later, so requests queue behind the single in-flight transition.
package wifi

import (
	"github.com/c360/contexthub/event"
)

// ErrorCode is the driver completion status surfaced to nanoapps in async
// results.
type ErrorCode uint8

const (
	ErrorNone ErrorCode = iota
	ErrorGeneric
	ErrorBusy
	ErrorTimeout
	ErrorNotSupported
)

// String returns the error code name.
func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorGeneric:
		return "error"
	case ErrorBusy:
		return "busy"
	case ErrorTimeout:
		return "timeout"
	case ErrorNotSupported:
		return "not supported"
	default:
		return "unknown"
	}
}

// Request types reported in async results.
const (
	RequestTypeConfigureScanMonitor uint8 = 1
)

// AsyncResult reports completion of an asynchronous wifi request. It is the
// payload of a TypeWifiAsyncResult event targeted at the requester.
type AsyncResult struct {
	RequestType uint8
	Success     bool
	ErrorCode   ErrorCode
	Cookie      any
}

// ScanEvent carries unsolicited scan results to monitoring nanoapps.
type ScanEvent struct {
	TimestampNs uint64
	ResultCount int
	Results     []ScanResult
}

// ScanResult is one observed network.
type ScanResult struct {
	SSID    string
	BSSID   [6]byte
	RSSIDbm int8
	Band    uint8
	Channel uint32
}

// Driver is the asynchronous platform capability set. ConfigureScanMonitor
// returns once the request is accepted; the eventual state change arrives
// through the manager's HandleScanMonitorStateChange.
type Driver interface {
	ConfigureScanMonitor(enable bool) error
}

// PostEventFunc posts an event into the event loop's inbound queue.
type PostEventFunc func(eventType uint16, data any, freeCallback event.FreeCallback,
	senderInstanceID, targetInstanceID uint32) error

// DeferFunc schedules fn to run on the event loop goroutine.
type DeferFunc func(fn func()) error
