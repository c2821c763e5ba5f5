package event

// Reserved instance ids. The system id identifies the runtime itself as a
// sender; the broadcast id targets every nanoapp registered for the event
// type. The broadcast value doubles as the invalid sentinel when used in the
// context of a specific nanoapp.
const (
	SystemInstanceID    uint32 = 0
	BroadcastInstanceID uint32 = 0xFFFFFFFF
	InvalidInstanceID   uint32 = BroadcastInstanceID
)

// Event type numbering. 0x0000-0x00FF is reserved for the runtime,
// 0x0100-0x01FF for sensor sample events (offset by sensor type ordinal),
// and 0x0200 onward for wifi, wwan, and host traffic.
const (
	// TypeNone is the reserved zero event type; the runtime posts no event
	// of this type (Stop wakes the loop by closing its stop channel).
	TypeNone uint16 = 0x0000
	// TypeTimer carries a fired timer's callback to the event loop.
	TypeTimer uint16 = 0x0001
	// TypeSystemCallback carries a deferred runtime callback.
	TypeSystemCallback uint16 = 0x0002
	// TypeMessageFromHost delivers a host bridge message to a nanoapp.
	TypeMessageFromHost uint16 = 0x0003

	// SensorDataEventBase is the first sensor sample event type. A sample
	// for a given sensor is posted as SensorDataEventBase + ordinal.
	SensorDataEventBase uint16 = 0x0100

	// TypeWifiAsyncResult reports completion of an asynchronous wifi request.
	TypeWifiAsyncResult uint16 = 0x0200
	// TypeWifiScanEvent delivers unsolicited scan results to monitors.
	TypeWifiScanEvent uint16 = 0x0201
)

// FreeCallback releases an event's payload. It is invoked exactly once, on
// the event loop goroutine, when the last reference to the event drops.
type FreeCallback func(eventType uint16, data any)
