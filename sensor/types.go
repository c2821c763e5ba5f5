// Package sensor provides the sensor taxonomy, the sensor request merge
// lattice, and the request manager that multiplexes client requests onto a
// platform driver.
package sensor

import (
	"github.com/c360/contexthub/event"
)

// Type enumerates the sensors the runtime understands. The ordinal is added
// to event.SensorDataEventBase to derive a sensor's sample event type, so
// values here are part of the wire contract and must not be reordered.
type Type uint8

const (
	Unknown Type = iota
	Accelerometer
	InstantMotion
	StationaryDetect
	Gyroscope
	GeomagneticField
	Pressure
	Light
	Proximity
	UncalibratedAccelerometer
	UncalibratedGyroscope
	UncalibratedGeomagneticField

	numTypes
)

// String returns the sensor type name.
func (t Type) String() string {
	switch t {
	case Unknown:
		return "Unknown"
	case Accelerometer:
		return "Accelerometer"
	case InstantMotion:
		return "Instant Motion"
	case StationaryDetect:
		return "Stationary Detect"
	case Gyroscope:
		return "Gyroscope"
	case GeomagneticField:
		return "Geomagnetic Field"
	case Pressure:
		return "Pressure"
	case Light:
		return "Light"
	case Proximity:
		return "Proximity"
	case UncalibratedAccelerometer:
		return "Uncalibrated Accelerometer"
	case UncalibratedGyroscope:
		return "Uncalibrated Gyroscope"
	case UncalibratedGeomagneticField:
		return "Uncalibrated Geomagnetic Field"
	default:
		return "Invalid"
	}
}

// Valid reports whether t names a concrete sensor.
func (t Type) Valid() bool {
	return t > Unknown && t < numTypes
}

// AllTypes returns every concrete sensor type.
func AllTypes() []Type {
	types := make([]Type, 0, numTypes-1)
	for t := Accelerometer; t < numTypes; t++ {
		types = append(types, t)
	}
	return types
}

// SampleEventType returns the event type carrying samples for this sensor.
func (t Type) SampleEventType() uint16 {
	return event.SensorDataEventBase + uint16(t)
}

// TypeForSampleEvent inverts SampleEventType, returning Unknown for event
// types outside the sensor sample range.
func TypeForSampleEvent(eventType uint16) Type {
	if eventType < event.SensorDataEventBase {
		return Unknown
	}
	ordinal := eventType - event.SensorDataEventBase
	if ordinal >= uint16(numTypes) {
		return Unknown
	}
	return Type(ordinal)
}

// Sample is one reading from a platform sensor, delivered to subscribed
// nanoapps as the sensor's sample event payload.
type Sample struct {
	Sensor      Type
	TimestampNs uint64
	Values      []float32
}
