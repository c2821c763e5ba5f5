// Package protocol implements the framed envelope codec spoken between the
// hub runtime and the host daemon. Envelopes are length-delimited tagged
// unions: a fixed header names the message type, and the body is a sequence
// of (tag, length, value) fields so decoders can skip fields they don't
// know, keeping the format forward compatible.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/c360/contexthub/errors"
)

// Wire constants.
const (
	// Version is the envelope format version carried in every header.
	Version uint8 = 1

	// MaxMessageLen is the socket MTU; no envelope may exceed it.
	MaxMessageLen = 4096

	// HostEndpointUnspecified is the reserved sentinel for messages not
	// addressed to a specific host-side endpoint.
	HostEndpointUnspecified uint16 = 0xFFFE

	headerLen = 4 // version(1) + type(1) + body length(2)
)

// MessageType tags the envelope union.
type MessageType uint8

const (
	TypeHubInfoRequest MessageType = iota + 1
	TypeHubInfoResponse
	TypeNanoappListRequest
	TypeNanoappListResponse
	TypeNanoappMessage
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeHubInfoRequest:
		return "HubInfoRequest"
	case TypeHubInfoResponse:
		return "HubInfoResponse"
	case TypeNanoappListRequest:
		return "NanoappListRequest"
	case TypeNanoappListResponse:
		return "NanoappListResponse"
	case TypeNanoappMessage:
		return "NanoappMessage"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Message is one decoded envelope body.
type Message interface {
	Type() MessageType
}

// HubInfoRequest asks the hub to describe itself.
type HubInfoRequest struct{}

// Type implements Message.
func (HubInfoRequest) Type() MessageType { return TypeHubInfoRequest }

// HubInfoResponse describes the hub platform.
type HubInfoResponse struct {
	Name                   string
	Vendor                 string
	Toolchain              string
	LegacyPlatformVersion  uint32
	LegacyToolchainVersion uint32
	PeakMips               float32
	StoppedPowerMw         float32
	SleepPowerMw           float32
	PeakPowerMw            float32
	MaxMessageLen          uint32
	PlatformID             uint64
	Version                uint32
}

// Type implements Message.
func (HubInfoResponse) Type() MessageType { return TypeHubInfoResponse }

// NanoappListRequest asks for the set of loaded nanoapps.
type NanoappListRequest struct{}

// Type implements Message.
func (NanoappListRequest) Type() MessageType { return TypeNanoappListRequest }

// NanoappListEntry describes one loaded nanoapp.
type NanoappListEntry struct {
	AppID    uint64
	Version  uint32
	Enabled  bool
	IsSystem bool
}

// NanoappListResponse lists the loaded nanoapps.
type NanoappListResponse struct {
	Entries []NanoappListEntry
}

// Type implements Message.
func (NanoappListResponse) Type() MessageType { return TypeNanoappListResponse }

// NanoappMessage carries nanoapp traffic in either direction.
type NanoappMessage struct {
	AppID        uint64
	HostEndpoint uint16
	MessageType  uint32
	Payload      []byte
}

// Type implements Message.
func (NanoappMessage) Type() MessageType { return TypeNanoappMessage }

// Field tags. Tags are scoped per message type.
const (
	hubInfoTagName                   uint8 = 1
	hubInfoTagVendor                 uint8 = 2
	hubInfoTagToolchain              uint8 = 3
	hubInfoTagLegacyPlatformVersion  uint8 = 4
	hubInfoTagLegacyToolchainVersion uint8 = 5
	hubInfoTagPeakMips               uint8 = 6
	hubInfoTagStoppedPowerMw         uint8 = 7
	hubInfoTagSleepPowerMw           uint8 = 8
	hubInfoTagPeakPowerMw            uint8 = 9
	hubInfoTagMaxMessageLen          uint8 = 10
	hubInfoTagPlatformID             uint8 = 11
	hubInfoTagVersion                uint8 = 12

	listTagEntry uint8 = 1

	entryTagAppID    uint8 = 1
	entryTagVersion  uint8 = 2
	entryTagEnabled  uint8 = 3
	entryTagIsSystem uint8 = 4

	msgTagAppID        uint8 = 1
	msgTagHostEndpoint uint8 = 2
	msgTagMessageType  uint8 = 3
	msgTagPayload      uint8 = 4
)

// Encode serializes a message into one framed envelope.
func Encode(msg Message) ([]byte, error) {
	var body []byte
	switch m := msg.(type) {
	case HubInfoRequest, *HubInfoRequest, NanoappListRequest, *NanoappListRequest:
		// Empty body.
	case HubInfoResponse:
		body = encodeHubInfoResponse(m)
	case *HubInfoResponse:
		body = encodeHubInfoResponse(*m)
	case NanoappListResponse:
		body = encodeNanoappListResponse(m)
	case *NanoappListResponse:
		body = encodeNanoappListResponse(*m)
	case NanoappMessage:
		body = encodeNanoappMessage(m)
	case *NanoappMessage:
		body = encodeNanoappMessage(*m)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported message type %T", msg),
			"protocol", "Encode", "message dispatch")
	}

	if headerLen+len(body) > MaxMessageLen {
		return nil, errors.WrapInvalid(
			fmt.Errorf("envelope length %d exceeds MTU %d", headerLen+len(body), MaxMessageLen),
			"protocol", "Encode", "length check")
	}

	frame := make([]byte, headerLen, headerLen+len(body))
	frame[0] = Version
	frame[1] = uint8(msg.Type())
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(body)))
	return append(frame, body...), nil
}

// Decode parses one framed envelope.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerLen {
		return nil, errors.Wrap(errors.ErrMalformedEnvelope, "protocol", "Decode", "header read")
	}
	if frame[0] != Version {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported envelope version %d", frame[0]),
			"protocol", "Decode", "version check")
	}

	bodyLen := int(binary.LittleEndian.Uint16(frame[2:4]))
	if headerLen+bodyLen > len(frame) {
		return nil, errors.Wrap(errors.ErrMalformedEnvelope, "protocol", "Decode", "length check")
	}
	body := frame[headerLen : headerLen+bodyLen]

	switch MessageType(frame[1]) {
	case TypeHubInfoRequest:
		return HubInfoRequest{}, nil
	case TypeHubInfoResponse:
		return decodeHubInfoResponse(body)
	case TypeNanoappListRequest:
		return NanoappListRequest{}, nil
	case TypeNanoappListResponse:
		return decodeNanoappListResponse(body)
	case TypeNanoappMessage:
		return decodeNanoappMessage(body)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown message type %d", frame[1]),
			"protocol", "Decode", "type dispatch")
	}
}

// fieldWriter accumulates (tag, length, value) fields.
type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) field(tag uint8, value []byte) {
	w.buf = append(w.buf, tag)
	var lenBytes [2]byte
	binary.LittleEndian.PutUint16(lenBytes[:], uint16(len(value)))
	w.buf = append(w.buf, lenBytes[:]...)
	w.buf = append(w.buf, value...)
}

func (w *fieldWriter) stringField(tag uint8, s string) {
	if s != "" {
		w.field(tag, []byte(s))
	}
}

func (w *fieldWriter) uint32Field(tag uint8, v uint32) {
	if v != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		w.field(tag, b[:])
	}
}

func (w *fieldWriter) uint64Field(tag uint8, v uint64) {
	if v != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		w.field(tag, b[:])
	}
}

func (w *fieldWriter) uint16Field(tag uint8, v uint16) {
	if v != 0 {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		w.field(tag, b[:])
	}
}

func (w *fieldWriter) float32Field(tag uint8, v float32) {
	if v != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		w.field(tag, b[:])
	}
}

func (w *fieldWriter) boolField(tag uint8, v bool) {
	if v {
		w.field(tag, []byte{1})
	}
}

// forEachField walks a TLV body, invoking fn per field. Unknown tags are the
// caller's business; truncated fields fail.
func forEachField(body []byte, fn func(tag uint8, value []byte) error) error {
	for len(body) > 0 {
		if len(body) < 3 {
			return errors.ErrMalformedEnvelope
		}
		tag := body[0]
		length := int(binary.LittleEndian.Uint16(body[1:3]))
		if 3+length > len(body) {
			return errors.ErrMalformedEnvelope
		}
		if err := fn(tag, body[3:3+length]); err != nil {
			return err
		}
		body = body[3+length:]
	}
	return nil
}

func fieldUint32(value []byte) uint32 {
	if len(value) != 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(value)
}

func fieldUint64(value []byte) uint64 {
	if len(value) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(value)
}

func fieldUint16(value []byte) uint16 {
	if len(value) != 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}

func fieldFloat32(value []byte) float32 {
	if len(value) != 4 {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(value))
}

func fieldBool(value []byte) bool {
	return len(value) == 1 && value[0] != 0
}

func encodeHubInfoResponse(m HubInfoResponse) []byte {
	var w fieldWriter
	w.stringField(hubInfoTagName, m.Name)
	w.stringField(hubInfoTagVendor, m.Vendor)
	w.stringField(hubInfoTagToolchain, m.Toolchain)
	w.uint32Field(hubInfoTagLegacyPlatformVersion, m.LegacyPlatformVersion)
	w.uint32Field(hubInfoTagLegacyToolchainVersion, m.LegacyToolchainVersion)
	w.float32Field(hubInfoTagPeakMips, m.PeakMips)
	w.float32Field(hubInfoTagStoppedPowerMw, m.StoppedPowerMw)
	w.float32Field(hubInfoTagSleepPowerMw, m.SleepPowerMw)
	w.float32Field(hubInfoTagPeakPowerMw, m.PeakPowerMw)
	w.uint32Field(hubInfoTagMaxMessageLen, m.MaxMessageLen)
	w.uint64Field(hubInfoTagPlatformID, m.PlatformID)
	w.uint32Field(hubInfoTagVersion, m.Version)
	return w.buf
}

func decodeHubInfoResponse(body []byte) (Message, error) {
	var m HubInfoResponse
	err := forEachField(body, func(tag uint8, value []byte) error {
		switch tag {
		case hubInfoTagName:
			m.Name = string(value)
		case hubInfoTagVendor:
			m.Vendor = string(value)
		case hubInfoTagToolchain:
			m.Toolchain = string(value)
		case hubInfoTagLegacyPlatformVersion:
			m.LegacyPlatformVersion = fieldUint32(value)
		case hubInfoTagLegacyToolchainVersion:
			m.LegacyToolchainVersion = fieldUint32(value)
		case hubInfoTagPeakMips:
			m.PeakMips = fieldFloat32(value)
		case hubInfoTagStoppedPowerMw:
			m.StoppedPowerMw = fieldFloat32(value)
		case hubInfoTagSleepPowerMw:
			m.SleepPowerMw = fieldFloat32(value)
		case hubInfoTagPeakPowerMw:
			m.PeakPowerMw = fieldFloat32(value)
		case hubInfoTagMaxMessageLen:
			m.MaxMessageLen = fieldUint32(value)
		case hubInfoTagPlatformID:
			m.PlatformID = fieldUint64(value)
		case hubInfoTagVersion:
			m.Version = fieldUint32(value)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "protocol", "Decode", "hub info response")
	}
	return m, nil
}

func encodeNanoappListResponse(m NanoappListResponse) []byte {
	var w fieldWriter
	for _, entry := range m.Entries {
		var ew fieldWriter
		ew.uint64Field(entryTagAppID, entry.AppID)
		ew.uint32Field(entryTagVersion, entry.Version)
		ew.boolField(entryTagEnabled, entry.Enabled)
		ew.boolField(entryTagIsSystem, entry.IsSystem)
		w.field(listTagEntry, ew.buf)
	}
	return w.buf
}

func decodeNanoappListResponse(body []byte) (Message, error) {
	var m NanoappListResponse
	err := forEachField(body, func(tag uint8, value []byte) error {
		if tag != listTagEntry {
			return nil
		}
		var entry NanoappListEntry
		err := forEachField(value, func(tag uint8, value []byte) error {
			switch tag {
			case entryTagAppID:
				entry.AppID = fieldUint64(value)
			case entryTagVersion:
				entry.Version = fieldUint32(value)
			case entryTagEnabled:
				entry.Enabled = fieldBool(value)
			case entryTagIsSystem:
				entry.IsSystem = fieldBool(value)
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, entry)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "protocol", "Decode", "nanoapp list response")
	}
	return m, nil
}

func encodeNanoappMessage(m NanoappMessage) []byte {
	var w fieldWriter
	w.uint64Field(msgTagAppID, m.AppID)
	w.uint16Field(msgTagHostEndpoint, m.HostEndpoint)
	w.uint32Field(msgTagMessageType, m.MessageType)
	if len(m.Payload) > 0 {
		w.field(msgTagPayload, m.Payload)
	}
	return w.buf
}

func decodeNanoappMessage(body []byte) (Message, error) {
	var m NanoappMessage
	err := forEachField(body, func(tag uint8, value []byte) error {
		switch tag {
		case msgTagAppID:
			m.AppID = fieldUint64(value)
		case msgTagHostEndpoint:
			m.HostEndpoint = fieldUint16(value)
		case msgTagMessageType:
			m.MessageType = fieldUint32(value)
		case msgTagPayload:
			m.Payload = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "protocol", "Decode", "nanoapp message")
	}
	return m, nil
}
