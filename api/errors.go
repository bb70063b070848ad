package api

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the codec and the correlator. Use errors.Is to
// branch on them; the typed errors below match their kind.
var (
	ErrTimeout        = errors.New("xbee: read timed out")
	ErrChecksum       = errors.New("xbee: bad checksum")
	ErrProtocol       = errors.New("xbee: protocol violation")
	ErrFrameTooLarge  = errors.New("xbee: frame exceeds 65535 bytes")
	ErrTrailingEscape = errors.New("xbee: trailing escape marker")
	ErrTruncated      = errors.New("xbee: frame truncated by start delimiter")
	ErrEmptyFrame     = errors.New("xbee: zero length frame")
	ErrClosed         = errors.New("xbee: transport closed")
)

// ChecksumError reports a frame whose transmitted checksum disagrees with
// the one computed over its body. The frame is discarded.
type ChecksumError struct {
	Type     FrameType
	Want     byte // computed over the body
	Got      byte // read from the wire
	BodySize int
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("xbee: bad checksum on %s frame (%d bytes): got 0x%02X, want 0x%02X",
		e.Type, e.BodySize, e.Got, e.Want)
}

// Is makes errors.Is(err, ErrChecksum) true.
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksum
}

// ProtocolError reports a frame that passed its checksum but carries a
// field outside its defined domain, or is too short for its layout.
type ProtocolError struct {
	Type   FrameType
	Field  string
	Value  int // offending value, -1 when the field is missing
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Value < 0 {
		return fmt.Sprintf("xbee: %s frame: %s: %s", e.Type, e.Field, e.Reason)
	}
	return fmt.Sprintf("xbee: %s frame: %s 0x%02X: %s", e.Type, e.Field, e.Value, e.Reason)
}

// Is makes errors.Is(err, ErrProtocol) true.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func shortPayload(t FrameType, field string) error {
	return &ProtocolError{Type: t, Field: field, Value: -1, Reason: "payload too short"}
}
