package api

import (
	"bufio"
	"encoding/binary"
	"io"
)

// MaxBodyLength is the largest type id + payload a 16-bit length can describe.
const MaxBodyLength = 0xFFFF

// Checksum returns 0xFF minus the low byte of the sum of body.
func Checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return 0xFF - sum
}

// EncodeRaw builds the wire form of a frame:
// 0x7E, escaped length, escaped body, escaped checksum.
func EncodeRaw(t FrameType, payload []byte) ([]byte, error) {
	body := make([]byte, 0, len(payload)+1)
	body = append(body, byte(t))
	body = append(body, payload...)
	return encodeBody(body)
}

// Encode serializes f and wraps it for the wire.
func Encode(f Frame) ([]byte, error) {
	body, err := f.AppendPayload([]byte{byte(f.FrameType())})
	if err != nil {
		return nil, err
	}
	return encodeBody(body)
}

func encodeBody(body []byte) ([]byte, error) {
	if len(body) > MaxBodyLength {
		return nil, ErrFrameTooLarge
	}
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(body)))

	out := make([]byte, 0, len(body)+8)
	out = append(out, StartDelimiter)
	out = append(out, Escape(length[:])...)
	out = append(out, Escape(body)...)
	out = append(out, Escape([]byte{Checksum(body)})...)
	return out, nil
}

// Decoder reads API frames from a byte stream.
type Decoder struct {
	r *bufio.Reader

	// OnStray, if set, receives bytes skipped while looking for a start
	// delimiter. Stray bytes never abort decoding.
	OnStray func(stray []byte)
}

// NewDecoder creates a new frame decoder
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// ReadFrame reads a single, complete frame. It skips to the next start
// delimiter, collects exactly the declared number of unescaped body bytes,
// verifies the checksum and dispatches on the type id.
//
// On a checksum or protocol error no frame is returned; calling ReadFrame
// again resynchronizes on the next delimiter.
func (d *Decoder) ReadFrame() (Frame, error) {
	body, err := d.ReadBody()
	if err != nil {
		return nil, err
	}
	return DecodeBody(body)
}

// ReadBody is ReadFrame without the type dispatch: it returns the verified,
// unescaped type id + payload.
func (d *Decoder) ReadBody() ([]byte, error) {
	if err := d.seekDelimiter(); err != nil {
		return nil, err
	}

	var header [2]byte
	for i := range header {
		b, err := d.readUnescaped()
		if err != nil {
			return nil, err
		}
		header[i] = b
	}
	length := int(binary.BigEndian.Uint16(header[:]))
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	// The length counts unescaped bytes, so the raw byte count is unknown
	// until the body has been read one byte at a time.
	body := make([]byte, 0, length)
	for len(body) < length {
		b, err := d.readUnescaped()
		if err != nil {
			return nil, err
		}
		body = append(body, b)
	}

	sent, err := d.readUnescaped()
	if err != nil {
		return nil, err
	}
	if want := Checksum(body); sent != want {
		return nil, &ChecksumError{Type: FrameType(body[0]), Want: want, Got: sent, BodySize: length}
	}
	return body, nil
}

func (d *Decoder) seekDelimiter() error {
	var stray []byte
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			d.reportStray(stray)
			return err
		}
		if b == StartDelimiter {
			d.reportStray(stray)
			return nil
		}
		stray = append(stray, b)
	}
}

func (d *Decoder) reportStray(stray []byte) {
	if len(stray) > 0 && d.OnStray != nil {
		d.OnStray(stray)
	}
}

// readUnescaped reads one logical byte from inside a frame. A literal start
// delimiter means the current frame was cut short; it is pushed back so the
// next ReadFrame starts on it.
func (d *Decoder) readUnescaped() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case StartDelimiter:
		_ = d.r.UnreadByte()
		return 0, ErrTruncated
	case EscapeMarker:
		next, err := d.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if next == StartDelimiter {
			_ = d.r.UnreadByte()
			return 0, ErrTruncated
		}
		return next ^ escapeMask, nil
	}
	return b, nil
}
