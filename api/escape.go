package api

// API mode 2 control bytes
const (
	StartDelimiter byte = 0x7E // Frame start
	EscapeMarker   byte = 0x7D // Next byte is XOR'd with escapeMask
	XON            byte = 0x11
	XOFF           byte = 0x13

	escapeMask byte = 0x20
)

// needsEscape reports whether b is one of the reserved bytes.
func needsEscape(b byte) bool {
	switch b {
	case StartDelimiter, EscapeMarker, XON, XOFF:
		return true
	}
	return false
}

// Escape byte-stuffs data so none of the reserved bytes appear literally.
// Input without reserved bytes is returned as an unchanged copy.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if needsEscape(b) {
			out = append(out, EscapeMarker, b^escapeMask)
			continue
		}
		out = append(out, b)
	}
	return out
}

// Unescape reverses Escape. A trailing escape marker with nothing after it
// is ErrTrailingEscape.
func Unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != EscapeMarker {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(data) {
			return nil, ErrTrailingEscape
		}
		out = append(out, data[i]^escapeMask)
	}
	return out, nil
}
