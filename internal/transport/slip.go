package transport

// SLIP framing constants (RFC 1055). Some Meshtastic firmware revisions
// emit SLIP-encoded protobuf frames instead of the length-prefixed
// framing; the decoder falls back to this framer when no marker appears.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

// SlipFramer implements LegacyFramer for END-delimited, escape-encoded
// frames.
type SlipFramer struct{}

func NewSlipFramer() *SlipFramer {
	return &SlipFramer{}
}

// Extract scans buf for complete END-delimited frames. Bytes after the
// last END are left unconsumed so a partial trailing frame survives
// until more bytes arrive. Empty frames (back-to-back ENDs) are skipped.
func (f *SlipFramer) Extract(buf []byte) ([][]byte, int) {
	var frames [][]byte
	consumed := 0
	start := -1

	for i, b := range buf {
		if b != slipEnd {
			if start < 0 {
				start = i
			}
			continue
		}

		if start >= 0 {
			if payload, ok := slipUnescape(buf[start:i]); ok && len(payload) > 0 {
				frames = append(frames, payload)
			}
			start = -1
		}
		consumed = i + 1
	}

	return frames, consumed
}

func slipUnescape(raw []byte) ([]byte, bool) {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != slipEsc {
			out = append(out, b)
			continue
		}
		if i+1 >= len(raw) {
			return nil, false
		}
		i++
		switch raw[i] {
		case slipEscEnd:
			out = append(out, slipEnd)
		case slipEscEsc:
			out = append(out, slipEsc)
		default:
			// Invalid escape sequence; the frame is corrupt.
			return nil, false
		}
	}

	return out, true
}
