package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/martinbogo/meshbbs/internal/metrics"
)

// Wired Meshtastic serial framing: two marker bytes, big-endian u16
// payload length, then the payload.
var frameHeader = [2]byte{0x94, 0xC3}

const frameHeaderLen = 4

// LegacyFramer extracts delimiter-framed payloads from a raw buffer. It
// returns the complete frames found and how many leading bytes of buf it
// consumed. The exact delimiter scheme belongs to the upstream device
// protocol; the codec only falls back to it when no length-prefixed
// marker shows up within the lookahead window.
type LegacyFramer interface {
	Extract(buf []byte) (frames [][]byte, consumed int)
}

// DecoderConfig bounds the scan buffer and the resynchronization
// heuristics.
type DecoderConfig struct {
	// MaxFrameBytes is the sane maximum payload length. A declared
	// length above it is treated as a marker false positive.
	MaxFrameBytes int
	// LookaheadBytes is how far to scan for a marker before handing the
	// buffer to the legacy framer.
	LookaheadBytes int
	// MaxBufferBytes bounds buffered garbage; beyond it the oldest half
	// is discarded with a diagnostic warning.
	MaxBufferBytes int
}

func (c *DecoderConfig) fillDefaults() {
	if c.MaxFrameBytes <= 0 || c.MaxFrameBytes > math.MaxUint16 {
		c.MaxFrameBytes = 512
	}
	if c.LookaheadBytes <= 0 {
		c.LookaheadBytes = c.MaxFrameBytes + frameHeaderLen
	}
	if c.MaxBufferBytes < 4*c.MaxFrameBytes {
		c.MaxBufferBytes = 4 * c.MaxFrameBytes
	}
}

// Decoder turns an arbitrarily chunked byte stream into complete frame
// payloads. It keeps partial frames across Feed calls and recovers from
// corruption by discarding bytes until a plausible frame boundary.
type Decoder struct {
	cfg    DecoderConfig
	legacy LegacyFramer
	logger *slog.Logger

	buf        []byte
	noiseTotal uint64
	warned     bool
}

func NewDecoder(logger *slog.Logger, cfg DecoderConfig, legacy LegacyFramer) *Decoder {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Decoder{cfg: cfg, legacy: legacy, logger: logger}
}

// NoiseBytes reports how many non-frame bytes were discarded so far.
func (d *Decoder) NoiseBytes() uint64 { return d.noiseTotal }

// Buffered reports how many bytes are waiting for frame completion.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Feed appends chunk to the scan buffer and returns every complete frame
// payload it now contains, in stream order. A zero-length payload is a
// valid frame. Truncated trailing frames stay buffered for the next call.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		payload, ok := d.nextFrame(&frames)
		if !ok {
			break
		}
		frames = append(frames, payload)
		metrics.FrameDecoded()
	}

	d.boundBuffer()

	return frames
}

// nextFrame tries to cut one frame off the front of the buffer. The
// frames slice is only passed through so the legacy path can append its
// own extractions before a marker frame is found.
func (d *Decoder) nextFrame(frames *[][]byte) ([]byte, bool) {
	for {
		idx := indexFrameHeader(d.buf)
		if idx < 0 {
			d.noMarkerFallback(frames)
			return nil, false
		}
		if idx > 0 {
			d.dropNoise(idx)
		}

		if len(d.buf) < frameHeaderLen {
			// Marker seen but header incomplete; wait for more bytes.
			return nil, false
		}

		declared := int(binary.BigEndian.Uint16(d.buf[2:4]))
		if declared > d.cfg.MaxFrameBytes {
			// Marker false positive inside noise or a corrupt length
			// field. Discard one byte and rescan instead of waiting for
			// bytes that will never arrive.
			d.logger.Debug("frame length implausible, resyncing", "declared", declared, "max", d.cfg.MaxFrameBytes)
			metrics.FrameResync()
			d.dropNoise(1)
			continue
		}
		if len(d.buf) < frameHeaderLen+declared {
			// Partial frame; retained until more bytes arrive.
			return nil, false
		}

		payload := make([]byte, declared)
		copy(payload, d.buf[frameHeaderLen:frameHeaderLen+declared])
		d.buf = d.buf[:copy(d.buf, d.buf[frameHeaderLen+declared:])]

		return payload, true
	}
}

// noMarkerFallback handles a buffer with no length-prefixed marker: give
// the legacy framer a chance once the lookahead window is exceeded, and
// discard whatever it leaves behind as noise, keeping a possible marker
// prefix at the tail.
func (d *Decoder) noMarkerFallback(frames *[][]byte) {
	if len(d.buf) <= d.cfg.LookaheadBytes {
		// Inside the lookahead window the bytes may still be the head
		// of a legacy frame; only pure noise is trimmed eagerly.
		if d.legacy == nil {
			d.trimNonMarkerPrefix()
		}
		return
	}

	if d.legacy != nil {
		extracted, consumed := d.legacy.Extract(d.buf)
		if consumed > 0 {
			d.buf = d.buf[:copy(d.buf, d.buf[consumed:])]
		}
		for _, f := range extracted {
			*frames = append(*frames, f)
			metrics.FrameDecoded()
		}
		if len(extracted) > 0 || consumed > 0 {
			// Remaining bytes may be a partial legacy frame; keep them.
			return
		}
	}

	d.trimNonMarkerPrefix()
}

// trimNonMarkerPrefix discards leading bytes that cannot start a frame.
// The tail byte is kept when it matches the first marker byte, since its
// partner may arrive in the next chunk.
func (d *Decoder) trimNonMarkerPrefix() {
	keepFrom := len(d.buf)
	if keepFrom > 0 && d.buf[keepFrom-1] == frameHeader[0] {
		keepFrom--
	}
	if keepFrom > 0 {
		d.dropNoise(keepFrom)
	}
}

func (d *Decoder) dropNoise(n int) {
	if n <= 0 {
		return
	}
	d.noiseTotal += uint64(n)
	metrics.NoiseBytes(n)
	d.logger.Debug("discarding non-frame bytes", "count", n, "preview", hexPreview(d.buf[:n], 32))
	d.buf = d.buf[:copy(d.buf, d.buf[n:])]
}

// boundBuffer keeps memory growth bounded when the stream never yields a
// valid marker (wrong framing assumption or a chatty boot banner). The
// warning fires once per desync episode to separate that case from a
// silent device.
func (d *Decoder) boundBuffer() {
	if len(d.buf) <= d.cfg.MaxBufferBytes {
		if len(d.buf) == 0 {
			d.warned = false
		}
		return
	}

	if !d.warned {
		d.logger.Warn("no valid frame boundary found, discarding oldest buffered bytes",
			"buffered", len(d.buf), "limit", d.cfg.MaxBufferBytes)
		d.warned = true
	}
	metrics.FrameResync()
	d.dropNoise(len(d.buf) / 2)
}

// EncodeFrame wraps payload in the length-prefixed wire framing.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("payload too large: %d", len(payload))
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = frameHeader[0]
	frame[1] = frameHeader[1]
	// #nosec G115 -- length is bounded by math.MaxUint16 above.
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[frameHeaderLen:], payload)

	return frame, nil
}

func indexFrameHeader(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == frameHeader[0] && buf[i+1] == frameHeader[1] {
			return i
		}
	}

	return -1
}

func hexPreview(data []byte, max int) string {
	if len(data) > max {
		data = data[:max]
	}

	return fmt.Sprintf("%x", data)
}
