package transport

import "context"

// Transport is a raw byte-stream link to the device. Framing is layered
// on top by the Decoder and EncodeFrame; the reader task owns Read, the
// writer task owns Write.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	// Read fills buf with whatever bytes are available and returns the
	// count. A zero count with nil error means the read timed out with
	// nothing pending; callers should check their context and retry.
	Read(ctx context.Context, buf []byte) (int, error)
	// Write sends the whole buffer or fails.
	Write(ctx context.Context, buf []byte) error
}
