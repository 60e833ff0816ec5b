package radio

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/martinbogo/meshbbs/internal/bus"
	"github.com/martinbogo/meshbbs/internal/connectors"
	"github.com/martinbogo/meshbbs/internal/metrics"
	"github.com/martinbogo/meshbbs/internal/transport"
)

const readBufSize = 1024

// Reader owns the input half of the link: it pulls raw bytes, runs the
// frame decoder, and turns frame payloads into events. One corrupt
// frame never stops the loop; only persistent read failure does.
type Reader struct {
	tr     transport.Transport
	codec  Codec
	dec    *transport.Decoder
	bus    bus.MessageBus
	logger *slog.Logger

	events chan Event
	down   chan struct{}
}

func NewReader(tr transport.Transport, codec Codec, dec *transport.Decoder, b bus.MessageBus, logger *slog.Logger) *Reader {
	return &Reader{
		tr:     tr,
		codec:  codec,
		dec:    dec,
		bus:    b,
		logger: logger,
		events: make(chan Event, 128),
		down:   make(chan struct{}, 1),
	}
}

// Events is the ordered stream of decoded events. Frame order is
// preserved.
func (r *Reader) Events() <-chan Event {
	return r.events
}

// Down signals once when repeated read failures indicate the link is
// gone.
func (r *Reader) Down() <-chan struct{} {
	return r.down
}

// Run pumps the link until the context is cancelled or the link dies.
func (r *Reader) Run(ctx context.Context) error {
	buf := make([]byte, readBufSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := r.tr.Read(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("serial read failed, retrying once", "error", err)
			time.Sleep(100 * time.Millisecond)
			n, err = r.tr.Read(ctx, buf)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("serial read failed twice, link presumed down", "error", err)
			metrics.TransportDown()
			select {
			case r.down <- struct{}{}:
			default:
			}
			return err
		}
		if n == 0 {
			continue
		}

		for _, frame := range r.dec.Feed(buf[:n]) {
			r.handleFrame(ctx, frame)
		}
	}
}

func (r *Reader) handleFrame(ctx context.Context, frame []byte) {
	if r.bus != nil {
		r.bus.Publish(connectors.TopicRawFrameIn, connectors.RawFrame{
			Hex: strings.ToUpper(hex.EncodeToString(frame)),
			Len: len(frame),
		})
	}

	events, err := r.codec.DecodeFromRadio(frame)
	if err != nil {
		metrics.FrameDecodeFailed()
		r.logger.Warn("frame payload failed to decode", "len", len(frame), "error", err)
		return
	}

	for _, ev := range events {
		select {
		case r.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
