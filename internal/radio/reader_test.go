package radio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/martinbogo/meshbbs/internal/transport"
)

func startReader(t *testing.T, link transport.Transport) *Reader {
	t.Helper()
	dec := transport.NewDecoder(testLogger(), transport.DecoderConfig{}, nil)
	r := NewReader(link, newTestCodec(t), dec, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestReaderEventsInFrameOrder(t *testing.T) {
	link := newScriptedLink()
	r := startReader(t, link)

	link.inject(t, textPacket(1, 2, 0, "first"))
	link.inject(t, textPacket(1, 2, 0, "second"))
	link.inject(t, textPacket(1, 2, 0, "third"))

	want := []string{"first", "second", "third"}
	for _, body := range want {
		select {
		case ev := <-r.Events():
			msg, ok := ev.(IncomingText)
			if !ok {
				t.Fatalf("got %T", ev)
			}
			if msg.Payload != body {
				t.Fatalf("payload = %q, want %q", msg.Payload, body)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %q never arrived", body)
		}
	}
}

func TestReaderCorruptFrameDoesNotStopStream(t *testing.T) {
	link := newScriptedLink()
	r := startReader(t, link)

	// A frame whose payload is garbage protobuf, then a good one.
	frame, err := transport.EncodeFrame([]byte{0xFF, 0xFF, 0xFF})
	if err != nil {
		t.Fatal(err)
	}
	link.in <- frame
	link.inject(t, textPacket(1, 2, 0, "survivor"))

	select {
	case ev := <-r.Events():
		if msg, ok := ev.(IncomingText); !ok || msg.Payload != "survivor" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream stopped after corrupt frame")
	}
}

type brokenLink struct {
	fakeLink
}

func (b *brokenLink) Read(ctx context.Context, buf []byte) (int, error) {
	return 0, errors.New("device unplugged")
}

func TestReaderEscalatesPersistentReadFailure(t *testing.T) {
	link := &brokenLink{}
	dec := transport.NewDecoder(testLogger(), transport.DecoderConfig{}, nil)
	r := NewReader(link, newTestCodec(t), dec, nil, testLogger())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case <-r.Down():
	case <-time.After(2 * time.Second):
		t.Fatal("no down signal from failing reads")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil after link death")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after link death")
	}
}
