package radio

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/martinbogo/meshbbs/internal/bus"
	"github.com/martinbogo/meshbbs/internal/nodecache"
	"github.com/martinbogo/meshbbs/internal/transport"
)

// scriptedLink is a loopback transport: the test injects inbound bytes
// and inspects outbound frames.
type scriptedLink struct {
	mu     sync.Mutex
	writes []recordedWrite
	in     chan []byte
	rest   []byte
}

func newScriptedLink() *scriptedLink {
	return &scriptedLink{in: make(chan []byte, 16)}
}

func (l *scriptedLink) Name() string                      { return "scripted" }
func (l *scriptedLink) Connect(ctx context.Context) error { return nil }
func (l *scriptedLink) Close() error                      { return nil }

func (l *scriptedLink) Read(ctx context.Context, buf []byte) (int, error) {
	if len(l.rest) == 0 {
		select {
		case chunk := <-l.in:
			l.rest = chunk
		case <-time.After(10 * time.Millisecond):
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	n := copy(buf, l.rest)
	l.rest = l.rest[n:]
	return n, nil
}

func (l *scriptedLink) Write(ctx context.Context, buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	l.writes = append(l.writes, recordedWrite{at: time.Now(), frame: cp})
	return nil
}

func (l *scriptedLink) snapshot() []recordedWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]recordedWrite, len(l.writes))
	copy(out, l.writes)
	return out
}

func (l *scriptedLink) waitWrites(t *testing.T, n int, timeout time.Duration) []recordedWrite {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := l.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	got := l.snapshot()
	t.Fatalf("saw %d writes, want %d within %v", len(got), n, timeout)
	return nil
}

// inject frames a FromRadio payload and feeds it to the reader side.
func (l *scriptedLink) inject(t *testing.T, payload []byte) {
	t.Helper()
	frame, err := transport.EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	l.in <- frame
}

func startService(t *testing.T, link *scriptedLink) *Service {
	t.Helper()
	logger := testLogger()
	b := bus.New(logger)
	codec := newTestCodec(t)
	nodes := nodecache.New(filepath.Join(t.TempDir(), "nodes.json"), logger)

	pacing := testPacing()
	pacing.MinSendGap = time.Millisecond
	pacing.DMBackoff = []time.Duration{500 * time.Millisecond, time.Second}

	svc := NewService(logger, b, link, codec, nodes, ServiceConfig{
		Pacing:     pacing,
		Decoder:    transport.DecoderConfig{},
		NodeMaxAge: 7 * 24 * time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cancel)
	return svc
}

// completeHandshake answers the want_config request observed on the
// wire with the full my_info, config, config_complete sequence.
func completeHandshake(t *testing.T, link *scriptedLink, nodeNum uint32) {
	t.Helper()
	writes := link.waitWrites(t, 1, 2*time.Second)
	requestID, ok := firstVarintField(writes[0].frame[4:], toRadioWantConfigID)
	if !ok {
		t.Fatal("first write is not a want_config request")
	}

	link.inject(t, appendBytesField(nil, fromRadioMyInfo,
		appendVarintField(nil, myInfoNodeNum, uint64(nodeNum))))
	link.inject(t, appendBytesField(nil, fromRadioConfig, nil))
	link.inject(t, appendVarintField(nil, fromRadioConfigCompleteID, requestID))
}

func waitReady(t *testing.T, svc *Service, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if svc.Ready() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("service never became ready")
}

func TestServiceHandshakeToReady(t *testing.T) {
	link := newScriptedLink()
	svc := startService(t, link)

	if svc.Ready() {
		t.Fatal("ready before handshake")
	}

	completeHandshake(t, link, 0xBEEF)
	waitReady(t, svc, 2*time.Second)

	if got := svc.LocalNodeNum(); got != 0xBEEF {
		t.Errorf("LocalNodeNum = %#x", got)
	}
}

func TestServiceDeliversIncomingText(t *testing.T) {
	link := newScriptedLink()
	svc := startService(t, link)
	completeHandshake(t, link, 1)
	waitReady(t, svc, 2*time.Second)

	link.inject(t, textPacket(0x10, broadcastNodeNum, 0, "board post"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-svc.Events():
			if msg, ok := ev.(IncomingText); ok {
				if msg.Payload != "board post" || !msg.Broadcast {
					t.Fatalf("message = %+v", msg)
				}
				return
			}
		case <-deadline:
			t.Fatal("incoming text never surfaced")
		}
	}
}

func TestServiceNodeInfoUpdatesCache(t *testing.T) {
	link := newScriptedLink()
	svc := startService(t, link)
	completeHandshake(t, link, 1)
	waitReady(t, svc, 2*time.Second)

	var user []byte
	user = appendBytesField(user, userLongName, []byte("Relay West"))
	user = appendBytesField(user, userShortName, []byte("RLW"))
	var node []byte
	node = appendVarintField(node, nodeInfoNum, 0x77)
	node = appendBytesField(node, nodeInfoUser, user)
	link.inject(t, appendBytesField(nil, fromRadioNodeInfo, node))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		nodes := svc.Nodes()
		for _, entry := range nodes {
			if entry.NodeNum == 0x77 && entry.LongName == "Relay West" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("node info never reached the cache")
}

func TestServiceSendDMAcked(t *testing.T) {
	link := newScriptedLink()
	svc := startService(t, link)
	completeHandshake(t, link, 1)
	waitReady(t, svc, 2*time.Second)

	before := len(link.snapshot())
	r, err := svc.Send(context.Background(), OutgoingMessage{
		Dest:     Direct(0x55, 0),
		Payload:  "you have mail",
		Priority: PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	link.waitWrites(t, before+1, 2*time.Second)

	// Answer with a routing ack referencing the packet id.
	var data []byte
	data = appendVarintField(data, dataPortnum, portnumRouting)
	data = appendBytesField(data, dataPayload, nil)
	data = appendVarintField(data, dataRequestID, uint64(r.MessageID))
	var packet []byte
	packet = appendVarintField(packet, meshPacketFrom, 0x55)
	packet = appendBytesField(packet, meshPacketDecoded, data)
	link.inject(t, appendBytesField(nil, fromRadioPacket, packet))

	res := awaitResult(t, r, 2*time.Second)
	if res.Status != StatusDelivered {
		t.Fatalf("status = %v, want delivered", res.Status)
	}

	// The ack also surfaces on the event stream.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-svc.Events():
			if ack, ok := ev.(AckReceived); ok {
				if ack.MessageID != r.MessageID || ack.Failed {
					t.Fatalf("ack = %+v", ack)
				}
				return
			}
		case <-deadline:
			t.Fatal("ack never surfaced on the event stream")
		}
	}
}

func TestServiceSendWithoutConnection(t *testing.T) {
	logger := testLogger()
	b := bus.New(logger)
	codec := newTestCodec(t)
	nodes := nodecache.New(filepath.Join(t.TempDir(), "nodes.json"), logger)
	svc := NewService(logger, b, newScriptedLink(), codec, nodes, ServiceConfig{
		Pacing:     testPacing(),
		NodeMaxAge: 7 * 24 * time.Hour,
	})

	if _, err := svc.Send(context.Background(), OutgoingMessage{Dest: Broadcast(0), Payload: "x"}); err == nil {
		t.Fatal("send succeeded with no session")
	}
}

// dyingLink connects fine but every read fails, like a yanked USB
// adapter. It counts connection attempts.
type dyingLink struct {
	mu       sync.Mutex
	connects int
}

func (l *dyingLink) Name() string { return "dying" }

func (l *dyingLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	return nil
}

func (l *dyingLink) Close() error { return nil }

func (l *dyingLink) Read(ctx context.Context, buf []byte) (int, error) {
	return 0, errors.New("input/output error")
}

func (l *dyingLink) Write(ctx context.Context, buf []byte) error { return nil }

func (l *dyingLink) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

func TestServiceReconnectsAfterLinkDeath(t *testing.T) {
	link := &dyingLink{}
	logger := testLogger()
	b := bus.New(logger)
	nodes := nodecache.New(filepath.Join(t.TempDir(), "nodes.json"), logger)

	pacing := testPacing()
	pacing.MinSendGap = time.Millisecond

	svc := NewService(logger, b, link, newTestCodec(t), nodes, ServiceConfig{
		Pacing:     pacing,
		Decoder:    transport.DecoderConfig{},
		NodeMaxAge: 7 * 24 * time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cancel)

	// The read side dies immediately; the connector must tear the
	// session down and dial again after the backoff.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if link.connectCount() >= 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("connects = %d, want >= 2 after link death", link.connectCount())
}
