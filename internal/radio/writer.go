package radio

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/martinbogo/meshbbs/internal/bus"
	"github.com/martinbogo/meshbbs/internal/config"
	"github.com/martinbogo/meshbbs/internal/connectors"
	"github.com/martinbogo/meshbbs/internal/metrics"
	"github.com/martinbogo/meshbbs/internal/transport"
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

type DeliveryStatus int

const (
	StatusDelivered DeliveryStatus = iota + 1
	StatusFailed
	StatusNotTracked
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusNotTracked:
		return "not_tracked"
	default:
		return "unknown"
	}
}

// DeliveryResult is the final fate of one outgoing message.
type DeliveryResult struct {
	Status   DeliveryStatus
	Attempts int
	Elapsed  time.Duration
}

// Receipt tracks one accepted outgoing message.
type Receipt struct {
	MessageID uint32
	done      chan DeliveryResult
}

// Done yields the delivery result once it is known.
func (r *Receipt) Done() <-chan DeliveryResult {
	return r.done
}

// OutgoingMessage is a request to transmit text.
type OutgoingMessage struct {
	Dest     Destination
	Payload  string
	Priority Priority
	WantAck  bool
}

// PacingParams are the resolved timing floors the writer enforces.
type PacingParams struct {
	MinSendGap         time.Duration
	DMToDMGap          time.Duration
	PostDMBroadcastGap time.Duration
	DMBackoff          []time.Duration
	BroadcastAckTTL    time.Duration
	MaxMessageBytes    int
}

// PacingFromConfig resolves the clamped timing values out of the pacing
// section.
func PacingFromConfig(pc config.PacingConfig, maxMessageBytes int) PacingParams {
	if maxMessageBytes <= 0 {
		maxMessageBytes = config.DefaultMaxMessageBytes
	}
	return PacingParams{
		MinSendGap:         pc.MinSendGap(),
		DMToDMGap:          pc.DMToDMGap(),
		PostDMBroadcastGap: pc.PostDMBroadcastGap(),
		DMBackoff:          pc.DMResendBackoff(),
		BroadcastAckTTL:    pc.BroadcastAckTTL(),
		MaxMessageBytes:    maxMessageBytes,
	}
}

type sendKind int

const (
	kindControl sendKind = iota
	kindDM
	kindBroadcast
)

// outbound is one frame queued for the wire. Retries of a direct
// message reuse the same outbound with the attempt counter bumped.
type outbound struct {
	frame     []byte
	messageID uint32
	kind      sendKind
	wantAck   bool
	priority  Priority
	seq       uint64
	attempt   int
	queued    bool
	firstSent time.Time
	done      chan DeliveryResult
}

// ackWaiter tracks an in-flight message awaiting acknowledgement. At
// most one waiter exists per message id.
type ackWaiter struct {
	msg      *outbound
	deadline time.Time
}

// Writer owns the output half of the link. It serializes every
// outbound frame, enforces the pacing floors, and runs the
// acknowledgement retry schedule for direct messages.
type Writer struct {
	tr     transport.Transport
	codec  Codec
	pacing PacingParams
	bus    bus.MessageBus
	logger *slog.Logger

	submit chan *outbound
	acks   chan AckReceived
	down   chan struct{}

	seq uint64
}

func NewWriter(tr transport.Transport, codec Codec, pacing PacingParams, b bus.MessageBus, logger *slog.Logger) *Writer {
	if len(pacing.DMBackoff) == 0 {
		pacing.DMBackoff = []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second}
	}
	if pacing.MaxMessageBytes <= 0 {
		pacing.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	return &Writer{
		tr:     tr,
		codec:  codec,
		pacing: pacing,
		bus:    b,
		logger: logger,
		submit: make(chan *outbound, 64),
		acks:   make(chan AckReceived, 64),
		down:   make(chan struct{}, 1),
	}
}

// Down signals once when repeated write failures indicate the link is
// gone. The facade owns the reconnect decision.
func (w *Writer) Down() <-chan struct{} {
	return w.down
}

// Send validates and encodes one outgoing message and queues it for the
// wire. It never blocks on pacing; the returned receipt resolves once
// delivery is decided.
func (w *Writer) Send(ctx context.Context, msg OutgoingMessage) (*Receipt, error) {
	if len(msg.Payload) == 0 {
		return nil, fmt.Errorf("empty message payload")
	}
	if len(msg.Payload) > w.pacing.MaxMessageBytes {
		return nil, fmt.Errorf("message payload %d bytes exceeds limit %d", len(msg.Payload), w.pacing.MaxMessageBytes)
	}

	enc, err := w.codec.EncodeText(msg.Dest, msg.Payload, msg.WantAck)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}
	frame, err := transport.EncodeFrame(enc.Payload)
	if err != nil {
		return nil, fmt.Errorf("frame text: %w", err)
	}

	kind := kindBroadcast
	if !msg.Dest.Broadcast {
		kind = kindDM
	}
	out := &outbound{
		frame:     frame,
		messageID: enc.MessageID,
		kind:      kind,
		wantAck:   enc.WantAck,
		priority:  msg.Priority,
		done:      make(chan DeliveryResult, 1),
	}

	select {
	case w.submit <- out:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &Receipt{MessageID: enc.MessageID, done: out.done}, nil
}

// SendControl queues an already-encoded protocol payload (handshake
// request, heartbeat). Control frames jump the text queue but still
// honor the global send gap.
func (w *Writer) SendControl(ctx context.Context, payload []byte) error {
	frame, err := transport.EncodeFrame(payload)
	if err != nil {
		return fmt.Errorf("frame control payload: %w", err)
	}
	out := &outbound{
		frame:    frame,
		kind:     kindControl,
		priority: PriorityHigh,
	}
	select {
	case w.submit <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleAck feeds a routing acknowledgement decoded by the reader into
// the retry machinery. Unmatched acks are dropped.
func (w *Writer) HandleAck(ack AckReceived) {
	select {
	case w.acks <- ack:
	default:
		w.logger.Warn("ack channel full, ack dropped", "message_id", ack.MessageID)
	}
}

// Run drives the writer loop until the context is cancelled. In-flight
// ack waiters are abandoned as failed on shutdown so callers unblock.
func (w *Writer) Run(ctx context.Context) error {
	st := &writerState{
		pending: nil,
		waiters: make(map[uint32]*ackWaiter),
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		w.fireDueWaiters(st, now)
		w.trySend(ctx, st, now)

		wake, ok := w.nextWake(st, time.Now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(time.Until(wake))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			w.abandon(st)
			return ctx.Err()
		case out := <-w.submit:
			out.seq = w.nextSeq()
			st.pending = append(st.pending, out)
		case ack := <-w.acks:
			w.resolveAck(st, ack)
		case <-timer.C:
		}
	}
}

type writerState struct {
	pending []*outbound
	waiters map[uint32]*ackWaiter

	lastSendAt time.Time
	lastWasDM  bool
	sentAny    bool
}

func (w *Writer) nextSeq() uint64 {
	w.seq++
	return w.seq
}

// fireDueWaiters walks every waiter whose deadline passed: direct
// messages are re-queued per the backoff schedule, broadcasts expire.
func (w *Writer) fireDueWaiters(st *writerState, now time.Time) {
	for id, waiter := range st.waiters {
		if now.Before(waiter.deadline) {
			continue
		}

		switch waiter.msg.kind {
		case kindBroadcast:
			metrics.BroadcastExpired()
			w.logger.Debug("broadcast ack window expired", "message_id", id)
			delete(st.waiters, id)
			w.resolve(waiter.msg, StatusNotTracked, now)
		case kindDM:
			if waiter.msg.queued {
				// The previous retransmission is still held back by
				// pacing; the schedule advances once it reaches the
				// wire.
				continue
			}
			waiter.msg.attempt++
			waiter.msg.queued = true
			waiter.msg.seq = w.nextSeq()
			st.pending = append(st.pending, waiter.msg)
			metrics.ReliableRetry()
			w.logger.Info("resending unacked direct message",
				"message_id", id, "attempt", waiter.msg.attempt)
		}
	}
}

// trySend transmits the highest-priority eligible pending frame if the
// pacing floors allow a send right now.
func (w *Writer) trySend(ctx context.Context, st *writerState, now time.Time) {
	for {
		idx := w.pickPending(st)
		if idx < 0 {
			return
		}
		out := st.pending[idx]

		// A queued retry whose waiter already resolved is stale.
		if out.attempt > 0 {
			if _, live := st.waiters[out.messageID]; !live && out.kind == kindDM {
				if w.resolvedEarly(out) {
					st.pending = append(st.pending[:idx], st.pending[idx+1:]...)
					continue
				}
			}
		}

		if now.Before(w.earliestSend(st, out)) {
			return
		}

		st.pending = append(st.pending[:idx], st.pending[idx+1:]...)
		w.transmit(ctx, st, out, now)
		now = time.Now()
	}
}

// resolvedEarly reports whether a retry entry belongs to a message that
// was acked between retries.
func (w *Writer) resolvedEarly(out *outbound) bool {
	select {
	case res := <-out.done:
		// Put the result back for the caller.
		out.done <- res
		return true
	default:
		return false
	}
}

// pickPending returns the index of the next message to send: highest
// priority first, submission order within a priority.
func (w *Writer) pickPending(st *writerState) int {
	best := -1
	for i, out := range st.pending {
		if best < 0 {
			best = i
			continue
		}
		cur := st.pending[best]
		if out.priority > cur.priority || (out.priority == cur.priority && out.seq < cur.seq) {
			best = i
		}
	}
	return best
}

// earliestSend computes the first instant the pacing floors allow this
// message on the wire.
func (w *Writer) earliestSend(st *writerState, out *outbound) time.Time {
	if !st.sentAny {
		return time.Time{}
	}
	at := st.lastSendAt.Add(w.pacing.MinSendGap)
	if st.lastWasDM {
		switch out.kind {
		case kindDM:
			at = at.Add(w.pacing.DMToDMGap)
		case kindBroadcast:
			at = at.Add(w.pacing.PostDMBroadcastGap)
		}
	}
	return at
}

func (w *Writer) transmit(ctx context.Context, st *writerState, out *outbound, now time.Time) {
	err := w.tr.Write(ctx, out.frame)
	if err != nil {
		w.logger.Warn("serial write failed, retrying once", "error", err)
		err = w.tr.Write(ctx, out.frame)
	}
	if err != nil {
		w.logger.Error("serial write failed twice, link presumed down", "error", err)
		metrics.TransportDown()
		delete(st.waiters, out.messageID)
		w.resolve(out, StatusFailed, now)
		select {
		case w.down <- struct{}{}:
		default:
		}
		return
	}

	st.lastSendAt = time.Now()
	st.lastWasDM = out.kind == kindDM
	st.sentAny = true

	if w.bus != nil {
		w.bus.Publish(connectors.TopicRawFrameOut, connectors.RawFrame{
			Hex: strings.ToUpper(hex.EncodeToString(out.frame)),
			Len: len(out.frame),
		})
	}

	if out.attempt > 0 {
		if out.kind == kindDM {
			out.queued = false
			if out.attempt >= len(w.pacing.DMBackoff) {
				delete(st.waiters, out.messageID)
				metrics.ReliableFailed()
				w.logger.Info("direct message failed, backoff exhausted",
					"message_id", out.messageID, "attempts", out.attempt+1)
				w.resolve(out, StatusFailed, st.lastSendAt)
			} else if waiter, ok := st.waiters[out.messageID]; ok {
				waiter.deadline = st.lastSendAt.Add(w.pacing.DMBackoff[out.attempt])
			}
		}
		return
	}
	out.firstSent = st.lastSendAt

	switch out.kind {
	case kindControl:
	case kindDM:
		metrics.ReliableSent()
		st.waiters[out.messageID] = &ackWaiter{
			msg:      out,
			deadline: st.lastSendAt.Add(w.pacing.DMBackoff[0]),
		}
	case kindBroadcast:
		if out.wantAck {
			st.waiters[out.messageID] = &ackWaiter{
				msg:      out,
				deadline: st.lastSendAt.Add(w.pacing.BroadcastAckTTL),
			}
		} else {
			w.resolve(out, StatusNotTracked, st.lastSendAt)
		}
	}
}

func (w *Writer) resolveAck(st *writerState, ack AckReceived) {
	waiter, ok := st.waiters[ack.MessageID]
	if !ok {
		w.logger.Debug("ack for unknown message", "message_id", ack.MessageID)
		return
	}
	delete(st.waiters, ack.MessageID)

	now := time.Now()
	switch waiter.msg.kind {
	case kindDM:
		if ack.Failed {
			metrics.ReliableFailed()
			w.logger.Info("direct message rejected by routing",
				"message_id", ack.MessageID, "from", ack.FromNode)
			w.resolve(waiter.msg, StatusFailed, now)
			return
		}
		metrics.ReliableAcked()
		metrics.AckLatency(now.Sub(waiter.msg.firstSent))
		w.resolve(waiter.msg, StatusDelivered, now)
	case kindBroadcast:
		metrics.BroadcastConfirmed()
		w.logger.Debug("broadcast heard by at least one node",
			"message_id", ack.MessageID, "from", ack.FromNode)
		w.resolve(waiter.msg, StatusDelivered, now)
	}
}

// resolve reports the final result exactly once and mirrors it onto the
// bus.
func (w *Writer) resolve(out *outbound, status DeliveryStatus, now time.Time) {
	if out.done == nil {
		return
	}

	elapsed := time.Duration(0)
	if !out.firstSent.IsZero() {
		elapsed = now.Sub(out.firstSent)
	}
	res := DeliveryResult{
		Status:   status,
		Attempts: out.attempt + 1,
		Elapsed:  elapsed,
	}
	select {
	case out.done <- res:
	default:
		return
	}

	if w.bus != nil {
		w.bus.Publish(connectors.TopicDeliveryState, connectors.DeliveryState{
			MessageID: out.messageID,
			Direct:    out.kind == kindDM,
			Delivered: status == StatusDelivered,
			Attempts:  res.Attempts,
			Elapsed:   res.Elapsed,
		})
	}
}

// nextWake returns the earliest instant the loop has timed work: a
// pacing release for a queued frame or a waiter deadline.
func (w *Writer) nextWake(st *writerState, now time.Time) (time.Time, bool) {
	var wake time.Time
	consider := func(t time.Time) {
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}

	if idx := w.pickPending(st); idx >= 0 {
		at := w.earliestSend(st, st.pending[idx])
		if at.Before(now) {
			at = now
		}
		consider(at)
	}
	for _, waiter := range st.waiters {
		if waiter.msg.queued {
			continue
		}
		consider(waiter.deadline)
	}

	return wake, !wake.IsZero()
}

// abandon resolves every outstanding waiter and queued message as
// failed so no caller blocks past shutdown.
func (w *Writer) abandon(st *writerState) {
	now := time.Now()
	ids := make([]uint32, 0, len(st.waiters))
	for id := range st.waiters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		waiter := st.waiters[id]
		delete(st.waiters, id)
		w.resolve(waiter.msg, StatusFailed, now)
	}
	for _, out := range st.pending {
		w.resolve(out, StatusFailed, now)
	}
	st.pending = nil
}
