package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/martinbogo/meshbbs/internal/bus"
	"github.com/martinbogo/meshbbs/internal/connectors"
	"github.com/martinbogo/meshbbs/internal/nodecache"
	"github.com/martinbogo/meshbbs/internal/transport"
)

const (
	reconnectBackoffStart = time.Second
	reconnectBackoffMax   = 15 * time.Second
	resendCheckInterval   = time.Second
	nodeSweepInterval     = time.Hour
)

var ErrNotConnected = errors.New("radio link is not connected")

// Service is the transport facade: the one object the BBS layer
// touches. It owns the reader and writer tasks, the configuration
// handshake, and the reconnect loop, and exposes the decoded event
// stream and a paced send queue.
type Service struct {
	logger *slog.Logger
	bus    bus.MessageBus
	tr     transport.Transport
	codec  Codec
	pacing PacingParams
	decCfg transport.DecoderConfig
	legacy transport.LegacyFramer

	nodes      *nodecache.Cache
	nodeMaxAge time.Duration

	events    chan Event
	handshake *syncTracker

	mu     sync.Mutex
	writer *Writer
	ready  bool
}

type ServiceConfig struct {
	Pacing     PacingParams
	Decoder    transport.DecoderConfig
	Legacy     transport.LegacyFramer
	NodeMaxAge time.Duration
}

func NewService(logger *slog.Logger, b bus.MessageBus, tr transport.Transport, codec Codec, nodes *nodecache.Cache, cfg ServiceConfig) *Service {
	return &Service{
		logger:     logger,
		bus:        b,
		tr:         tr,
		codec:      codec,
		pacing:     cfg.Pacing,
		decCfg:     cfg.Decoder,
		legacy:     cfg.Legacy,
		nodes:      nodes,
		nodeMaxAge: cfg.NodeMaxAge,
		events:     make(chan Event, 128),
		handshake:  newSyncTracker(logger.With("component", "sync")),
	}
}

// Start brings up the node cache and the connect loop. It returns
// immediately; the service reconnects on its own until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if err := s.nodes.Load(); err != nil {
		return fmt.Errorf("load node cache: %w", err)
	}
	go s.nodes.Run(ctx)
	go s.runNodeSweeper(ctx)
	go s.runConnector(ctx)
	return nil
}

// Events is the ordered stream of decoded events for the BBS layer.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Send queues one outgoing message on the current session. It fails
// fast when the link is down; the BBS layer owns the retry decision at
// that level.
func (s *Service) Send(ctx context.Context, msg OutgoingMessage) (*Receipt, error) {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return nil, ErrNotConnected
	}
	return w.Send(ctx, msg)
}

// Ready reports whether the device finished its configuration
// handshake for the current session.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// LocalNodeNum returns the device's own node number, or zero before the
// handshake delivered it.
func (s *Service) LocalNodeNum() uint32 {
	return s.codec.LocalNodeNum()
}

// Nodes returns a snapshot of the known node directory.
func (s *Service) Nodes() []nodecache.Entry {
	return s.nodes.Snapshot()
}

func (s *Service) runNodeSweeper(ctx context.Context) {
	ticker := time.NewTicker(nodeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.nodes.Sweep(s.nodeMaxAge)
		}
	}
}

func (s *Service) runConnector(ctx context.Context) {
	backoff := reconnectBackoffStart
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		s.publishConnStatus(connectors.ConnectionStateConnecting, nil)
		if err := s.tr.Connect(ctx); err != nil {
			s.publishConnStatus(connectors.ConnectionStateReconnecting, err)
			s.logger.Error("transport connect failed", "error", err)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			if backoff < reconnectBackoffMax {
				backoff *= 2
			}
			continue
		}

		backoff = reconnectBackoffStart
		s.publishConnStatus(connectors.ConnectionStateConnected, nil)

		err := s.runSession(ctx)
		_ = s.tr.Close()
		if ctx.Err() != nil {
			return
		}

		s.publishConnStatus(connectors.ConnectionStateReconnecting, err)
		if !sleepWithContext(ctx, backoff) {
			return
		}
		if backoff < reconnectBackoffMax {
			backoff *= 2
		}
	}
}

// runSession drives one connected session: reader and writer tasks, the
// configuration handshake, and heartbeats. It returns when the link
// dies or the context ends.
func (s *Service) runSession(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := transport.NewDecoder(s.logger.With("component", "framer"), s.decCfg, s.legacy)
	reader := NewReader(s.tr, s.codec, dec, s.bus, s.logger.With("component", "reader"))
	writer := NewWriter(s.tr, s.codec, s.pacing, s.bus, s.logger.With("component", "writer"))

	s.handshake.Reset()
	s.setSession(writer, false)
	defer s.setSession(nil, false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = reader.Run(sessionCtx)
	}()
	go func() {
		defer wg.Done()
		_ = writer.Run(sessionCtx)
	}()
	// Cancel before waiting: when the session ends because one side
	// reported the link down, the other task is still blocked on it.
	defer func() {
		cancel()
		wg.Wait()
	}()

	if err := s.requestConfig(sessionCtx, writer); err != nil {
		return err
	}

	heartbeat := time.NewTicker(s.handshake.HeartbeatInterval())
	defer heartbeat.Stop()
	resendCheck := time.NewTicker(resendCheckInterval)
	defer resendCheck.Stop()

	for {
		select {
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		case <-reader.Down():
			return errors.New("read side down")
		case <-writer.Down():
			return errors.New("write side down")
		case ev := <-reader.Events():
			s.handleEvent(sessionCtx, writer, heartbeat, ev)
		case <-resendCheck.C:
			if s.handshake.NeedsResend(time.Now()) {
				s.logger.Warn("configuration handshake stalled, resending request")
				if err := s.requestConfig(sessionCtx, writer); err != nil {
					return err
				}
			}
		case <-heartbeat.C:
			payload, err := s.codec.EncodeHeartbeat()
			if err != nil {
				s.logger.Debug("encode heartbeat failed", "error", err)
				continue
			}
			if err := writer.SendControl(sessionCtx, payload); err != nil {
				return fmt.Errorf("queue heartbeat: %w", err)
			}
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, writer *Writer, heartbeat *time.Ticker, ev Event) {
	if s.handshake.Observe(ev) {
		s.setSession(writer, s.handshake.Ready())
		heartbeat.Reset(s.handshake.HeartbeatInterval())
		s.bus.Publish(connectors.TopicSyncState, connectors.SyncState{
			Phase:     s.handshake.Phase().String(),
			RequestID: s.handshake.requestID,
			Timestamp: time.Now(),
		})
		if s.handshake.Ready() {
			s.logger.Info("device ready", "node_num", s.codec.LocalNodeNum())
		}
	}

	switch ev := ev.(type) {
	case AckReceived:
		// The writer resolves the receipt; the event still surfaces so
		// consumers can observe acks directly.
		writer.HandleAck(ev)
	case NodeInfo:
		s.nodes.Upsert(ev.NodeNum, ev.ShortName, ev.LongName)
		s.bus.Publish(connectors.TopicNodeSeen, connectors.NodeSeen{
			NodeNum:   ev.NodeNum,
			ShortName: ev.ShortName,
			LongName:  ev.LongName,
			Timestamp: time.Now(),
		})
	}

	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Service) requestConfig(ctx context.Context, writer *Writer) error {
	payload, requestID, err := s.codec.EncodeWantConfig()
	if err != nil {
		return fmt.Errorf("encode want_config: %w", err)
	}
	if err := writer.SendControl(ctx, payload); err != nil {
		return fmt.Errorf("queue want_config: %w", err)
	}
	s.handshake.Requested(requestID, time.Now())
	return nil
}

func (s *Service) setSession(writer *Writer, ready bool) {
	s.mu.Lock()
	s.writer = writer
	s.ready = ready
	s.mu.Unlock()
}

func (s *Service) publishConnStatus(state connectors.ConnectionState, err error) {
	status := connectors.ConnStatus{
		State:         state,
		TransportName: s.tr.Name(),
		Timestamp:     time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	s.bus.Publish(connectors.TopicConnStatus, status)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
