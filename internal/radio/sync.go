package radio

import (
	"log/slog"
	"time"
)

type SyncPhase int

const (
	SyncNotStarted SyncPhase = iota
	SyncRequested
	SyncPartiallyConfigured
	SyncComplete
)

func (p SyncPhase) String() string {
	switch p {
	case SyncNotStarted:
		return "not_started"
	case SyncRequested:
		return "requested"
	case SyncPartiallyConfigured:
		return "partially_configured"
	case SyncComplete:
		return "complete"
	default:
		return "unknown"
	}
}

const (
	wantConfigResendAfter = 7 * time.Second
	heartbeatSyncing      = 3 * time.Second
	heartbeatSteady       = 30 * time.Second
)

// syncTracker drives the configuration handshake with the device. It
// is a plain state machine; the service goroutine owns it and feeds it
// decoded events and timer ticks.
type syncTracker struct {
	logger *slog.Logger

	phase       SyncPhase
	requestID   uint32
	requestedAt time.Time

	haveMyInfo       bool
	haveDeviceConfig bool
	haveModuleConfig bool
	complete         bool
}

func newSyncTracker(logger *slog.Logger) *syncTracker {
	return &syncTracker{logger: logger}
}

func (s *syncTracker) Phase() SyncPhase {
	return s.phase
}

func (s *syncTracker) Ready() bool {
	return s.phase == SyncComplete
}

// Reset returns the tracker to the initial state. Called on every
// reconnect so a fresh handshake runs against the new session.
func (s *syncTracker) Reset() {
	*s = syncTracker{logger: s.logger}
}

// Requested records that a want-config frame with the given identifier
// went out at now.
func (s *syncTracker) Requested(requestID uint32, now time.Time) {
	if s.phase == SyncNotStarted {
		s.phase = SyncRequested
	}
	s.requestID = requestID
	s.requestedAt = now
	s.logger.Debug("config requested", "request_id", requestID)
}

// NeedsResend reports whether the outstanding request has gone
// unanswered long enough to warrant a fresh one.
func (s *syncTracker) NeedsResend(now time.Time) bool {
	if s.phase == SyncNotStarted || s.phase == SyncComplete {
		return false
	}
	return now.Sub(s.requestedAt) >= wantConfigResendAfter
}

// HeartbeatInterval is short while the handshake is in flight and
// relaxes once the session is synced.
func (s *syncTracker) HeartbeatInterval() time.Duration {
	if s.phase == SyncComplete {
		return heartbeatSteady
	}
	return heartbeatSyncing
}

// Observe updates the handshake from one decoded event and reports
// whether the phase changed.
func (s *syncTracker) Observe(ev Event) bool {
	if s.phase == SyncNotStarted || s.phase == SyncComplete {
		return false
	}

	switch ev := ev.(type) {
	case MyInfo:
		s.haveMyInfo = true
	case ConfigFragment:
		if ev.Kind == ConfigKindModule {
			s.haveModuleConfig = true
		} else {
			s.haveDeviceConfig = true
		}
	case ConfigComplete:
		if s.requestID != 0 && ev.RequestID != s.requestID {
			s.logger.Debug("stale config complete ignored",
				"request_id", ev.RequestID, "want", s.requestID)
			return false
		}
		s.complete = true
	default:
		return false
	}

	return s.advance()
}

func (s *syncTracker) advance() bool {
	prev := s.phase
	switch {
	// Module config never gates completion: the device ends the
	// download with config_complete regardless, and some firmware
	// ships no module sections at all.
	case s.complete && s.haveMyInfo && s.haveDeviceConfig:
		s.phase = SyncComplete
	case s.haveMyInfo || s.haveDeviceConfig || s.haveModuleConfig:
		s.phase = SyncPartiallyConfigured
	}
	if s.phase != prev {
		s.logger.Info("handshake phase changed",
			"from", prev.String(), "to", s.phase.String(),
			"module_config", s.haveModuleConfig)
		return true
	}
	return false
}
