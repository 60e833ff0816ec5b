package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultSerialBaud = 115200

	// MinSendGapFloorMs is the lowest allowed global send gap. Gaps below
	// this risk device-level rate limiting and airtime violations, so
	// smaller configured values are clamped up, never honored.
	MinSendGapFloorMs = 2000

	DefaultMaxFrameBytes   = 512
	DefaultMaxMessageBytes = 230
	DefaultNodeMaxAgeDays  = 7
)

// MeshtasticConfig holds serial link and node cache settings.
type MeshtasticConfig struct {
	Port            string `toml:"port"`
	BaudRate        int    `toml:"baud_rate"`
	Channel         uint32 `toml:"channel"`
	NodeCacheFile   string `toml:"node_cache_file"`
	NodeMaxAgeDays  int    `toml:"node_max_age_days"`
	MaxFrameBytes   int    `toml:"max_frame_bytes"`
	MaxMessageBytes int    `toml:"max_message_bytes"`
}

// PacingConfig holds the send scheduling floors and reliability timers.
// All gap fields are hard floors interpreted by the writer task.
type PacingConfig struct {
	MinSendGapMs           int   `toml:"min_send_gap_ms"`
	DMToDMGapMs            int   `toml:"dm_to_dm_gap_ms"`
	PostDMBroadcastGapMs   int   `toml:"post_dm_broadcast_gap_ms"`
	HelpBroadcastDelayMs   int   `toml:"help_broadcast_delay_ms"`
	DMResendBackoffSeconds []int `toml:"dm_resend_backoff_seconds"`
	BroadcastAckTTLMs      int   `toml:"broadcast_ack_ttl_ms"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Config is the root persisted configuration.
type Config struct {
	Meshtastic MeshtasticConfig `toml:"meshtastic"`
	Pacing     PacingConfig     `toml:"pacing"`
	Logging    LoggingConfig    `toml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

func Default() Config {
	return Config{
		Meshtastic: MeshtasticConfig{
			Port:            "/dev/ttyUSB0",
			BaudRate:        DefaultSerialBaud,
			Channel:         0,
			NodeCacheFile:   "data/node_cache.json",
			NodeMaxAgeDays:  DefaultNodeMaxAgeDays,
			MaxFrameBytes:   DefaultMaxFrameBytes,
			MaxMessageBytes: DefaultMaxMessageBytes,
		},
		Pacing: PacingConfig{
			MinSendGapMs:           MinSendGapFloorMs,
			DMToDMGapMs:            1500,
			PostDMBroadcastGapMs:   1000,
			HelpBroadcastDelayMs:   3000,
			DMResendBackoffSeconds: []int{4, 8, 16},
			BroadcastAckTTLMs:      8000,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9184",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the operator's own CLI flag.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config toml: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

// FillMissingDefaults normalizes zero values and clamps pacing fields to
// their structural floors.
func (c *Config) FillMissingDefaults() {
	def := Default()

	if c.Meshtastic.BaudRate <= 0 {
		c.Meshtastic.BaudRate = DefaultSerialBaud
	}
	if strings.TrimSpace(c.Meshtastic.NodeCacheFile) == "" {
		c.Meshtastic.NodeCacheFile = def.Meshtastic.NodeCacheFile
	}
	if c.Meshtastic.NodeMaxAgeDays <= 0 {
		c.Meshtastic.NodeMaxAgeDays = DefaultNodeMaxAgeDays
	}
	if c.Meshtastic.MaxFrameBytes <= 0 {
		c.Meshtastic.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Meshtastic.MaxMessageBytes <= 0 || c.Meshtastic.MaxMessageBytes > c.Meshtastic.MaxFrameBytes {
		c.Meshtastic.MaxMessageBytes = DefaultMaxMessageBytes
	}

	if c.Pacing.MinSendGapMs < MinSendGapFloorMs {
		c.Pacing.MinSendGapMs = MinSendGapFloorMs
	}
	if c.Pacing.DMToDMGapMs < 0 {
		c.Pacing.DMToDMGapMs = 0
	}
	if c.Pacing.PostDMBroadcastGapMs < 0 {
		c.Pacing.PostDMBroadcastGapMs = 0
	}
	if c.Pacing.HelpBroadcastDelayMs < 0 {
		c.Pacing.HelpBroadcastDelayMs = 0
	}
	if len(c.Pacing.DMResendBackoffSeconds) == 0 {
		c.Pacing.DMResendBackoffSeconds = append([]int(nil), def.Pacing.DMResendBackoffSeconds...)
	}
	if c.Pacing.BroadcastAckTTLMs <= 0 {
		c.Pacing.BroadcastAckTTLMs = def.Pacing.BroadcastAckTTLMs
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Metrics.Listen) == "" {
		c.Metrics.Listen = def.Metrics.Listen
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Meshtastic.Port) == "" {
		return errors.New("meshtastic port is required")
	}
	if c.Meshtastic.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate: %d", c.Meshtastic.BaudRate)
	}
	for i, sec := range c.Pacing.DMResendBackoffSeconds {
		if sec <= 0 {
			return fmt.Errorf("dm_resend_backoff_seconds[%d] must be positive: %d", i, sec)
		}
	}

	return nil
}

// MinSendGap returns the clamped global gap as a duration.
func (c PacingConfig) MinSendGap() time.Duration {
	gap := c.MinSendGapMs
	if gap < MinSendGapFloorMs {
		gap = MinSendGapFloorMs
	}

	return time.Duration(gap) * time.Millisecond
}

func (c PacingConfig) DMToDMGap() time.Duration {
	return time.Duration(c.DMToDMGapMs) * time.Millisecond
}

func (c PacingConfig) PostDMBroadcastGap() time.Duration {
	return time.Duration(c.PostDMBroadcastGapMs) * time.Millisecond
}

// EffectiveHelpBroadcastDelay never undercuts the structural pacing floor:
// a help notice scheduled after a DM waits at least the global gap plus
// the post-DM broadcast gap even when its own delay is configured lower.
func (c PacingConfig) EffectiveHelpBroadcastDelay() time.Duration {
	composite := c.MinSendGap() + c.PostDMBroadcastGap()
	own := time.Duration(c.HelpBroadcastDelayMs) * time.Millisecond
	if own > composite {
		return own
	}

	return composite
}

// DMResendBackoff returns the retry offsets as durations.
func (c PacingConfig) DMResendBackoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.DMResendBackoffSeconds))
	for _, sec := range c.DMResendBackoffSeconds {
		out = append(out, time.Duration(sec)*time.Second)
	}

	return out
}

func (c PacingConfig) BroadcastAckTTL() time.Duration {
	return time.Duration(c.BroadcastAckTTLMs) * time.Millisecond
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}
