package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Meshtastic.BaudRate != DefaultSerialBaud {
		t.Fatalf("baud rate: got %d want %d", cfg.Meshtastic.BaudRate, DefaultSerialBaud)
	}
	if got := cfg.Pacing.DMResendBackoffSeconds; len(got) != 3 || got[0] != 4 || got[1] != 8 || got[2] != 16 {
		t.Fatalf("default backoff schedule: got %v", got)
	}
}

func TestLoadClampsMinSendGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	raw := "[meshtastic]\nport = \"/dev/ttyACM0\"\n\n[pacing]\nmin_send_gap_ms = 500\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pacing.MinSendGapMs != MinSendGapFloorMs {
		t.Fatalf("min send gap not clamped: got %d want %d", cfg.Pacing.MinSendGapMs, MinSendGapFloorMs)
	}
	if cfg.Meshtastic.Port != "/dev/ttyACM0" {
		t.Fatalf("port: got %q", cfg.Meshtastic.Port)
	}
}

func TestEffectiveHelpBroadcastDelayNeverUndercutsFloor(t *testing.T) {
	cfg := Default().Pacing
	cfg.HelpBroadcastDelayMs = 100 // far below min gap + post-DM gap

	want := cfg.MinSendGap() + cfg.PostDMBroadcastGap()
	if got := cfg.EffectiveHelpBroadcastDelay(); got != want {
		t.Fatalf("effective help delay: got %v want %v", got, want)
	}

	cfg.HelpBroadcastDelayMs = 10_000
	if got := cfg.EffectiveHelpBroadcastDelay(); got != 10*time.Second {
		t.Fatalf("configured delay should win when larger: got %v", got)
	}
}

func TestValidateRejectsBadBackoff(t *testing.T) {
	cfg := Default()
	cfg.Pacing.DMResendBackoffSeconds = []int{4, 0, 16}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive backoff interval")
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Meshtastic.Port = "/dev/ttyUSB1"
	cfg.Pacing.DMToDMGapMs = 2500

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Meshtastic.Port != "/dev/ttyUSB1" {
		t.Fatalf("port: got %q", got.Meshtastic.Port)
	}
	if got.Pacing.DMToDMGap() != 2500*time.Millisecond {
		t.Fatalf("dm-to-dm gap: got %v", got.Pacing.DMToDMGap())
	}
}
