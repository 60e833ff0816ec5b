package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/martinbogo/meshbbs/internal/config"
)

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	m := NewManager()
	defer func() { _ = m.Close() }()

	err := m.Configure(config.LoggingConfig{Level: "chatty"})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestConfigureWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshbbs.log")
	m := NewManager()
	defer func() { _ = m.Close() }()

	if err := m.Configure(config.LoggingConfig{Level: "debug", File: path}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	m.Logger("test").Info("hello from test", "answer", 42)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "hello from test") {
		t.Fatalf("log file missing entry: %q", string(raw))
	}
	if !strings.Contains(string(raw), "component=test") {
		t.Fatalf("log file missing component attr: %q", string(raw))
	}
}

func TestLoggerCarriesComponent(t *testing.T) {
	m := NewManager()
	defer func() { _ = m.Close() }()

	if m.Logger("radio") == nil {
		t.Fatal("expected non-nil component logger")
	}
}
