package nodecache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.json")
	return New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUpsertAndLookup(t *testing.T) {
	c := testCache(t)

	c.Upsert(0x10, "AL", "Alice Base")
	entry, ok := c.Lookup(0x10)
	if !ok {
		t.Fatal("node missing after upsert")
	}
	if entry.ShortName != "AL" || entry.LongName != "Alice Base" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.FirstSeen.IsZero() || entry.LastSeen.IsZero() {
		t.Error("timestamps not set")
	}

	if _, ok := c.Lookup(0x99); ok {
		t.Error("lookup of unknown node succeeded")
	}
}

func TestUpsertKeepsFirstSeen(t *testing.T) {
	c := testCache(t)

	c.Upsert(0x10, "AL", "Alice")
	first, _ := c.Lookup(0x10)

	time.Sleep(5 * time.Millisecond)
	c.Upsert(0x10, "AL2", "Alice Renamed")
	second, _ := c.Lookup(0x10)

	if !second.FirstSeen.Equal(first.FirstSeen) {
		t.Errorf("first_seen moved: %v -> %v", first.FirstSeen, second.FirstSeen)
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Error("last_seen not refreshed")
	}
	if second.ShortName != "AL2" {
		t.Error("rename not applied")
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1 (no duplicate)", c.Len())
	}
}

func TestSweepRemovesStale(t *testing.T) {
	c := testCache(t)

	c.Upsert(1, "OLD", "Old Node")
	// Backdate the entry past the staleness threshold.
	c.mu.Lock()
	entry := c.entries[1]
	entry.LastSeen = time.Now().UTC().Add(-8 * 24 * time.Hour)
	c.entries[1] = entry
	c.mu.Unlock()

	c.Upsert(2, "NEW", "Fresh Node")

	if removed := c.Sweep(7 * 24 * time.Hour); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := c.Lookup(1); ok {
		t.Error("stale node survived sweep")
	}
	if _, ok := c.Lookup(2); !ok {
		t.Error("fresh node removed by sweep")
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := New(path, logger)
	c.Upsert(0x10, "AL", "Alice")
	c.Upsert(0x20, "BO", "Bob")
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := New(path, logger)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("reloaded len = %d, want 2", reloaded.Len())
	}
	entry, ok := reloaded.Lookup(0x20)
	if !ok || entry.LongName != "Bob" {
		t.Errorf("reloaded entry = %+v ok=%v", entry, ok)
	}
	if entry.FirstSeen.IsZero() {
		t.Error("first_seen lost across reload")
	}
}

func TestSaveIsKeyedByNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	c := New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))

	c.Upsert(42, "AA", "Answer")
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	var byID map[string]Entry
	if err := json.Unmarshal(raw, &byID); err != nil {
		t.Fatalf("cache file is not a JSON object keyed by id: %v", err)
	}
	if _, ok := byID["42"]; !ok {
		t.Errorf("keys = %v, want key \"42\"", keysOf(byID))
	}
}

func keysOf(m map[string]Entry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	c := testCache(t)
	if err := c.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

func TestLoadSkipsMalformedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	blob := `{"42": {"short_name": "OK", "long_name": "Good", "last_seen": "2026-08-01T00:00:00Z"},
		"not-a-number": {"short_name": "BAD", "long_name": "Bad", "last_seen": "2026-08-01T00:00:00Z"}}`
	if err := os.WriteFile(path, []byte(blob), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	entry, _ := c.Lookup(42)
	if entry.FirstSeen.IsZero() {
		t.Error("first_seen not backfilled from last_seen")
	}
}

func TestSnapshotOrdered(t *testing.T) {
	c := testCache(t)
	c.Upsert(30, "C", "Charlie")
	c.Upsert(10, "A", "Alice")
	c.Upsert(20, "B", "Bob")

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].NodeNum >= snap[i].NodeNum {
			t.Fatalf("snapshot not ordered: %v", snap)
		}
	}
}

func TestRunDebouncedSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	c := New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	c.Upsert(7, "DB", "Debounced")

	// Inside the debounce window nothing is on disk yet.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("cache file written before debounce elapsed")
	}

	deadline := time.Now().Add(saveDebounce + 2*time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced save never happened")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestRunFinalSaveOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	c := New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	c.Upsert(8, "BY", "Goodbye")
	cancel()
	<-done

	reloaded := New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := reloaded.Lookup(8); !ok {
		t.Error("entry lost on shutdown without final save")
	}
}
