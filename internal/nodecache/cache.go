package nodecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

const saveDebounce = 2 * time.Second

// Entry is one known remote node identity.
type Entry struct {
	NodeNum   uint32    `json:"-"`
	ShortName string    `json:"short_name"`
	LongName  string    `json:"long_name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Cache is the persistent directory of node identities. The reader
// task is its only mutator; everyone else works from snapshots. Saves
// are debounced and written atomically under an advisory lock so a
// concurrently running inspection tool sees whole files only.
type Cache struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[uint32]Entry
	dirty   bool

	saveKick chan struct{}
}

func New(path string, logger *slog.Logger) *Cache {
	return &Cache{
		path:     path,
		logger:   logger,
		entries:  make(map[uint32]Entry),
		saveKick: make(chan struct{}, 1),
	}
}

// Load replaces the in-memory contents from the cache file. A missing
// file is a valid empty cache.
func (c *Cache) Load() error {
	lock, err := acquireFileLock(c.path)
	if err != nil {
		return fmt.Errorf("lock node cache: %w", err)
	}
	defer lock.Release()

	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read node cache: %w", err)
	}

	var byID map[string]Entry
	if err := json.Unmarshal(raw, &byID); err != nil {
		return fmt.Errorf("parse node cache: %w", err)
	}

	entries := make(map[uint32]Entry, len(byID))
	for key, entry := range byID {
		num, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			c.logger.Warn("skipping malformed node cache key", "key", key)
			continue
		}
		entry.NodeNum = uint32(num)
		if entry.FirstSeen.IsZero() {
			entry.FirstSeen = entry.LastSeen
		}
		entries[uint32(num)] = entry
	}

	c.mu.Lock()
	c.entries = entries
	c.dirty = false
	c.mu.Unlock()

	c.logger.Info("node cache loaded", "nodes", len(entries), "path", c.path)
	return nil
}

// Upsert records a node identity. Re-observation refreshes last_seen
// and keeps the original first_seen.
func (c *Cache) Upsert(nodeNum uint32, shortName, longName string) {
	now := time.Now().UTC()

	c.mu.Lock()
	entry, known := c.entries[nodeNum]
	if !known {
		entry = Entry{NodeNum: nodeNum, FirstSeen: now}
	}
	entry.ShortName = shortName
	entry.LongName = longName
	entry.LastSeen = now
	c.entries[nodeNum] = entry
	c.dirty = true
	c.mu.Unlock()

	c.kickSave()
}

// Lookup returns the entry for a node, if known.
func (c *Cache) Lookup(nodeNum uint32) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[nodeNum]
	return entry, ok
}

// Sweep drops entries whose last_seen is older than maxAge and returns
// how many were removed.
func (c *Cache) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	c.mu.Lock()
	removed := 0
	for num, entry := range c.entries {
		if entry.LastSeen.Before(cutoff) {
			delete(c.entries, num)
			removed++
		}
	}
	if removed > 0 {
		c.dirty = true
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Info("node cache swept", "removed", removed, "max_age", maxAge)
		c.kickSave()
	}
	return removed
}

// Snapshot returns all entries ordered by node number.
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeNum < out[j].NodeNum })
	return out
}

// Len reports the number of known nodes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Save writes the cache to disk immediately if there are unsaved
// changes.
func (c *Cache) Save() error {
	c.mu.RLock()
	dirty := c.dirty
	byID := make(map[string]Entry, len(c.entries))
	for num, entry := range c.entries {
		byID[strconv.FormatUint(uint64(num), 10)] = entry
	}
	c.mu.RUnlock()

	if !dirty {
		return nil
	}

	raw, err := json.MarshalIndent(byID, "", "  ")
	if err != nil {
		return fmt.Errorf("encode node cache: %w", err)
	}

	lock, err := acquireFileLock(c.path)
	if err != nil {
		return fmt.Errorf("lock node cache: %w", err)
	}
	defer lock.Release()

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write node cache temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace node cache file: %w", err)
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// Run flushes debounced saves until the context ends, then performs a
// final save so nothing observed before shutdown is lost.
func (c *Cache) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			if err := c.Save(); err != nil {
				c.logger.Error("final node cache save failed", "error", err)
			}
			return
		case <-c.saveKick:
			if !armed {
				timer.Reset(saveDebounce)
				armed = true
			}
		case <-timer.C:
			armed = false
			if err := c.Save(); err != nil {
				c.logger.Error("node cache save failed", "error", err)
			}
		}
	}
}

func (c *Cache) kickSave() {
	select {
	case c.saveKick <- struct{}{}:
	default:
	}
}
