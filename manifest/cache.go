// Package manifest reads, caches and edits the build manifests that declare
// a module's dependencies.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// FileAccess is raw manifest I/O.
type FileAccess interface {
	Read(path string) (string, error)
	Write(path, text string) error
}

// OSFileAccess reads and writes the local filesystem.
type OSFileAccess struct{}

func (OSFileAccess) Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (OSFileAccess) Write(path, text string) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(path, []byte(text), mode)
}

// Stats counts cache traffic.
type Stats struct {
	Hits   int64
	Misses int64
	Reads  int64
	Writes int64
}

// Cache is a read-through cache of manifest text keyed by normalized
// absolute path. Each path is read at most once until it is written or
// invalidated.
type Cache struct {
	access FileAccess

	mu      sync.RWMutex
	entries map[string]string
	// A read stores its result only if neither the epoch nor the key's
	// generation moved while it was in flight. Invalidate bumps the key,
	// InvalidateAll bumps the epoch.
	epoch  uint64
	gens   map[string]uint64
	flight *singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	reads  atomic.Int64
	writes atomic.Int64
}

func NewCache(access FileAccess) *Cache {
	if access == nil {
		access = OSFileAccess{}
	}
	return &Cache{
		access:  access,
		entries: make(map[string]string),
		gens:    make(map[string]uint64),
		flight:  &singleflight.Group{},
	}
}

// Normalize returns the cleaned absolute form of path.
func Normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("normalize %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

func (c *Cache) Read(path string) (string, error) {
	key, err := Normalize(path)
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	text, ok := c.entries[key]
	epoch, gen, flight := c.epoch, c.gens[key], c.flight
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return text, nil
	}
	c.misses.Add(1)

	v, err, _ := flight.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		text, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return text, nil
		}
		c.reads.Add(1)
		text, err := c.access.Read(key)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		if c.epoch == epoch && c.gens[key] == gen {
			c.entries[key] = text
		}
		c.mu.Unlock()
		return text, nil
	})
	if err != nil {
		return "", fmt.Errorf("read manifest %s: %w", key, err)
	}
	return v.(string), nil
}

// Write persists text and drops the cached entry for path only.
func (c *Cache) Write(path, text string) error {
	key, err := Normalize(path)
	if err != nil {
		return err
	}
	c.writes.Add(1)
	werr := c.access.Write(key, text)
	c.Invalidate(key)
	if werr != nil {
		return fmt.Errorf("write manifest %s: %w", key, werr)
	}
	return nil
}

// Invalidate drops the cached entry for path. Reads of other paths are
// unaffected.
func (c *Cache) Invalidate(path string) {
	key, err := Normalize(path)
	if err != nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	flight := c.flight
	c.mu.Unlock()
	flight.Forget(key)
}

// InvalidateAll starts a new generation with an empty cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]string)
	c.gens = make(map[string]uint64)
	c.epoch++
	c.flight = &singleflight.Group{}
	c.mu.Unlock()
}

// Contains reports whether path is currently cached.
func (c *Cache) Contains(path string) bool {
	key, err := Normalize(path)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Reads:  c.reads.Load(),
		Writes: c.writes.Load(),
	}
}
