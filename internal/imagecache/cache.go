// Package imagecache bounds the memory held by decoded page images.
package imagecache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"goviewer.io/vellum/internal/ledger"
	"goviewer.io/vellum/models"
)

// evictionFraction is the share of entries removed per eviction pass.
const evictionFraction = 0.3

// Cache is an access-ordered store for decoded page images. Entry count
// never exceeds capacity after any call returns. Eviction removes the
// least-recently-accessed entries first, and can also be forced by the
// memory monitor when heap usage crosses the configured ceiling.
type Cache struct {
	capacity      int
	memoryCeiling int64
	monitorPeriod time.Duration

	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*models.ImageEntry
	seq     uint64
	bytes   int64
}

// Option tweaks a Cache, mainly for tests.
type Option func(*Cache)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache holding at most capacity entries. The memory ceiling
// and monitor period drive the pressure-triggered eviction path.
func New(capacity int, memoryCeiling int64, monitorPeriod time.Duration, led *ledger.Ledger, logger *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		capacity:      capacity,
		memoryCeiling: memoryCeiling,
		monitorPeriod: monitorPeriod,
		ledger:        led,
		logger:        logger,
		now:           time.Now,
		entries:       make(map[string]*models.ImageEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheImage stores a decoded page image. When the store is already at
// capacity an eviction pass runs first, then the entry is inserted.
func (c *Cache) CacheImage(key string, data []byte) {
	c.mu.Lock()
	freed := 0
	if len(c.entries) >= c.capacity {
		freed = c.freeLocked()
	}

	if old, ok := c.entries[key]; ok {
		c.bytes -= old.Size
	}
	c.seq++
	entry := &models.ImageEntry{
		Key:          key,
		Data:         data,
		Size:         int64(len(data)),
		LastAccessed: c.now(),
		Seq:          c.seq,
	}
	c.entries[key] = entry
	c.bytes += entry.Size
	c.mu.Unlock()

	if freed > 0 {
		c.ledger.CleanupUnusedResources()
	}
}

// GetCachedImage returns the stored image and refreshes its last-accessed
// timestamp. The caller records hits and misses on the ledger.
func (c *Cache) GetCachedImage(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry.LastAccessed = c.now()
	return entry.Data, true
}

// FreeMemory evicts the least-recently-accessed ceil(0.3*n) entries, where
// n is the entry count at call start, then prunes the ledger's stale timing
// traces and hints the collector.
func (c *Cache) FreeMemory() int {
	c.mu.Lock()
	removed := c.freeLocked()
	c.mu.Unlock()

	c.ledger.CleanupUnusedResources()
	return removed
}

// freeLocked evicts under the held lock. It iterates a snapshot of the
// entries taken at call start, never the live map, so back-to-back triggers
// from the insert path and the pressure monitor stay correct.
func (c *Cache) freeLocked() int {
	n := len(c.entries)
	if n == 0 {
		return 0
	}

	snapshot := make([]*models.ImageEntry, 0, n)
	for _, entry := range c.entries {
		snapshot = append(snapshot, entry)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].LastAccessed.Equal(snapshot[j].LastAccessed) {
			return snapshot[i].Seq < snapshot[j].Seq
		}
		return snapshot[i].LastAccessed.Before(snapshot[j].LastAccessed)
	})

	toRemove := int(math.Ceil(evictionFraction * float64(n)))
	for _, entry := range snapshot[:toRemove] {
		delete(c.entries, entry.Key)
		c.bytes -= entry.Size
	}

	c.logger.Debug("evicted page images",
		zap.Int("removed", toRemove),
		zap.Int("remaining", len(c.entries)))
	return toRemove
}

// Monitor polls heap usage on a fixed interval and forces an eviction pass
// whenever used bytes exceed the ceiling, independent of entry count. It
// blocks until ctx is canceled.
func (c *Cache) Monitor(ctx context.Context) {
	ticker := time.NewTicker(c.monitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckPressure()
		}
	}
}

// CheckPressure runs one memory-pressure probe. Split out of Monitor so
// tests can drive it without a ticker.
func (c *Cache) CheckPressure() {
	snapshot := c.ledger.MemoryUsage()
	if snapshot == nil {
		return
	}
	if snapshot.UsedBytes <= c.memoryCeiling {
		return
	}

	c.logger.Warn("memory pressure, evicting page images",
		zap.Int64("used_bytes", snapshot.UsedBytes),
		zap.Int64("ceiling_bytes", c.memoryCeiling))
	c.FreeMemory()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalBytes returns the cumulative decoded size of all entries. Eviction
// is count-based; byte totals are reported so a byte-budget policy can be
// layered on later.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Keys returns the current keys, unordered.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
