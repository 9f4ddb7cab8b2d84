// Package dedup remembers recently processed inbound message identifiers so
// that at-least-once redelivery does not cause duplicate side effects.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
)

const (
	DefaultWindow   = 60 * time.Second
	DefaultCapacity = 1000
	DefaultBucket   = 60 * time.Second
)

// Cache is a bounded, time-windowed set of message identifiers. It is safe
// for concurrent use.
type Cache struct {
	logger   *slog.Logger
	window   time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for sweep diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New constructs a cache. Non-positive window or capacity fall back to the defaults.
func New(window time.Duration, capacity int, opts ...Option) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		logger:   slog.Default(),
		window:   window,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsDuplicate reports whether id was already seen within the window. A miss
// (never seen, or seen longer ago than the window) records id with the
// current time.
func (c *Cache) IsDuplicate(id string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.entries[id]; ok && now.Sub(seen) < c.window {
		return true
	}

	if _, ok := c.entries[id]; !ok && len(c.entries) >= c.capacity {
		// make room first so the insert never exceeds capacity
		c.sweepLocked(now, c.capacity-1)
	}
	c.entries[id] = now
	return false
}

// Sweep drops expired entries and trims the cache to half capacity when it
// is still over capacity. It returns the number of removed entries.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now, c.capacity)
}

// sweepLocked drops expired entries, then trims to half capacity when more
// than limit entries remain.
func (c *Cache) sweepLocked(now time.Time, limit int) int {
	removed := 0
	for id, seen := range c.entries {
		if now.Sub(seen) >= c.window {
			delete(c.entries, id)
			removed++
		}
	}

	if len(c.entries) <= limit {
		return removed
	}

	records := make([]model.ProcessedMessageRecord, 0, len(c.entries))
	for id, seen := range c.entries {
		records = append(records, model.ProcessedMessageRecord{MessageID: id, FirstSeen: seen})
	}
	sortOldestFirst(records)

	target := c.capacity / 2
	for _, r := range records[:len(records)-target] {
		delete(c.entries, r.MessageID)
		removed++
	}
	c.logger.Debug("dedup cache trimmed", "removed", removed, "remaining", len(c.entries))
	return removed
}

// Len returns the number of physically stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps the cache every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("dedup sweep", "removed", n)
			}
		}
	}
}

// Snapshot returns the unexpired entries, oldest first.
func (c *Cache) Snapshot() []model.ProcessedMessageRecord {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]model.ProcessedMessageRecord, 0, len(c.entries))
	for id, seen := range c.entries {
		if now.Sub(seen) < c.window {
			records = append(records, model.ProcessedMessageRecord{MessageID: id, FirstSeen: seen})
		}
	}
	sortOldestFirst(records)
	return records
}

// Restore loads previously persisted entries, skipping expired ones and
// keeping the newest when more than capacity are offered.
func (c *Cache) Restore(records []model.ProcessedMessageRecord) {
	now := c.now()
	sorted := append([]model.ProcessedMessageRecord(nil), records...)
	sortOldestFirst(sorted)
	if len(sorted) > c.capacity {
		sorted = sorted[len(sorted)-c.capacity:]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range sorted {
		if now.Sub(r.FirstSeen) >= c.window {
			continue
		}
		if len(c.entries) >= c.capacity {
			c.sweepLocked(now, c.capacity-1)
		}
		c.entries[r.MessageID] = r.FirstSeen
	}
}

func sortOldestFirst(records []model.ProcessedMessageRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].FirstSeen.Before(records[j].FirstSeen)
	})
}

// MessageID derives a stable identifier for an inbound message that carries
// none. Redeliveries of the same payload on the same topic inside one
// timestamp bucket map to the same identifier.
func MessageID(topic string, payload []byte, ts time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	payloadSum := sha256.Sum256(payload)

	var slot [8]byte
	binary.BigEndian.PutUint64(slot[:], uint64(ts.UnixNano()/int64(bucket)))

	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payloadSum[:])
	h.Write(slot[:])
	return hex.EncodeToString(h.Sum(nil)[:16])
}
