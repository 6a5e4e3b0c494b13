// ABOUTME: Thread-safe TTL cache of last-known agent facts per user.
// ABOUTME: Advisory state only; consumers must tolerate stale or absent entries.

package metadata

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is the last-known set of facts about one user's agent. It accelerates
// future probes (remembered port) and enriches status reporting; every
// consumer must fall back to defaults when it is missing or stale.
type Entry struct {
	UserID         string
	Port           int
	HomeDirectory  string
	Platform       string
	HasPermissions bool
	Mode           string
	CheckedAt      time.Time
}

// Persister is an optional durable tier under the cache. Writes are
// best-effort; a failing persister never fails the caller.
type Persister interface {
	SaveEntry(ctx context.Context, entry Entry) error
	LoadEntry(ctx context.Context, userID string) (Entry, error)
}

// record stores the entry and its position in the eviction order.
type record struct {
	entry   Entry
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited cache of agent metadata.
// A background goroutine periodically removes expired entries. The write path
// (Put) is deliberately separate from the read path (Get): stale reads are a
// documented behavior, not a side effect.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*record
	order   *list.List // user IDs in upsert order (oldest at front)
	ttl     time.Duration
	maxSize int
	store   Persister
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// NewCache creates a metadata cache with the given TTL and maximum size.
// store may be nil; when present it is written through on Put and consulted
// on a cache miss.
func NewCache(ttl time.Duration, maxSize int, store Persister, logger *slog.Logger) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		entries: make(map[string]*record),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		store:   store,
		logger:  logger.With("component", "metadata"),
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached entry for userID if present and fresh. On a miss it
// consults the persister, re-priming the cache from durable state so a
// restarted gateway still remembers which port answered last time.
func (c *Cache) Get(ctx context.Context, userID string) (Entry, bool) {
	c.mu.RLock()
	rec, ok := c.entries[userID]
	c.mu.RUnlock()

	if ok && time.Since(rec.entry.CheckedAt) < c.ttl {
		return rec.entry, true
	}

	if c.store == nil {
		return Entry{}, false
	}
	entry, err := c.store.LoadEntry(ctx, userID)
	if err != nil {
		return Entry{}, false
	}
	c.put(entry, false)
	return entry, true
}

// Port returns the remembered port for userID, or fallback when nothing
// usable is cached. This is the two-tier lookup the health classifier and
// router use: cached value first, well-known default second.
func (c *Cache) Port(ctx context.Context, userID string, fallback int) int {
	if entry, ok := c.Get(ctx, userID); ok && entry.Port > 0 {
		return entry.Port
	}
	return fallback
}

// Put upserts the entry for its user and writes through to the persister
// when one is configured.
func (c *Cache) Put(ctx context.Context, entry Entry) {
	c.put(entry, true)

	if c.store != nil {
		if err := c.store.SaveEntry(ctx, entry); err != nil {
			c.logger.Warn("persisting agent metadata failed", "user_id", entry.UserID, "error", err)
		}
	}
}

func (c *Cache) put(entry Entry, refresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, exists := c.entries[entry.UserID]; exists {
		if refresh || rec.entry.CheckedAt.Before(entry.CheckedAt) {
			rec.entry = entry
		}
		c.order.MoveToBack(rec.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(entry.UserID)
	c.entries[entry.UserID] = &record{entry: entry, element: elem}
}

// evictOldest removes the least recently upserted entry. Must be called with
// mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	userID, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, userID)
}

// cleanup runs in a background goroutine, removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for userID, rec := range c.entries {
		if now.Sub(rec.entry.CheckedAt) > c.ttl {
			c.order.Remove(rec.element)
			delete(c.entries, userID)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
