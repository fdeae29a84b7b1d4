// ABOUTME: Thread-safe TTL cache for suppressing duplicate entity-change applies
// ABOUTME: A change already written via sync merge-back is not re-applied when pushed

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// ChangeKey builds the cache key for one committed change. A record version
// is identified by its type, id, and authority timestamp, so the same
// version arriving twice (merge-back plus push, or a reconnect replay) maps
// to the same key while a newer version of the record does not.
func ChangeKey(entityType, entityID, updatedAt string) string {
	return strings.Join([]string{entityType, entityID, updatedAt}, "|")
}

// entry stores the timestamp and list element for a cached key.
type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited set of recently applied
// change keys. Insertion order is kept in a doubly-linked list for O(1)
// eviction when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine periodically drops expired entries; call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Seen atomically checks whether the key was applied recently and marks it
// if not. Returns true for a duplicate, false for a new key now marked.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && time.Since(e.timestamp) < c.ttl {
		return true
	}

	c.mark(key)
	return false
}

// mark records a key. Must be called with mu held.
func (c *Cache) mark(key string) {
	now := time.Now()

	if e, exists := c.seen[key]; exists {
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{timestamp: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

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
	for key, e := range c.seen {
		if now.Sub(e.timestamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
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
