package p2p

import (
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

type timedEntry[V any] struct {
	value V
	added time.Time
}

// timedCache is bounded by both capacity and age. Entries older than ttl are
// treated as absent and dropped when seen. A zero ttl never expires entries.
type timedCache[K comparable, V any] struct {
	entries *lru.Cache[K, timedEntry[V]]
	clock   clock.Clock
	ttl     time.Duration
}

func newTimedCache[K comparable, V any](size int, ttl time.Duration, clk clock.Clock) *timedCache[K, V] {
	if size < 1 {
		size = 1
	}

	// lru.New only fails on a non positive size
	entries, _ := lru.New[K, timedEntry[V]](size)

	return &timedCache[K, V]{
		entries: entries,
		clock:   clk,
		ttl:     ttl,
	}
}

// Add inserts or refreshes key
func (c *timedCache[K, V]) Add(key K, value V) {
	c.entries.Add(key, timedEntry[V]{value: value, added: c.clock.Now()})
}

// Get returns the value for key if present and not expired
func (c *timedCache[K, V]) Get(key K) (V, bool) {
	entry, ok := c.entries.Peek(key)
	if !ok {
		var zero V
		return zero, false
	}

	if c.ttl > 0 && c.clock.Since(entry.added) > c.ttl {
		c.entries.Remove(key)
		var zero V
		return zero, false
	}

	return entry.value, true
}

// Contains returns whether key is present and not expired
func (c *timedCache[K, V]) Contains(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Remove deletes key, reporting whether it was present and not expired
func (c *timedCache[K, V]) Remove(key K) bool {
	ok := c.Contains(key)
	c.entries.Remove(key)
	return ok
}

// Prune drops expired entries and returns the number of live entries.
// Entries are only reordered by Add, so the oldest entry expires first.
func (c *timedCache[K, V]) Prune() int {
	if c.ttl > 0 {
		for {
			_, entry, ok := c.entries.GetOldest()
			if !ok || c.clock.Since(entry.added) <= c.ttl {
				break
			}
			c.entries.RemoveOldest()
		}
	}

	return c.entries.Len()
}

// Len returns the number of entries, including expired entries not yet dropped
func (c *timedCache[K, V]) Len() int {
	return c.entries.Len()
}
