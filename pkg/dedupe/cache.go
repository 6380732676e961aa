// Package dedupe remembers recently seen keys so work already handled is
// not repeated.
package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/clock"
)

type entry[K comparable] struct {
	key      K
	markedAt time.Time
}

// Cache is a size-bounded, TTL-based set of keys. Entries are kept in mark
// order, so expired entries are always at the front and are pruned on each
// Mark without a background goroutine.
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a cache holding at most maxSize keys for ttl each.
func New[K comparable](ttl time.Duration, maxSize int, c clock.Clock) *Cache[K] {
	if c == nil {
		c = clock.Real()
	}
	return &Cache[K]{
		seen:    make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   c,
	}
}

// Check reports whether key was marked and has not expired.
func (c *Cache[K]) Check(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Mark records key, refreshing its TTL if already present.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Len returns the number of keys held, including expired ones not yet
// pruned.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[K]) liveLocked(key K) bool {
	elem, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.clock.Now().Sub(elem.Value.(*entry[K]).markedAt) < c.ttl
}

func (c *Cache[K]) markLocked(key K) {
	now := c.clock.Now()
	c.pruneLocked(now)

	if elem, ok := c.seen[key]; ok {
		elem.Value.(*entry[K]).markedAt = now
		c.order.MoveToBack(elem)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(*entry[K]).key)
		}
	}

	c.seen[key] = c.order.PushBack(&entry[K]{key: key, markedAt: now})
}

func (c *Cache[K]) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry[K])
		if now.Sub(e.markedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, e.key)
	}
}
