package engine

import (
	"container/list"
	"sync"
	"time"
)

type cooldownKey struct {
	user int64
	tier string
}

type cooldownEntry struct {
	key  cooldownKey
	seen time.Time
}

// Cooldown throttles repeat purchases per (user, tier). It is bounded: when
// full, the least recently stamped key is evicted. Timestamps come from
// time.Now, so comparisons use the monotonic clock.
type Cooldown struct {
	window   time.Duration
	capacity int

	mu      sync.Mutex
	entries map[cooldownKey]*list.Element
	order   *list.List
}

func NewCooldown(window time.Duration, capacity int) *Cooldown {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Cooldown{
		window:   window,
		capacity: capacity,
		entries:  make(map[cooldownKey]*list.Element, capacity),
		order:    list.New(),
	}
}

// Allow reports whether the pair may proceed at now. An allowed attempt
// restarts the window; a rejected one returns the time left.
func (c *Cooldown) Allow(user int64, tier string, now time.Time) (time.Duration, bool) {
	if c.window <= 0 {
		return 0, true
	}
	key := cooldownKey{user: user, tier: tier}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cooldownEntry)
		if elapsed := now.Sub(entry.seen); elapsed < c.window {
			return c.window - elapsed, false
		}
		entry.seen = now
		c.order.MoveToFront(elem)
		return 0, true
	}

	c.entries[key] = c.order.PushFront(&cooldownEntry{key: key, seen: now})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cooldownEntry).key)
	}
	return 0, true
}

// Len returns the number of tracked pairs.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear forgets every stamp.
func (c *Cooldown) Clear() {
	c.mu.Lock()
	c.entries = make(map[cooldownKey]*list.Element, c.capacity)
	c.order.Init()
	c.mu.Unlock()
}
