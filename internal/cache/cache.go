package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key helpers for the order read model.
func OrderKey(orderID uuid.UUID) string { return "order:" + orderID.String() }
func UserKey(userID uuid.UUID) string   { return "user:" + userID.String() }

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a process-scoped TTL cache backing the order read API. The
// reconciliation pipeline invalidates entries whenever it mutates the
// underlying rows.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
	}
}

func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}
