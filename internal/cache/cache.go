package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// Entry is a cached value and the time it was stored
type Entry[V any] struct {
	Value     V
	Timestamp time.Time
}

type slot[V any] struct {
	entry Entry[V]
	seq   uint64
}

// Cache keeps the last value stored under each key. There is no expiry;
// a newer Store always replaces an older one. A bounded cache evicts the
// least recently stored key once it is full.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]slot[V]
	capacity int
	seq      uint64
	now      func() time.Time
}

// New creates an empty cache without a size limit
func New[V any]() *Cache[V] {
	return NewBounded[V](0)
}

// NewBounded creates an empty cache holding at most capacity keys.
// A capacity of zero or less means no limit.
func NewBounded[V any](capacity int) *Cache[V] {
	return &Cache[V]{
		entries:  make(map[string]slot[V]),
		capacity: capacity,
		now:      time.Now,
	}
}

// Load returns the entry stored under key
func (c *Cache[V]) Load(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.entries[key]
	return s.entry, ok
}

// Store replaces the entry under key
func (c *Cache[V]) Store(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries[key] = slot[V]{
		entry: Entry[V]{Value: value, Timestamp: c.now()},
		seq:   c.seq,
	}

	if c.capacity > 0 && len(c.entries) > c.capacity {
		oldest, oldestSeq := "", c.seq
		for k, s := range c.entries {
			if s.seq < oldestSeq {
				oldest, oldestSeq = k, s.seq
			}
		}
		delete(c.entries, oldest)
	}
}

// Len counts the stored entries
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GenerateKey hashes the parts of a query identity into a cache key
func GenerateKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
