// Package memory provides the process-local tier: a bounded key to blob map
// that evicts in insertion order.
//
// Reads never reorder entries. When a new key is inserted at capacity the
// single oldest-inserted entry is dropped, regardless of how recently it was
// read. Re-setting a key replaces its value in place.
package memory

import (
	"container/list"
	"sync"
)

type entry struct {
	key   string
	value []byte
}

// Cache is a bounded FIFO cache. It is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // front is the oldest insertion
	items    map[string]*list.Element

	onEvict func(key string, size int)
}

// New returns a cache holding at most capacity entries. A non-positive
// capacity is treated as 1.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// OnEvict registers a callback invoked (outside the lock) for each entry
// dropped to make room.
func (c *Cache) OnEvict(fn func(key string, size int)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Capacity returns the configured bound.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Has reports whether key is cached.
func (c *Cache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// Get returns the value for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).value, true
}

// Set stores value under key, evicting the oldest entry if key is new and
// the cache is full.
func (c *Cache) Set(key string, value []byte) {
	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).value = value
		c.mu.Unlock()
		return
	}

	var evicted *entry
	if c.order.Len() >= c.capacity {
		if front := c.order.Front(); front != nil {
			evicted = c.order.Remove(front).(*entry)
			delete(c.items, evicted.key)
		}
	}

	c.items[key] = c.order.PushBack(&entry{key: key, value: value})
	onEvict := c.onEvict
	c.mu.Unlock()

	if evicted != nil && onEvict != nil {
		onEvict(evicted.key, len(evicted.value))
	}
}

// Delete removes key. It reports whether the key was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	return true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Bytes returns the total size of cached values.
func (c *Cache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int64
	for el := c.order.Front(); el != nil; el = el.Next() {
		total += int64(len(el.Value.(*entry).value))
	}
	return total
}

// Keys returns the cached keys, oldest insertion first.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}
