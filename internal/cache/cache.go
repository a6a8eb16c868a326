// Package cache implements ByteCache, a size-bounded LRU for binary blobs.
package cache

import (
	"container/list"
	"sync"
)

// Metrics receives cache events. A nil Metrics disables reporting.
type Metrics interface {
	CacheHit()
	CacheMiss()
	CacheEvicted(n int)
	CacheSize(bytes int64, entries int)
}

type entry struct {
	key  string
	data []byte
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Count       int     `json:"count" yaml:"count"`
	SizeBytes   int64   `json:"sizeBytes" yaml:"size_bytes"`
	MaxBytes    int64   `json:"maxBytes" yaml:"max_bytes"`
	PercentUsed float64 `json:"percentUsed" yaml:"percent_used"`
}

// ByteCache is a least-recently-used cache bounded by total byte size.
// The map, recency list and size counter are guarded by one mutex.
// Stored slices are owned by the cache; callers must not modify a slice
// after passing it to Set or after receiving it from Get.
type ByteCache struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	order    *list.List // front = most recently used
	items    map[string]*list.Element
	metrics  Metrics
}

// New creates a ByteCache holding at most maxBytes of data.
func New(maxBytes int64, m Metrics) *ByteCache {
	return &ByteCache{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		metrics:  m,
	}
}

// Get returns the bytes stored under key and marks the entry as most
// recently used.
func (c *ByteCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		if c.metrics != nil {
			c.metrics.CacheMiss()
		}

		return nil, false
	}

	c.order.MoveToFront(el)

	if c.metrics != nil {
		c.metrics.CacheHit()
	}

	return el.Value.(*entry).data, true
}

// Set stores data under key, evicting least recently used entries until
// it fits. An existing entry under key is replaced. Data larger than the
// whole cache is not stored and Set returns false.
func (c *ByteCache) Set(key string, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	n := int64(len(data))
	if n > c.maxBytes {
		c.reportSize()
		return false
	}

	evicted := 0
	for c.size+n > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}

		c.removeElement(oldest)
		evicted++
	}

	c.items[key] = c.order.PushFront(&entry{key: key, data: data})
	c.size += n

	if c.metrics != nil {
		if evicted > 0 {
			c.metrics.CacheEvicted(evicted)
		}

		c.reportSize()
	}

	return true
}

// Has reports whether key is cached without touching its recency.
func (c *ByteCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]

	return ok
}

// Delete removes key. It reports whether the key was present.
func (c *ByteCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}

	c.removeElement(el)
	c.reportSize()

	return true
}

// Clear removes every entry.
func (c *ByteCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	clear(c.items)
	c.size = 0
	c.reportSize()
}

// Keys returns cached keys, most recently used first.
func (c *ByteCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}

	return keys
}

// Stats reports current usage.
func (c *ByteCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Count:     len(c.items),
		SizeBytes: c.size,
		MaxBytes:  c.maxBytes,
	}

	if c.maxBytes > 0 {
		s.PercentUsed = float64(c.size) / float64(c.maxBytes) * 100
	}

	return s
}

// removeElement drops el from the list, map and size. Caller holds mu.
func (c *ByteCache) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.key)
	c.size -= int64(len(e.data))
}

func (c *ByteCache) reportSize() {
	if c.metrics != nil {
		c.metrics.CacheSize(c.size, len(c.items))
	}
}
