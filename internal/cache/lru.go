package cache

import (
	"container/list"
	"sync"
)

// Config bounds an LRU.
type Config struct {
	// MaxWeight is the total weight the cache may hold. Zero means unbounded.
	MaxWeight int64 `yaml:"max_weight"`
	// MaxEntries caps the entry count. Zero means unbounded.
	MaxEntries int `yaml:"max_entries"`
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Weight      int64   `json:"weight"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// LRU is a thread-safe least recently used cache with weighted eviction.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	config    Config
	weigh     func(V) int64
	onEvict   func(K, V)
	items     map[K]*list.Element
	evictList *list.List
	weight    int64
	stats     Stats
}

type entry[K comparable, V any] struct {
	key    K
	value  V
	weight int64
}

// NewLRU creates a cache. weigh reports the weight of a value; nil weighs
// every value as 1.
func NewLRU[K comparable, V any](config Config, weigh func(V) int64) *LRU[K, V] {
	if weigh == nil {
		weigh = func(V) int64 { return 1 }
	}
	return &LRU[K, V]{
		config:    config,
		weigh:     weigh,
		items:     make(map[K]*list.Element),
		evictList: list.New(),
		stats:     Stats{Capacity: config.MaxWeight},
	}
}

// OnEvict registers a callback run, under the cache lock, for every entry
// removed to make room.
func (c *LRU[K, V]) OnEvict(fn func(K, V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}

	c.evictList.MoveToFront(el)
	c.stats.Hits++
	return el.Value.(*entry[K, V]).value, true
}

// Contains reports whether key is cached without touching recency or stats.
func (c *LRU[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Put stores value under key, replacing any previous value, then evicts from
// the cold end until the cache fits its bounds. A value heavier than
// MaxWeight is not stored.
func (c *LRU[K, V]) Put(key K, value V) {
	w := c.weigh(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxWeight > 0 && w > c.config.MaxWeight {
		return
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		c.weight += w - e.weight
		e.value, e.weight = value, w
		c.evictList.MoveToFront(el)
	} else {
		c.items[key] = c.evictList.PushFront(&entry[K, V]{key: key, value: value, weight: w})
		c.weight += w
	}

	c.evictIfNeeded()
}

// Delete removes key from the cache.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Weight returns the summed weight of all entries.
func (c *LRU[K, V]) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Stats returns cache statistics
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.items)
	stats.Weight = c.weight
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if c.config.MaxWeight > 0 {
		stats.Utilization = float64(c.weight) / float64(c.config.MaxWeight)
	}
	return stats
}

// Clear drops every entry without running the eviction callback.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element)
	c.evictList.Init()
	c.weight = 0
}

// Resize changes the weight capacity, evicting as needed.
func (c *LRU[K, V]) Resize(maxWeight int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.config.MaxWeight = maxWeight
	c.stats.Capacity = maxWeight
	c.evictIfNeeded()
}

func (c *LRU[K, V]) over() bool {
	if c.config.MaxWeight > 0 && c.weight > c.config.MaxWeight {
		return true
	}
	return c.config.MaxEntries > 0 && len(c.items) > c.config.MaxEntries
}

func (c *LRU[K, V]) evictIfNeeded() {
	for c.over() {
		el := c.evictList.Back()
		if el == nil {
			return
		}
		e := c.remove(el)
		c.stats.Evictions++
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
}

func (c *LRU[K, V]) remove(el *list.Element) *entry[K, V] {
	e := el.Value.(*entry[K, V])
	c.evictList.Remove(el)
	delete(c.items, e.key)
	c.weight -= e.weight
	return e
}
