// Package cache provides bounded LRU caches used by connections.
//
// Entries live in a single slot arena. Recency order is an intrusive doubly
// linked list threaded through the arena by int32 indices, and released
// slots are recycled through a free list, so there are no per-entry
// allocations after warm-up and no pointer cycles.
//
// Caches are not safe for concurrent use. A Connection owns its caches and
// only touches them while holding its transaction lock.
package cache

const nilSlot int32 = -1

type slot[K comparable, V any] struct {
	key   K
	value V
	prev  int32
	next  int32
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// LRU is a bounded least-recently-used cache.
//
// A capacity of zero means unlimited: nothing is ever evicted.
type LRU[K comparable, V any] struct {
	capacity int
	index    map[K]int32
	slots    []slot[K, V]
	free     int32 // head of the free list, linked through next
	head     int32 // most recently used
	tail     int32 // least recently used
	stats    Stats

	// onEvict is called for entries pushed out by capacity, not for Remove.
	onEvict func(K, V)
}

// New creates an LRU holding at most capacity entries.
func New[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &LRU[K, V]{
		capacity: capacity,
		index:    make(map[K]int32),
		free:     nilSlot,
		head:     nilSlot,
		tail:     nilSlot,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	i, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	c.moveToFront(i)
	return c.slots[i].value, true
}

// Peek returns the value for key without touching recency or stats.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	i, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.slots[i].value, true
}

// Contains reports whether key is cached.
func (c *LRU[K, V]) Contains(key K) bool {
	_, ok := c.index[key]
	return ok
}

// Put stores value for key, evicting the least recently used entry if the
// cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	if i, ok := c.index[key]; ok {
		c.slots[i].value = value
		c.moveToFront(i)
		return
	}
	if c.capacity > 0 && len(c.index) >= c.capacity {
		c.evict()
	}
	i := c.alloc()
	c.slots[i].key = key
	c.slots[i].value = value
	c.index[key] = i
	c.pushFront(i)
}

// Update replaces the value for key only if it is already cached.
// Recency is not changed. Returns whether the key was present.
func (c *LRU[K, V]) Update(key K, value V) bool {
	i, ok := c.index[key]
	if !ok {
		return false
	}
	c.slots[i].value = value
	return true
}

// Remove deletes key. Returns whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	i, ok := c.index[key]
	if !ok {
		return false
	}
	c.release(i)
	return true
}

// RemoveFunc deletes every entry for which pred returns true.
func (c *LRU[K, V]) RemoveFunc(pred func(K, V) bool) int {
	removed := 0
	for i := c.head; i != nilSlot; {
		next := c.slots[i].next
		if pred(c.slots[i].key, c.slots[i].value) {
			c.release(i)
			removed++
		}
		i = next
	}
	return removed
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	return len(c.index)
}

// Cap returns the capacity (0 = unlimited).
func (c *LRU[K, V]) Cap() int {
	return c.capacity
}

// Keys returns the cached keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, len(c.index))
	for i := c.head; i != nilSlot; i = c.slots[i].next {
		keys = append(keys, c.slots[i].key)
	}
	return keys
}

// Clear drops every entry. Stats are kept.
func (c *LRU[K, V]) Clear() {
	clear(c.index)
	c.slots = c.slots[:0]
	c.free = nilSlot
	c.head = nilSlot
	c.tail = nilSlot
}

// Stats returns hit, miss and eviction counters.
func (c *LRU[K, V]) Stats() Stats {
	return c.stats
}

func (c *LRU[K, V]) alloc() int32 {
	if c.free != nilSlot {
		i := c.free
		c.free = c.slots[i].next
		c.slots[i].prev = nilSlot
		c.slots[i].next = nilSlot
		return i
	}
	c.slots = append(c.slots, slot[K, V]{prev: nilSlot, next: nilSlot})
	return int32(len(c.slots) - 1)
}

// release unlinks slot i, drops it from the index and puts it on the free list.
func (c *LRU[K, V]) release(i int32) {
	c.unlink(i)
	delete(c.index, c.slots[i].key)

	// Zero the slot so the arena doesn't pin the key/value for the GC.
	var zero slot[K, V]
	c.slots[i] = zero
	c.slots[i].prev = nilSlot
	c.slots[i].next = c.free
	c.free = i
}

func (c *LRU[K, V]) evict() {
	i := c.tail
	if i == nilSlot {
		return
	}
	key, value := c.slots[i].key, c.slots[i].value
	c.release(i)
	c.stats.Evictions++
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

func (c *LRU[K, V]) pushFront(i int32) {
	c.slots[i].prev = nilSlot
	c.slots[i].next = c.head
	if c.head != nilSlot {
		c.slots[c.head].prev = i
	}
	c.head = i
	if c.tail == nilSlot {
		c.tail = i
	}
}

func (c *LRU[K, V]) unlink(i int32) {
	prev, next := c.slots[i].prev, c.slots[i].next
	if prev != nilSlot {
		c.slots[prev].next = next
	} else {
		c.head = next
	}
	if next != nilSlot {
		c.slots[next].prev = prev
	} else {
		c.tail = prev
	}
	c.slots[i].prev = nilSlot
	c.slots[i].next = nilSlot
}

func (c *LRU[K, V]) moveToFront(i int32) {
	if c.head == i {
		return
	}
	c.unlink(i)
	c.pushFront(i)
}
