package cache

// BiLRU is an LRU that can also be queried by value.
//
// Values must be unique: storing a value already held by another key evicts
// that other key first. Connections use it for rowid <-> (collection, key).
type BiLRU[K comparable, V comparable] struct {
	lru     *LRU[K, V]
	reverse map[V]K
}

// NewBi creates a bidirectional LRU holding at most capacity entries.
func NewBi[K comparable, V comparable](capacity int) *BiLRU[K, V] {
	b := &BiLRU[K, V]{
		lru:     New[K, V](capacity),
		reverse: make(map[V]K),
	}
	b.lru.onEvict = func(_ K, v V) {
		delete(b.reverse, v)
	}
	return b
}

// Get returns the value for key and marks it most recently used.
func (b *BiLRU[K, V]) Get(key K) (V, bool) {
	return b.lru.Get(key)
}

// GetKey returns the key holding value and marks it most recently used.
func (b *BiLRU[K, V]) GetKey(value V) (K, bool) {
	k, ok := b.reverse[value]
	if !ok {
		b.lru.stats.Misses++
		return k, false
	}
	b.lru.Get(k)
	return k, true
}

// Put stores key <-> value.
func (b *BiLRU[K, V]) Put(key K, value V) {
	if old, ok := b.lru.Peek(key); ok {
		if old == value {
			b.lru.Get(key)
			return
		}
		delete(b.reverse, old)
	}
	if other, ok := b.reverse[value]; ok && other != key {
		b.lru.Remove(other)
	}
	b.lru.Put(key, value)
	b.reverse[value] = key
}

// Remove deletes key and its value mapping.
func (b *BiLRU[K, V]) Remove(key K) bool {
	v, ok := b.lru.Peek(key)
	if !ok {
		return false
	}
	delete(b.reverse, v)
	return b.lru.Remove(key)
}

// RemoveValue deletes the entry holding value.
func (b *BiLRU[K, V]) RemoveValue(value V) bool {
	k, ok := b.reverse[value]
	if !ok {
		return false
	}
	delete(b.reverse, value)
	return b.lru.Remove(k)
}

// RemoveFunc deletes every entry for which pred returns true.
func (b *BiLRU[K, V]) RemoveFunc(pred func(K, V) bool) int {
	return b.lru.RemoveFunc(func(k K, v V) bool {
		if pred(k, v) {
			delete(b.reverse, v)
			return true
		}
		return false
	})
}

// Len returns the number of cached entries.
func (b *BiLRU[K, V]) Len() int {
	return b.lru.Len()
}

// Clear drops every entry.
func (b *BiLRU[K, V]) Clear() {
	b.lru.Clear()
	clear(b.reverse)
}

// Stats returns hit, miss and eviction counters.
func (b *BiLRU[K, V]) Stats() Stats {
	return b.lru.Stats()
}
