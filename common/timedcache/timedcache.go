package timedcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// timedEntry wraps a value stored in the LRU with its expiration time.
type timedEntry[V any] struct {
	expiresAt time.Time
	value     V
}

// TimedCache is a size bounded cache whose entries expire after a ttl. An
// entry is not guaranteed to live this long (it may be evicted when the cache
// fills up) and expiration is lazy: stale entries are dropped on the next
// access, not at exactly their deadline.
type TimedCache[K comparable, V any] struct {
	ttl   time.Duration
	cache *lru.Cache
	now   func() time.Time
	lock  sync.Mutex
}

// New creates a cache holding at most size entries for ttl each.
func New[K comparable, V any](size int, ttl time.Duration) (*TimedCache[K, V], error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &TimedCache[K, V]{ttl: ttl, cache: cache, now: time.Now}, nil
}

func (tc *TimedCache[K, V]) expired(e timedEntry[V]) bool {
	return tc.now().After(e.expiresAt)
}

// Add inserts or refreshes a value. Returns true if an eviction occurred.
func (tc *TimedCache[K, V]) Add(key K, value V) (evicted bool) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.cache.Add(key, timedEntry[V]{expiresAt: tc.now().Add(tc.ttl), value: value})
}

// Get looks up a key's value, removing it if it has expired.
func (tc *TimedCache[K, V]) Get(key K) (value V, ok bool) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	val, ok := tc.cache.Get(key)
	if !ok {
		return value, false
	}
	e := val.(timedEntry[V])
	if tc.expired(e) {
		tc.cache.Remove(key)
		return value, false
	}
	return e.value, true
}

// Contains checks if a live entry exists without updating its recent-ness.
func (tc *TimedCache[K, V]) Contains(key K) bool {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	val, ok := tc.cache.Peek(key)
	if !ok {
		return false
	}
	if tc.expired(val.(timedEntry[V])) {
		tc.cache.Remove(key)
		return false
	}
	return true
}

// Remove drops the key from the cache.
func (tc *TimedCache[K, V]) Remove(key K) (present bool) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.cache.Remove(key)
}

// Len returns the number of entries, including expired ones not yet purged.
func (tc *TimedCache[K, V]) Len() int {
	return tc.cache.Len()
}

// Purge clears the cache.
func (tc *TimedCache[K, V]) Purge() {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.cache.Purge()
}
