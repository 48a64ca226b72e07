// Package cache provides the query result cache: an in-memory LRU with TTL
// expiry, keyed by a fingerprint of the full query shape and invalidated
// per collection on any write.
package cache

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultSize is the default maximum number of cached queries.
	DefaultSize = 128

	// DefaultTTL is the default entry lifetime.
	DefaultTTL = 5 * time.Minute
)

// Key identifies a query for caching. Two structurally equal queries must
// produce the same fingerprint; any semantic difference must change it.
type Key struct {
	Collection string
	Vector     []float32
	Filter     string // canonical filter form, "" when unfiltered
	TopK       int
	EFSearch   int // 0 when the collection default applies
}

// Fingerprint hashes the key with xxhash. Vector components are hashed by
// their exact bit pattern, so only bit-identical vectors collide.
func (k Key) Fingerprint() uint64 {
	sep := []byte{0}

	d := xxhash.New()
	_, _ = d.WriteString(k.Collection)
	_, _ = d.Write(sep)

	var buf [8]byte
	for _, f := range k.Vector {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
		_, _ = d.Write(buf[:4])
	}
	_, _ = d.Write(sep)

	_, _ = d.WriteString(k.Filter)
	_, _ = d.Write(sep)

	binary.LittleEndian.PutUint64(buf[:], uint64(k.TopK))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(k.EFSearch))
	_, _ = d.Write(buf[:])

	return d.Sum64()
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns hits/(hits+misses), 0 when no lookups have happened.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	value      V
	collection string
	epoch      uint64
}

// Cache is a fixed-capacity query cache. Entries are dropped by LRU
// pressure, TTL expiry, or collection epoch advance. Invalidation is
// pessimistic: any write to a collection invalidates every cached query for
// it, trading hit rate for the guarantee that a hit never reflects
// pre-write state.
type Cache[V any] struct {
	lru *expirable.LRU[uint64, entry[V]]

	mu     sync.RWMutex
	epochs map[string]uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache holding up to size entries for at most ttl each.
// Non-positive arguments fall back to the defaults.
func New[V any](size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{
		lru:    expirable.NewLRU[uint64, entry[V]](size, nil, ttl),
		epochs: make(map[string]uint64),
	}
}

// Get returns the cached value for the key. Entries written before the
// collection's current epoch count as misses.
func (c *Cache[V]) Get(key Key) (V, bool) {
	var zero V

	e, ok := c.lru.Get(key.Fingerprint())
	if !ok || e.collection != key.Collection || e.epoch != c.epoch(key.Collection) {
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Put stores the value under the key at the collection's current epoch.
func (c *Cache[V]) Put(key Key, value V) {
	c.lru.Add(key.Fingerprint(), entry[V]{
		value:      value,
		collection: key.Collection,
		epoch:      c.epoch(key.Collection),
	})
}

// Invalidate advances the collection's epoch, orphaning every entry cached
// for it. Entries are evicted lazily by LRU pressure or TTL.
func (c *Cache[V]) Invalidate(collection string) {
	c.mu.Lock()
	c.epochs[collection]++
	c.mu.Unlock()
}

// Forget retires every entry cached for the collection. Used when a
// collection is dropped entirely. The epoch is advanced rather than deleted:
// a later collection reusing the name starts past the retired epoch, so
// entries from the dropped collection can never resurface.
func (c *Cache[V]) Forget(collection string) {
	c.mu.Lock()
	c.epochs[collection]++
	c.mu.Unlock()
}

// Purge empties the cache.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of resident entries, including ones orphaned by
// epoch advances.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns cumulative hit/miss counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Cache[V]) epoch(collection string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epochs[collection]
}
