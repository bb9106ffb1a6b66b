// Package cache provides a small generic wrapper over ristretto, reusing the
// partition shape the teacher's internal/caching package uses: a typed
// Set/Get/Unset surface over one ristretto.Cache, with an immutability flag
// (panics on a changed value) and a per-partition TTL.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Partition is a typed view over a shared ristretto.Cache, namespaced by a
// key prefix so several partitions can share one underlying cache instance.
type Partition[K comparable, V any] struct {
	cache     *ristretto.Cache
	prefix    string
	ttl       func() int64 // nanoseconds; 0 means no expiry
	immutable bool
	cost      func(V) int64
}

// NewPartition creates a partition backed by cache, namespaced by prefix.
// ttlNanos is the entry lifetime in nanoseconds (0 disables expiry);
// immutable panics if Set is called twice for the same key with a different
// value (mirrors the teacher's RoomVersions-style caches, where a room's
// version cannot legitimately change once observed).
func NewPartition[K comparable, V any](rc *ristretto.Cache, prefix string, ttlNanos int64, immutable bool, cost func(V) int64) *Partition[K, V] {
	if cost == nil {
		cost = func(V) int64 { return 1 }
	}
	return &Partition[K, V]{
		cache:     rc,
		prefix:    prefix,
		ttl:       func() int64 { return ttlNanos },
		immutable: immutable,
		cost:      cost,
	}
}

func (p *Partition[K, V]) key(k K) string {
	return fmt.Sprintf("%s:%v", p.prefix, k)
}

// Get returns the cached value for k, or the zero value and false if absent
// or expired.
func (p *Partition[K, V]) Get(k K) (V, bool) {
	var zero V
	raw, ok := p.cache.Get(p.key(k))
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores v for k. If the partition is immutable and k already holds a
// different value, Set panics: an immutable partition is a promise that the
// keyed fact cannot change mid-process.
func (p *Partition[K, V]) Set(k K, v V) {
	key := p.key(k)
	if p.immutable {
		if existing, ok := p.Get(k); ok && !equalValues(existing, v) {
			panic(fmt.Sprintf("cache: immutable partition %q: value for %v changed", p.prefix, k))
		}
	}
	ttl := p.ttl()
	if ttl > 0 {
		p.cache.SetWithTTL(key, v, p.cost(v), nsToDuration(ttl))
	} else {
		p.cache.Set(key, v, p.cost(v))
	}
}

// Unset removes k. Panics on an immutable partition, matching the teacher's
// RistrettoCachePartition semantics.
func (p *Partition[K, V]) Unset(k K) {
	if p.immutable {
		panic(fmt.Sprintf("cache: cannot Unset from immutable partition %q", p.prefix))
	}
	p.cache.Del(p.key(k))
}

func equalValues[V any](a, b V) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func nsToDuration(ns int64) time.Duration {
	return time.Duration(ns)
}

// NewCache builds the shared ristretto.Cache instance partitions are carved
// out of, sized the way the teacher's NewRistrettoCache sizes its general
// cache: counters at 10x the expected entry count, max cost in bytes.
func NewCache(maxCostBytes int64) (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCostBytes / 8 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
}
