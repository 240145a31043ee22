// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

// cacheSlots is a prime chosen so that the workload this cache is built for
// (repeated sampling of the same running program, a tiny working set of hot
// code addresses) rarely collides. Collisions lose the older entry by
// design: there is no chaining, no LRU bookkeeping, nothing that would make
// a cache hit/miss anything other than an array index and two comparisons.
const cacheSlots = 509

// CacheStats reports how a Cache has been used so far.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Collisions uint64
}

type cacheEntry[R any] struct {
	occupied   bool
	address    uint64
	generation uint64
	rule       ruleBox[R]
}

// ruleBox stores an arch's concrete rule value without requiring the cache
// itself to be generic over the rule type too; Rule implementations are
// small value types (a handful of int64/uint8 fields) so boxing via `any`
// costs an allocation only on insert, never on the hot lookup path's
// comparison of address+generation.
type ruleBox[R any] struct {
	set  bool
	rule Rule[R]
}

// Cache is a fixed-size, open-addressed (in the sense of "one slot, no
// chaining") table keyed by (code address, modules generation). It is
// long-lived and shared across unwinds of the same thread/process; entries
// become stale on module changes and are invalidated by generation mismatch
// rather than explicit eviction, so add/remove of a module is cheap even
// though the cache is not walked.
//
// Cache is parameterized over the architecture's register type because its
// entries hold arch-specific Rule values; construct one per architecture
// (arch/arm64.NewCache, arch/amd64.NewCache) alongside that architecture's
// Unwinder.
type Cache[R any] struct {
	slots [cacheSlots]cacheEntry[R]
	stats CacheStats
}

// NewCache returns an empty rule cache.
func NewCache[R any]() *Cache[R] {
	return &Cache[R]{}
}

// Stats returns hit/miss/collision counters accumulated so far.
func (c *Cache[R]) Stats() CacheStats { return c.stats }

// lookup returns the cached rule for (addr, generation), if the slot is
// occupied by that exact key.
func (c *Cache[R]) lookup(addr, generation uint64) (Rule[R], bool) {
	slot := &c.slots[addr%cacheSlots]
	if slot.occupied && slot.address == addr && slot.generation == generation {
		c.stats.Hits++
		return slot.rule.rule, true
	}
	c.stats.Misses++
	return nil, false
}

// insert unconditionally overwrites the slot for addr, recording a
// collision if it held a different address.
func (c *Cache[R]) insert(addr, generation uint64, rule Rule[R]) {
	slot := &c.slots[addr%cacheSlots]
	if slot.occupied && slot.address != addr {
		c.stats.Collisions++
	}
	*slot = cacheEntry[R]{
		occupied:   true,
		address:    addr,
		generation: generation,
		rule:       ruleBox[R]{set: true, rule: rule},
	}
}
