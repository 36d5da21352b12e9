// Package cache provides the in-memory read caches that sit in front of
// partition storage.
//
// Every layer implements Cache. Layers compose: an LRU (or Sharded LRU) is
// the storage, BlockCache addresses it by aligned offset, Layered stacks two
// caches as L1/L2, and Compressed stores values compressed in another cache.
// The context parameter is accepted for symmetry with blocking stores; no
// implementation here blocks on I/O.
package cache

import "context"

// Cache is the interface for all cache implementations.
type Cache[K comparable, V any] interface {
	// Get returns the value for key and marks it recently used.
	Get(ctx context.Context, key K) (V, bool)

	// Set inserts or replaces the value for key.
	Set(ctx context.Context, key K, value V)

	// Remove deletes key and returns the value it held.
	Remove(ctx context.Context, key K) (V, bool)

	// Clear removes every entry.
	Clear(ctx context.Context)

	// Size returns the number of entries.
	Size(ctx context.Context) int

	// Capacity returns the maximum number of entries.
	Capacity(ctx context.Context) int
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	Capacity  int
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total)
}

// StatsReporter is implemented by caches that keep counters.
type StatsReporter interface {
	Stats() Stats
}
