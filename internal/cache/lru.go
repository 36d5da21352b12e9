package cache

import (
	"context"
	"hash/maphash"
	"sync"

	"github.com/aalhour/plexkv/internal/errs"
)

// nilSlot marks the end of the recency list.
const nilSlot int32 = -1

type slot[K comparable, V any] struct {
	key   K
	value V
	prev  int32
	next  int32
}

// LRU is a thread-safe least recently used cache with a fixed entry
// capacity. Entries live in an arena of slots linked by index; freed slots
// are reused through a free list. One mutex guards the arena, the index and
// the counters, so a lookup never observes a half-relinked list.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	slots    []slot[K, V]
	free     []int32
	index    map[K]int32
	head     int32 // most recently used
	tail     int32 // least recently used

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewLRU returns an empty LRU holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int) (*LRU[K, V], error) {
	if capacity <= 0 {
		return nil, errs.Configf("cache capacity must be positive, got %d", capacity)
	}
	return &LRU[K, V]{
		capacity: capacity,
		slots:    make([]slot[K, V], 0, min(capacity, 1024)),
		index:    make(map[K]int32, min(capacity, 1024)),
		head:     nilSlot,
		tail:     nilSlot,
	}, nil
}

// Get returns the value for key and moves it to the front.
func (c *LRU[K, V]) Get(_ context.Context, key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.moveToFront(i)
	return c.slots[i].value, true
}

// Set inserts or replaces key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[K, V]) Set(_ context.Context, key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[key]; ok {
		c.slots[i].value = value
		c.moveToFront(i)
		return
	}
	if len(c.index) >= c.capacity {
		c.evictOne()
	}

	i := c.alloc()
	c.slots[i] = slot[K, V]{key: key, value: value, prev: nilSlot, next: nilSlot}
	c.pushFront(i)
	c.index[key] = i
}

// Remove deletes key and returns its value.
func (c *LRU[K, V]) Remove(_ context.Context, key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	v := c.slots[i].value
	c.removeSlot(i)
	return v, true
}

// Clear removes every entry. Counters are kept.
func (c *LRU[K, V]) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots = c.slots[:0]
	c.free = c.free[:0]
	clear(c.index)
	c.head, c.tail = nilSlot, nilSlot
}

// Size returns the number of entries.
func (c *LRU[K, V]) Size(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Capacity returns the maximum number of entries.
func (c *LRU[K, V]) Capacity(_ context.Context) int {
	return c.capacity
}

// Stats returns a snapshot of the counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.index),
		Capacity:  c.capacity,
	}
}

// Keys returns the keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.index))
	for i := c.head; i != nilSlot; i = c.slots[i].next {
		keys = append(keys, c.slots[i].key)
	}
	return keys
}

// alloc returns a free slot index. Must be called with mu held.
func (c *LRU[K, V]) alloc() int32 {
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		return i
	}
	c.slots = append(c.slots, slot[K, V]{})
	return int32(len(c.slots) - 1)
}

func (c *LRU[K, V]) unlink(i int32) {
	s := &c.slots[i]
	if s.prev != nilSlot {
		c.slots[s.prev].next = s.next
	} else {
		c.head = s.next
	}
	if s.next != nilSlot {
		c.slots[s.next].prev = s.prev
	} else {
		c.tail = s.prev
	}
	s.prev, s.next = nilSlot, nilSlot
}

func (c *LRU[K, V]) pushFront(i int32) {
	s := &c.slots[i]
	s.prev = nilSlot
	s.next = c.head
	if c.head != nilSlot {
		c.slots[c.head].prev = i
	}
	c.head = i
	if c.tail == nilSlot {
		c.tail = i
	}
}

func (c *LRU[K, V]) moveToFront(i int32) {
	if c.head == i {
		return
	}
	c.unlink(i)
	c.pushFront(i)
}

// removeSlot unlinks slot i, drops it from the index and frees it.
func (c *LRU[K, V]) removeSlot(i int32) {
	c.unlink(i)
	delete(c.index, c.slots[i].key)
	c.slots[i] = slot[K, V]{prev: nilSlot, next: nilSlot}
	c.free = append(c.free, i)
}

// evictOne evicts the least recently used entry. Must be called with mu held.
func (c *LRU[K, V]) evictOne() {
	if c.tail == nilSlot {
		return
	}
	c.removeSlot(c.tail)
	c.evictions++
}

// Sharded is an LRU split into independently locked shards for reduced lock
// contention. Recency is tracked per shard.
type Sharded[K comparable, V any] struct {
	shards []*LRU[K, V]
	seed   maphash.Seed
}

// NewSharded returns a sharded LRU with a total capacity of capacity entries.
// numShards is rounded up to a power of 2; zero or less selects 16.
func NewSharded[K comparable, V any](capacity, numShards int) (*Sharded[K, V], error) {
	numShards = ShardCount(numShards)
	if capacity < numShards {
		return nil, errs.Configf("cache capacity %d is smaller than %d shards", capacity, numShards)
	}

	c := &Sharded[K, V]{
		shards: make([]*LRU[K, V], numShards),
		seed:   maphash.MakeSeed(),
	}
	per := capacity / numShards
	for i := range c.shards {
		s, err := NewLRU[K, V](per)
		if err != nil {
			return nil, err
		}
		c.shards[i] = s
	}
	return c, nil
}

// ShardCount returns the number of shards NewSharded creates when asked for
// n.
func ShardCount(n int) int {
	if n <= 0 {
		return 16
	}
	return nextPowerOf2(n)
}

func nextPowerOf2(n int) int {
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}

func (c *Sharded[K, V]) shard(key K) *LRU[K, V] {
	h := maphash.Comparable(c.seed, key)
	return c.shards[h&uint64(len(c.shards)-1)]
}

// Get returns the value for key.
func (c *Sharded[K, V]) Get(ctx context.Context, key K) (V, bool) {
	return c.shard(key).Get(ctx, key)
}

// Set inserts or replaces key.
func (c *Sharded[K, V]) Set(ctx context.Context, key K, value V) {
	c.shard(key).Set(ctx, key, value)
}

// Remove deletes key.
func (c *Sharded[K, V]) Remove(ctx context.Context, key K) (V, bool) {
	return c.shard(key).Remove(ctx, key)
}

// Clear empties every shard.
func (c *Sharded[K, V]) Clear(ctx context.Context) {
	for _, s := range c.shards {
		s.Clear(ctx)
	}
}

// Size returns the total number of entries.
func (c *Sharded[K, V]) Size(ctx context.Context) int {
	total := 0
	for _, s := range c.shards {
		total += s.Size(ctx)
	}
	return total
}

// Capacity returns the total capacity.
func (c *Sharded[K, V]) Capacity(ctx context.Context) int {
	total := 0
	for _, s := range c.shards {
		total += s.Capacity(ctx)
	}
	return total
}

// Stats sums the counters of every shard.
func (c *Sharded[K, V]) Stats() Stats {
	var out Stats
	for _, s := range c.shards {
		st := s.Stats()
		out.Hits += st.Hits
		out.Misses += st.Misses
		out.Evictions += st.Evictions
		out.Size += st.Size
		out.Capacity += st.Capacity
	}
	return out
}
