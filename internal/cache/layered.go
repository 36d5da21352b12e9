package cache

import "context"

// Layered stacks a small fast L1 over a larger L2.
//
// Reads check L1, then L2; an L2 hit is promoted into L1. Writes go to L1
// only, so L2 is filled by whatever the caller stores there directly. With
// InvalidateOnWrite set, Set also drops the key from L2 so a promoted stale
// value can never shadow the new one.
type Layered[K comparable, V any] struct {
	l1, l2            Cache[K, V]
	invalidateOnWrite bool
}

// LayeredOption configures a Layered cache.
type LayeredOption func(*layeredOptions)

type layeredOptions struct {
	invalidateOnWrite bool
}

// InvalidateOnWrite makes Set remove the key from L2.
func InvalidateOnWrite() LayeredOption {
	return func(o *layeredOptions) { o.invalidateOnWrite = true }
}

// NewLayered returns a two-level cache.
func NewLayered[K comparable, V any](l1, l2 Cache[K, V], opts ...LayeredOption) *Layered[K, V] {
	var o layeredOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Layered[K, V]{l1: l1, l2: l2, invalidateOnWrite: o.invalidateOnWrite}
}

// Get returns the value for key, promoting L2 hits into L1.
func (c *Layered[K, V]) Get(ctx context.Context, key K) (V, bool) {
	if v, ok := c.l1.Get(ctx, key); ok {
		return v, true
	}
	v, ok := c.l2.Get(ctx, key)
	if !ok {
		return v, false
	}
	c.l1.Set(ctx, key, v)
	return v, true
}

// Set stores value in L1.
func (c *Layered[K, V]) Set(ctx context.Context, key K, value V) {
	c.l1.Set(ctx, key, value)
	if c.invalidateOnWrite {
		c.l2.Remove(ctx, key)
	}
}

// Fill stores value in both levels. It is meant for values loaded from the
// backing store on a miss.
func (c *Layered[K, V]) Fill(ctx context.Context, key K, value V) {
	c.l2.Set(ctx, key, value)
	c.l1.Set(ctx, key, value)
}

// Remove deletes key from both levels. It returns the L1 value if there was
// one, else the L2 value.
func (c *Layered[K, V]) Remove(ctx context.Context, key K) (V, bool) {
	v1, ok1 := c.l1.Remove(ctx, key)
	v2, ok2 := c.l2.Remove(ctx, key)
	if ok1 {
		return v1, true
	}
	return v2, ok2
}

// Clear empties both levels.
func (c *Layered[K, V]) Clear(ctx context.Context) {
	c.l1.Clear(ctx)
	c.l2.Clear(ctx)
}

// Size returns the number of entries in both levels. A promoted key is
// counted once per level.
func (c *Layered[K, V]) Size(ctx context.Context) int {
	return c.l1.Size(ctx) + c.l2.Size(ctx)
}

// Capacity returns the combined capacity.
func (c *Layered[K, V]) Capacity(ctx context.Context) int {
	return c.l1.Capacity(ctx) + c.l2.Capacity(ctx)
}

// L1 returns the first level.
func (c *Layered[K, V]) L1() Cache[K, V] { return c.l1 }

// L2 returns the second level.
func (c *Layered[K, V]) L2() Cache[K, V] { return c.l2 }
