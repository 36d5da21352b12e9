package cache

import (
	"context"
	"errors"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/plexkv/internal/compression"
)

// Codec converts cached values to and from bytes.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

// StringCodec stores strings as their bytes.
type StringCodec struct{}

func (StringCodec) Encode(v string) ([]byte, error)    { return []byte(v), nil }
func (StringCodec) Decode(data []byte) (string, error) { return string(data), nil }

// BytesCodec stores byte slices unchanged.
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error)    { return v, nil }
func (BytesCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// Block field numbers for BlockCodec.
const (
	blockFieldOffset   protowire.Number = 1
	blockFieldData     protowire.Number = 2
	blockFieldChecksum protowire.Number = 3
)

// BlockCodec encodes a Block as protobuf wire fields.
type BlockCodec struct{}

func (BlockCodec) Encode(b Block) ([]byte, error) {
	buf := make([]byte, 0, len(b.Data)+24)
	buf = protowire.AppendTag(buf, blockFieldOffset, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.Offset)
	buf = protowire.AppendTag(buf, blockFieldData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.Data)
	buf = protowire.AppendTag(buf, blockFieldChecksum, protowire.Fixed32Type)
	buf = protowire.AppendFixed32(buf, b.Checksum)
	return buf, nil
}

func (BlockCodec) Decode(data []byte) (Block, error) {
	var b Block
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return b, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == blockFieldOffset && typ == protowire.VarintType:
			b.Offset, n = protowire.ConsumeVarint(data)
		case num == blockFieldData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			b.Data = append([]byte(nil), v...)
		case num == blockFieldChecksum && typ == protowire.Fixed32Type:
			b.Checksum, n = protowire.ConsumeFixed32(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return b, protowire.ParseError(n)
		}
		data = data[n:]
	}
	b.Size = len(b.Data)
	if !b.Valid() {
		return b, errors.New("block checksum mismatch")
	}
	return b, nil
}

// CompressionStats counts the bytes a Compressed cache stored.
type CompressionStats struct {
	Stored          uint64 // successful Sets
	OriginalBytes   uint64
	CompressedBytes uint64
	Failures        uint64 // encode, compress, decompress or decode errors
}

// Ratio returns CompressedBytes / OriginalBytes.
func (s CompressionStats) Ratio() float64 {
	return compression.Ratio(int(s.OriginalBytes), int(s.CompressedBytes))
}

// Compressed stores values encoded and compressed in an inner byte cache.
// Any failure to decode a stored value is reported as a miss.
type Compressed[K comparable, V any] struct {
	inner      Cache[K, []byte]
	compressor compression.Compressor
	codec      Codec[V]

	stored     atomic.Uint64
	original   atomic.Uint64
	compressed atomic.Uint64
	failures   atomic.Uint64
}

// NewCompressed returns a compressing decorator over inner.
func NewCompressed[K comparable, V any](inner Cache[K, []byte], c compression.Compressor, codec Codec[V]) *Compressed[K, V] {
	return &Compressed[K, V]{inner: inner, compressor: c, codec: codec}
}

func (c *Compressed[K, V]) decode(data []byte) (V, bool) {
	var zero V
	raw, err := c.compressor.Decompress(data)
	if err != nil {
		c.failures.Add(1)
		return zero, false
	}
	v, err := c.codec.Decode(raw)
	if err != nil {
		c.failures.Add(1)
		return zero, false
	}
	return v, true
}

// Get returns the decoded value for key.
func (c *Compressed[K, V]) Get(ctx context.Context, key K) (V, bool) {
	data, ok := c.inner.Get(ctx, key)
	if !ok {
		var zero V
		return zero, false
	}
	v, ok := c.decode(data)
	if !ok {
		c.inner.Remove(ctx, key)
	}
	return v, ok
}

// Set encodes and compresses value. A value that fails to encode is not
// stored and any previous value for key is removed.
func (c *Compressed[K, V]) Set(ctx context.Context, key K, value V) {
	raw, err := c.codec.Encode(value)
	if err != nil {
		c.failures.Add(1)
		c.inner.Remove(ctx, key)
		return
	}
	data, err := c.compressor.Compress(raw)
	if err != nil {
		c.failures.Add(1)
		c.inner.Remove(ctx, key)
		return
	}
	c.stored.Add(1)
	c.original.Add(uint64(len(raw)))
	c.compressed.Add(uint64(len(data)))
	c.inner.Set(ctx, key, data)
}

// Remove deletes key and returns its decoded value, if it decodes.
func (c *Compressed[K, V]) Remove(ctx context.Context, key K) (V, bool) {
	data, ok := c.inner.Remove(ctx, key)
	if !ok {
		var zero V
		return zero, false
	}
	return c.decode(data)
}

// Clear empties the inner cache.
func (c *Compressed[K, V]) Clear(ctx context.Context) { c.inner.Clear(ctx) }

// Size returns the number of entries.
func (c *Compressed[K, V]) Size(ctx context.Context) int { return c.inner.Size(ctx) }

// Capacity returns the inner capacity.
func (c *Compressed[K, V]) Capacity(ctx context.Context) int { return c.inner.Capacity(ctx) }

// CompressionStats returns the byte counters.
func (c *Compressed[K, V]) CompressionStats() CompressionStats {
	return CompressionStats{
		Stored:          c.stored.Load(),
		OriginalBytes:   c.original.Load(),
		CompressedBytes: c.compressed.Load(),
		Failures:        c.failures.Load(),
	}
}

// Stats returns the inner cache's counters, if it keeps any.
func (c *Compressed[K, V]) Stats() Stats {
	if r, ok := c.inner.(StatsReporter); ok {
		return r.Stats()
	}
	return Stats{}
}
