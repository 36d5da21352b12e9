package cache

import (
	"context"

	"github.com/aalhour/plexkv/internal/checksum"
)

// DefaultBlockSize is the alignment used when NewBlockCache is given zero.
const DefaultBlockSize = 4096

// Block is an aligned region of a file.
type Block struct {
	Offset   uint64
	Size     int
	Data     []byte
	Checksum uint32
}

// NewBlock returns a Block for data at offset with its checksum set.
func NewBlock(offset uint64, data []byte) Block {
	return Block{Offset: offset, Size: len(data), Data: data, Checksum: checksum.Value(data)}
}

// Valid reports whether Data matches Checksum.
func (b Block) Valid() bool {
	_, ok := checksum.Verify(b.Data, b.Checksum)
	return ok && b.Size == len(b.Data)
}

// BlockCache caches blocks keyed by their aligned offset.
type BlockCache struct {
	cache     Cache[uint64, Block]
	blockSize uint64
}

// NewBlockCache wraps c. Offsets are aligned down to multiples of blockSize.
func NewBlockCache(c Cache[uint64, Block], blockSize int) *BlockCache {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &BlockCache{cache: c, blockSize: uint64(blockSize)}
}

// BlockSize returns the alignment.
func (bc *BlockCache) BlockSize() int { return int(bc.blockSize) }

// Align rounds offset down to its block boundary.
func (bc *BlockCache) Align(offset uint64) uint64 {
	return offset / bc.blockSize * bc.blockSize
}

// GetBlock returns the block containing offset. A block whose data fails
// its checksum is dropped and reported absent.
func (bc *BlockCache) GetBlock(ctx context.Context, offset uint64) (Block, bool) {
	key := bc.Align(offset)
	b, ok := bc.cache.Get(ctx, key)
	if !ok {
		return Block{}, false
	}
	if !b.Valid() {
		bc.cache.Remove(ctx, key)
		return Block{}, false
	}
	return b, true
}

// SetBlock caches b under its aligned offset.
func (bc *BlockCache) SetBlock(ctx context.Context, b Block) {
	key := bc.Align(b.Offset)
	b.Offset = key
	bc.cache.Set(ctx, key, b)
}

// RemoveBlock drops the block containing offset.
func (bc *BlockCache) RemoveBlock(ctx context.Context, offset uint64) {
	bc.cache.Remove(ctx, bc.Align(offset))
}

// GetData returns size bytes starting at offset. It reports absent when the
// block is not cached or the range runs past the end of the cached block.
func (bc *BlockCache) GetData(ctx context.Context, offset uint64, size int) ([]byte, bool) {
	b, ok := bc.GetBlock(ctx, offset)
	if !ok {
		return nil, false
	}
	start := offset - b.Offset
	end := start + uint64(size)
	if size < 0 || end > uint64(len(b.Data)) {
		return nil, false
	}
	return b.Data[start:end], true
}

// Clear empties the underlying cache.
func (bc *BlockCache) Clear(ctx context.Context) { bc.cache.Clear(ctx) }

// Stats returns the underlying cache's counters, if it keeps any.
func (bc *BlockCache) Stats() Stats {
	if r, ok := bc.cache.(StatsReporter); ok {
		return r.Stats()
	}
	return Stats{}
}
