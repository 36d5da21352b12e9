package partition

import (
	"github.com/aalhour/plexkv/internal/cache"
	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/segment"
	"github.com/aalhour/plexkv/internal/vfs"
)

// maxPartitions bounds Count; directory names carry three digits.
const maxPartitions = 1000

// Config configures a Manager.
type Config struct {
	// Count is the number of partitions. It must not change between opens
	// of the same data directory.
	Count int

	// MaxSegmentSize rotates a partition's active segment past this size.
	MaxSegmentSize int64

	// MaxPartitionSize makes a partition eligible for compaction once its
	// segments exceed this many bytes and hold dead records. Zero disables
	// the size trigger.
	MaxPartitionSize uint64

	// CompactionThreshold is the tombstone ratio above which a partition is
	// eligible for compaction.
	CompactionThreshold float64

	// AutoCompact compacts eligible partitions in the background after
	// writes.
	AutoCompact bool

	// BloomCapacity and BloomFPRate size each partition's bloom filter.
	BloomCapacity int
	BloomFPRate   float64

	// StrictReads returns corrupt records to Get callers as errors instead
	// of reporting the key absent.
	StrictReads bool

	// DisableSync skips the fsync after each segment append. The WAL still
	// provides durability.
	DisableSync bool

	// BlockCacheBlocks is the total number of segment blocks cached across
	// all partitions. Zero disables the block cache.
	BlockCacheBlocks int

	// BlockSize is the block cache alignment. It must be a power of two.
	BlockSize int

	// RecoveryParallelism bounds how many partitions recover at once. Zero
	// means one per partition.
	RecoveryParallelism int

	FS     vfs.FS
	Logger logging.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Count:               16,
		MaxSegmentSize:      segment.DefaultMaxSegmentSize,
		MaxPartitionSize:    256 << 20,
		CompactionThreshold: 0.5,
		AutoCompact:         true,
		BloomCapacity:       100_000,
		BloomFPRate:         0.01,
		BlockCacheBlocks:    1024,
		BlockSize:           cache.DefaultBlockSize,
	}
}

// Validate returns an error wrapping errs.ErrConfig for invalid settings.
func (c Config) Validate() error {
	if c.Count <= 0 || c.Count > maxPartitions {
		return errs.Configf("partition count must be in [1, %d], got %d", maxPartitions, c.Count)
	}
	if c.MaxSegmentSize < 0 {
		return errs.Configf("max segment size must not be negative, got %d", c.MaxSegmentSize)
	}
	if !(c.CompactionThreshold > 0 && c.CompactionThreshold <= 1) {
		return errs.Configf("compaction threshold must be in (0, 1], got %v", c.CompactionThreshold)
	}
	if c.BloomCapacity <= 0 {
		return errs.Configf("bloom capacity must be positive, got %d", c.BloomCapacity)
	}
	if !(c.BloomFPRate > 0 && c.BloomFPRate < 1) {
		return errs.Configf("bloom false positive rate must be in (0, 1), got %v", c.BloomFPRate)
	}
	if c.BlockCacheBlocks < 0 {
		return errs.Configf("block cache blocks must not be negative, got %d", c.BlockCacheBlocks)
	}
	if c.BlockCacheBlocks > 0 && (c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0) {
		return errs.Configf("block size must be a positive power of two, got %d", c.BlockSize)
	}
	if c.RecoveryParallelism < 0 {
		return errs.Configf("recovery parallelism must not be negative, got %d", c.RecoveryParallelism)
	}
	return nil
}
