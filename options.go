package plexkv

// options.go implements database configuration options and their YAML form.

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aalhour/plexkv/internal/cache"
	"github.com/aalhour/plexkv/internal/compression"
	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/partition"
	"github.com/aalhour/plexkv/internal/vfs"
	"github.com/aalhour/plexkv/internal/wal"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// FS is an alias for the filesystem interface the database writes through.
type FS = vfs.FS

// CompressionType is an alias for the compression type.
type CompressionType = compression.Type

// Compression type constants.
const (
	CompressionNone     = compression.NoCompression
	CompressionSnappy   = compression.SnappyCompression
	CompressionLZ4      = compression.LZ4Compression
	CompressionZstd     = compression.ZstdCompression
	CompressionAdaptive = compression.AdaptiveCompression
)

// Options configures a DB.
type Options struct {
	// CreateIfMissing creates the database directory if it does not exist.
	CreateIfMissing bool `yaml:"create_if_missing"`

	// ErrorIfExists fails Open if the database already exists.
	ErrorIfExists bool `yaml:"error_if_exists"`

	// StrictReads makes Get return corrupt records as errors instead of
	// reporting the key absent.
	StrictReads bool `yaml:"strict_reads"`

	Partition PartitionOptions `yaml:"partition"`
	WAL       WALOptions       `yaml:"wal"`
	Cache     CacheOptions     `yaml:"cache"`

	// FS is the filesystem to use. Nil means the local filesystem.
	FS FS `yaml:"-"`

	// Logger receives diagnostic messages. Nil means logging.NewDefaultLogger
	// at warn level.
	Logger Logger `yaml:"-"`

	// Statistics collects tickers and histograms. Nil means a fresh
	// NewStatistics.
	Statistics Statistics `yaml:"-"`
}

// PartitionOptions configures the partition layer.
type PartitionOptions struct {
	// Count is the number of hash partitions. It is fixed for the lifetime
	// of a database directory.
	Count int `yaml:"count"`

	// MaxSegmentSize rotates a partition's active segment past this size.
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// MaxPartitionSize makes a partition eligible for compaction once its
	// segments exceed it and hold dead records. Zero disables the trigger.
	MaxPartitionSize uint64 `yaml:"max_partition_size"`

	// CompactionThreshold is the tombstone ratio above which a partition is
	// eligible for compaction.
	CompactionThreshold float64 `yaml:"compaction_threshold"`

	// AutoCompact compacts eligible partitions in the background.
	AutoCompact bool `yaml:"auto_compact"`

	BloomCapacity int     `yaml:"bloom_capacity"`
	BloomFPRate   float64 `yaml:"bloom_fp_rate"`

	// DisableSync skips the fsync after each segment append. Durability then
	// rests on the WAL.
	DisableSync bool `yaml:"disable_sync"`

	// RecoveryParallelism bounds how many partitions recover at once. Zero
	// means all of them.
	RecoveryParallelism int `yaml:"recovery_parallelism"`
}

// WALOptions configures the write-ahead log.
type WALOptions struct {
	MaxFileSize int64  `yaml:"max_file_size"`
	MaxEntries  uint64 `yaml:"max_entries"`

	// SyncInterval is the longest an acknowledged write may stay unsynced.
	// Zero syncs every write.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// CacheOptions configures the read cache and the segment block cache.
type CacheOptions struct {
	// Capacity is the number of values held uncompressed in the L1 read
	// cache. Zero disables the read cache.
	Capacity int `yaml:"capacity"`

	// Shards splits the L1 cache into independently locked LRUs.
	Shards int `yaml:"shards"`

	// CompressedCapacity is the number of values held compressed in the L2
	// read cache. Zero disables L2.
	CompressedCapacity int `yaml:"compressed_capacity"`

	// Compression names the L2 codec: none, snappy, lz4, zstd or adaptive.
	Compression string `yaml:"compression"`

	// BlockCacheBlocks is the number of segment blocks cached across all
	// partitions. Zero disables the block cache.
	BlockCacheBlocks int `yaml:"block_cache_blocks"`

	// BlockSize is the block cache alignment, a power of two.
	BlockSize int `yaml:"block_size"`
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	pc := partition.DefaultConfig()
	return &Options{
		CreateIfMissing: true,
		Partition: PartitionOptions{
			Count:               pc.Count,
			MaxSegmentSize:      pc.MaxSegmentSize,
			MaxPartitionSize:    pc.MaxPartitionSize,
			CompactionThreshold: pc.CompactionThreshold,
			AutoCompact:         pc.AutoCompact,
			BloomCapacity:       pc.BloomCapacity,
			BloomFPRate:         pc.BloomFPRate,
		},
		WAL: WALOptions{
			MaxFileSize: wal.DefaultMaxFileSize,
			MaxEntries:  wal.DefaultMaxEntries,
		},
		Cache: CacheOptions{
			Capacity:           10_000,
			Shards:             16,
			CompressedCapacity: 100_000,
			Compression:        "snappy",
			BlockCacheBlocks:   pc.BlockCacheBlocks,
			BlockSize:          cache.DefaultBlockSize,
		},
	}
}

// Validate returns an error wrapping ErrConfig for invalid options.
func (o *Options) Validate() error {
	if err := o.partitionConfig().Validate(); err != nil {
		return err
	}
	if o.WAL.MaxFileSize < 0 {
		return errs.Configf("wal max file size must not be negative, got %d", o.WAL.MaxFileSize)
	}
	if o.WAL.SyncInterval < 0 {
		return errs.Configf("wal sync interval must not be negative, got %v", o.WAL.SyncInterval)
	}
	c := o.Cache
	if c.Capacity < 0 || c.CompressedCapacity < 0 || c.Shards < 0 {
		return errs.Configf("cache sizes must not be negative")
	}
	if shards := cache.ShardCount(c.Shards); c.Capacity > 0 && shards > c.Capacity {
		return errs.Configf("cache capacity %d is smaller than its %d shards", c.Capacity, shards)
	}
	t, err := compression.ParseType(c.Compression)
	if err != nil {
		return errs.Configf("cache compression: %v", err)
	}
	if t == compression.DictionaryCompression {
		return errs.Configf("cache compression %q needs a dictionary and is not configurable", c.Compression)
	}
	return nil
}

func (o *Options) partitionConfig() partition.Config {
	p := o.Partition
	return partition.Config{
		Count:               p.Count,
		MaxSegmentSize:      p.MaxSegmentSize,
		MaxPartitionSize:    p.MaxPartitionSize,
		CompactionThreshold: p.CompactionThreshold,
		AutoCompact:         p.AutoCompact,
		BloomCapacity:       p.BloomCapacity,
		BloomFPRate:         p.BloomFPRate,
		StrictReads:         o.StrictReads,
		DisableSync:         p.DisableSync,
		BlockCacheBlocks:    o.Cache.BlockCacheBlocks,
		BlockSize:           o.Cache.BlockSize,
		RecoveryParallelism: p.RecoveryParallelism,
		FS:                  o.FS,
		Logger:              o.Logger,
	}
}

func (o *Options) walOptions(minSeq uint64) wal.Options {
	return wal.Options{
		MaxFileSize:  o.WAL.MaxFileSize,
		MaxEntries:   o.WAL.MaxEntries,
		SyncInterval: o.WAL.SyncInterval,
		MinSequence:  minSeq,
		FS:           o.FS,
		Logger:       o.Logger,
	}
}

// ParseOptions decodes YAML over DefaultOptions. Unknown keys are an error.
func ParseOptions(data []byte) (*Options, error) {
	opts := DefaultOptions()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", errs.ErrConfig, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// LoadOptionsFile reads and parses a YAML options file.
func LoadOptionsFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrConfig, err)
	}
	return ParseOptions(data)
}

// String returns the options as YAML.
func (o *Options) String() string {
	out, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Sprintf("<options: %v>", err)
	}
	return string(out)
}
