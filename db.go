package plexkv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/aalhour/plexkv/internal/cache"
	"github.com/aalhour/plexkv/internal/checksum"
	"github.com/aalhour/plexkv/internal/compression"
	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/filter"
	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/partition"
	"github.com/aalhour/plexkv/internal/vfs"
	"github.com/aalhour/plexkv/internal/wal"
)

// cacheStripes is the number of locks ordering read cache access against
// writes of the same key.
const cacheStripes = 64

// Aliases for the snapshot types returned by DB.Stats.
type (
	PartitionMetadata = partition.Metadata
	BloomStats        = filter.Stats
	CacheStats        = cache.Stats
	CompressionStats  = cache.CompressionStats
	WALStats          = wal.Stats
)

// Stats is a point-in-time snapshot of the database.
type Stats struct {
	Partitions []PartitionMetadata
	Bloom      []BloomStats

	TotalKeys       uint64
	TotalBytes      uint64
	TotalTombstones uint64

	BloomNegatives      uint64
	BloomFalsePositives uint64
	Corruptions         uint64
	Compactions         uint64

	BlockCache       CacheStats
	ReadCache        CacheStats // L1
	CompressedCache  CacheStats // L2
	CompressionStats CompressionStats

	WAL        WALStats
	Checkpoint uint64

	RebalanceNeeded bool
}

// DB is an open PlexKV database.
type DB struct {
	path   string
	opts   Options
	fs     vfs.FS
	logger Logger
	stats  Statistics

	lock  io.Closer
	wal   *wal.Log
	parts *partition.Manager

	// cache is nil when the read cache is disabled. fill stores a value
	// loaded from a partition.
	cache   cache.Cache[string, string]
	fill    func(ctx context.Context, key, value string)
	l1      *cache.Sharded[string, string]
	l2      *cache.Compressed[string, string]
	stripes [cacheStripes]sync.RWMutex

	checkpointMu   sync.Mutex
	lastCheckpoint uint64

	// mu guards closed. Operations hold it shared; Close holds it exclusively.
	mu     sync.RWMutex
	closed bool
}

// Open opens the database at path, replaying any WAL entries written after
// the last checkpoint. A nil opts means DefaultOptions.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	o.Logger = logging.OrDefault(o.Logger)
	if o.Statistics == nil {
		o.Statistics = NewStatistics()
	}
	fs := o.FS

	exists := fs.Exists(filepath.Join(path, dataDirName))
	if exists && o.ErrorIfExists {
		return nil, fmt.Errorf("%w: %s", ErrDBExists, path)
	}
	if !exists && !o.CreateIfMissing {
		return nil, fmt.Errorf("%w: %s", ErrDBNotFound, path)
	}
	if err := fs.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	lock, err := fs.Lock(filepath.Join(path, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrLock, err)
	}

	db := &DB{
		path:   path,
		opts:   o,
		fs:     fs,
		logger: o.Logger,
		stats:  o.Statistics,
		lock:   lock,
	}
	opened := false
	defer func() {
		if !opened {
			db.closeResources()
		}
	}()

	start := time.Now()
	checkpoint, err := readCheckpoint(fs, path)
	if err != nil {
		return nil, err
	}
	db.lastCheckpoint = checkpoint

	if db.wal, err = wal.Open(filepath.Join(path, walDirName), o.walOptions(checkpoint)); err != nil {
		return nil, err
	}
	if db.parts, err = partition.Open(filepath.Join(path, dataDirName), db.wal, o.partitionConfig()); err != nil {
		return nil, err
	}
	if err := db.replayWAL(checkpoint); err != nil {
		return nil, err
	}
	if err := db.buildReadCache(); err != nil {
		return nil, err
	}

	opened = true
	db.logger.Infof("%sopened %s: %d partitions, checkpoint %d, in %v",
		logging.NSDB, path, db.parts.Count(), checkpoint, time.Since(start).Round(time.Millisecond))
	return db, nil
}

// buildReadCache builds the L1 value cache and, if configured, the
// compressed L2 behind it.
func (db *DB) buildReadCache() error {
	c := db.opts.Cache
	if c.Capacity == 0 {
		return nil
	}
	l1, err := cache.NewSharded[string, string](c.Capacity, c.Shards)
	if err != nil {
		return err
	}
	db.l1 = l1
	if c.CompressedCapacity == 0 {
		db.cache = l1
		db.fill = l1.Set
		return nil
	}

	t, err := compression.ParseType(c.Compression)
	if err != nil {
		return errs.Configf("cache compression: %v", err)
	}
	comp, err := compression.New(t)
	if err != nil {
		return errs.Configf("cache compression: %v", err)
	}
	inner, err := cache.NewLRU[string, []byte](c.CompressedCapacity)
	if err != nil {
		return err
	}
	db.l2 = cache.NewCompressed[string, string](inner, comp, cache.StringCodec{})
	layered := cache.NewLayered[string, string](l1, db.l2, cache.InvalidateOnWrite())
	db.cache = layered
	db.fill = layered.Fill
	return nil
}

func (db *DB) stripe(key string) *sync.RWMutex {
	return &db.stripes[checksum.KeyHashString(key)>>58]
}

// Get returns the value of key, or ErrKeyNotFound.
func (db *DB) Get(key string) (string, error) {
	if key == "" {
		return "", ErrKeyIsEmpty
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return "", ErrClosed
	}

	start := time.Now()
	db.stats.RecordTick(TickerKeysRead, 1)
	ctx := context.Background()

	// The stripe orders L2 promotion and fill against writes to key.
	s := db.stripe(key)
	s.RLock()
	value, ok, err := "", false, error(nil)
	if db.cache != nil {
		value, ok = db.cache.Get(ctx, key)
		if ok {
			db.stats.RecordTick(TickerCacheHit, 1)
		} else {
			db.stats.RecordTick(TickerCacheMiss, 1)
		}
	}
	if !ok {
		value, ok, err = db.parts.Get(key)
		if err == nil && ok && db.cache != nil {
			db.fill(ctx, key, value)
		}
	}
	s.RUnlock()
	db.stats.MeasureTime(HistogramGetMicros, uint64(time.Since(start).Microseconds()))

	if err != nil {
		return "", err
	}
	if !ok {
		db.stats.RecordTick(TickerKeysNotFound, 1)
		return "", ErrKeyNotFound
	}
	db.stats.RecordTick(TickerKeysFound, 1)
	db.stats.RecordTick(TickerBytesRead, uint64(len(value)))
	db.stats.MeasureTime(HistogramBytesPerRead, uint64(len(value)))
	return value, nil
}

// Set stores value under key. The write is in the WAL when Set returns.
func (db *DB) Set(key, value string) error {
	if key == "" {
		return ErrKeyIsEmpty
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}

	start := time.Now()
	err := db.write(key, func() error { return db.parts.Set(key, value) })
	db.stats.MeasureTime(HistogramWriteMicros, uint64(time.Since(start).Microseconds()))
	if err != nil {
		return err
	}
	db.stats.RecordTick(TickerKeysWritten, 1)
	db.stats.RecordTick(TickerBytesWritten, uint64(len(key)+len(value)))
	db.stats.MeasureTime(HistogramBytesPerWrite, uint64(len(value)))
	return nil
}

// Delete removes key. It returns ErrKeyNotFound if key has no value.
func (db *DB) Delete(key string) error {
	if key == "" {
		return ErrKeyIsEmpty
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}

	start := time.Now()
	err := db.write(key, func() error { return db.parts.Delete(key) })
	db.stats.MeasureTime(HistogramWriteMicros, uint64(time.Since(start).Microseconds()))
	if err != nil {
		return err
	}
	db.stats.RecordTick(TickerKeysDeleted, 1)
	return nil
}

// write runs apply with key's cache stripe held and drops key from every
// cache level afterwards, whether or not apply succeeded.
func (db *DB) write(key string, apply func() error) error {
	s := db.stripe(key)
	s.Lock()
	defer s.Unlock()
	err := apply()
	if db.cache != nil {
		db.cache.Remove(context.Background(), key)
	}
	return err
}

// Compact compacts one partition.
func (db *DB) Compact(partitionID uint32) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	start := time.Now()
	err := db.parts.Compact(partitionID)
	db.stats.MeasureTime(HistogramCompactionMicros, uint64(time.Since(start).Microseconds()))
	return err
}

// CompactAll compacts every partition. Failures are joined; one failing
// partition does not stop the others.
func (db *DB) CompactAll() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	start := time.Now()
	err := db.parts.CompactAll()
	db.stats.MeasureTime(HistogramCompactionMicros, uint64(time.Since(start).Microseconds()))
	return err
}

// RebuildBloomFilters rebuilds the bloom filters whose false positive rate
// has drifted past twice their target and returns the rebuilt partitions.
func (db *DB) RebuildBloomFilters() ([]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.parts.RebuildDegradedFilters(), nil
}

// Sync makes every acknowledged write durable in the partition segments and
// advances the checkpoint past it, so the WAL before it can be deleted.
func (db *DB) Sync() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	start := time.Now()
	err := db.checkpoint()
	db.stats.MeasureTime(HistogramSyncMicros, uint64(time.Since(start).Microseconds()))
	return err
}

// checkpoint syncs the WAL and every partition, records the last WAL
// sequence in CHECKPOINT and drops the WAL files it covers.
func (db *DB) checkpoint() error {
	db.checkpointMu.Lock()
	defer db.checkpointMu.Unlock()

	// Writers hold their partition lock from WAL append to segment append,
	// so once parts.Sync has taken every partition lock all entries up to
	// seq are in the segments.
	seq := db.wal.LastSequence()
	if err := db.wal.Sync(); err != nil {
		return err
	}
	if err := db.parts.Sync(); err != nil {
		return err
	}
	if seq <= db.lastCheckpoint {
		return nil
	}
	if err := writeCheckpoint(db.fs, db.path, seq); err != nil {
		return fmt.Errorf("%w: checkpoint: %w", ErrWAL, err)
	}
	db.lastCheckpoint = seq
	if err := db.wal.Truncate(seq); err != nil {
		db.logger.Warnf("%struncating WAL to %d: %v", logging.NSDB, seq, err)
	}
	return nil
}

// RebalanceNeeded reports whether partition sizes are badly skewed. It is
// advisory; keys are never moved.
func (db *DB) RebalanceNeeded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return false
	}
	return db.parts.RebalanceNeeded()
}

// Stats returns a snapshot of the database and refreshes the derived
// tickers of its Statistics.
func (db *DB) Stats() (Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return Stats{}, ErrClosed
	}

	ps := db.parts.Stats()
	s := Stats{
		Partitions:          ps.Partitions,
		Bloom:               ps.Bloom,
		TotalKeys:           ps.TotalKeys,
		TotalBytes:          ps.TotalBytes,
		TotalTombstones:     ps.TotalTombstones,
		BloomNegatives:      ps.BloomNegatives,
		BloomFalsePositives: ps.BloomFalsePositives,
		Corruptions:         ps.Corruptions,
		Compactions:         ps.Compactions,
		BlockCache:          ps.BlockCache,
		WAL:                 db.wal.Stats(),
		RebalanceNeeded:     db.parts.RebalanceNeeded(),
	}
	if db.l1 != nil {
		s.ReadCache = db.l1.Stats()
	}
	if db.l2 != nil {
		s.CompressedCache = db.l2.Stats()
		s.CompressionStats = db.l2.CompressionStats()
	}
	db.checkpointMu.Lock()
	s.Checkpoint = db.lastCheckpoint
	db.checkpointMu.Unlock()

	db.stats.SetTickerCount(TickerBloomFilterUseful, s.BloomNegatives)
	db.stats.SetTickerCount(TickerBloomFilterFalsePositive, s.BloomFalsePositives)
	db.stats.SetTickerCount(TickerCorruptRecords, s.Corruptions)
	db.stats.SetTickerCount(TickerCompactions, s.Compactions)
	db.stats.SetTickerCount(TickerWALBytes, s.WAL.BytesWritten)
	db.stats.SetTickerCount(TickerWALSyncs, s.WAL.Syncs)
	return s, nil
}

// Statistics returns the collector passed in Options, or the one Open
// created.
func (db *DB) Statistics() Statistics { return db.stats }

// Close syncs and checkpoints every write, saves the bloom filters and
// releases the database lock.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var failures []error
	if err := db.checkpoint(); err != nil {
		failures = append(failures, err)
	}
	failures = append(failures, db.closeResources())
	if err := errors.Join(failures...); err != nil {
		db.logger.Errorf("%sclose %s: %v", logging.NSDB, db.path, err)
		return err
	}
	db.logger.Infof("%sclosed %s", logging.NSDB, db.path)
	return nil
}

func (db *DB) closeResources() error {
	var failures []error
	if db.parts != nil {
		if err := db.parts.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	if db.lock != nil {
		if err := db.lock.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
