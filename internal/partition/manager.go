package partition

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aalhour/plexkv/internal/cache"
	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/filter"
	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/segment"
	"github.com/aalhour/plexkv/internal/vfs"
	"github.com/aalhour/plexkv/internal/wal"
)

// BloomDir is the subdirectory of the data directory holding saved filters.
const BloomDir = "bloom"

// WAL logs mutations before they are applied. *wal.Log implements it.
type WAL interface {
	Append(cmd wal.Command) (uint64, error)
}

// ManagerStats is a point-in-time snapshot of every partition.
type ManagerStats struct {
	Partitions []Metadata
	Bloom      []filter.Stats
	BlockCache cache.Stats

	TotalKeys       uint64
	TotalBytes      uint64
	TotalTombstones uint64

	// BloomNegatives counts Gets answered by the bloom filter alone.
	BloomNegatives uint64
	// BloomFalsePositives counts Gets the filter passed but the index missed.
	BloomFalsePositives uint64
	Corruptions         uint64
	Compactions         uint64
}

// Manager owns every partition of one data directory.
type Manager struct {
	dir         string
	cfg         Config
	fs          vfs.FS
	logger      logging.Logger
	wal         WAL
	partitioner HashPartitioner
	partitions  []*partition
	blooms      *filter.Collection

	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed atomic.Bool

	bloomNegatives      atomic.Uint64
	bloomFalsePositives atomic.Uint64
	corruptions         atomic.Uint64
	compactions         atomic.Uint64
}

// Open opens or creates the partitions under dir and recovers their indexes
// from the segment files, in parallel. Mutations are logged to w before they
// are applied; w may be nil when the caller provides durability itself.
func Open(dir string, w WAL, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FS == nil {
		cfg.FS = vfs.Default()
	}
	partitioner, err := NewHashPartitioner(cfg.Count)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dir:         dir,
		cfg:         cfg,
		fs:          cfg.FS,
		logger:      logging.OrDefault(cfg.Logger),
		wal:         w,
		partitioner: partitioner,
	}

	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := m.checkLayout(); err != nil {
		return nil, err
	}
	loaded := m.loadBloomFilters()

	start := time.Now()
	m.partitions = make([]*partition, cfg.Count)
	for i := range m.partitions {
		id := uint32(i)
		p := &partition{
			id:    id,
			dir:   filepath.Join(dir, dirName(id)),
			index: make(map[string]segment.Offset),
			meta:  Metadata{ID: id, CreatedAt: start},
		}
		if cfg.BlockCacheBlocks > 0 {
			lru, err := cache.NewLRU[uint64, cache.Block](max(1, cfg.BlockCacheBlocks/cfg.Count))
			if err != nil {
				return nil, err
			}
			p.blocks = cache.NewBlockCache(lru, cfg.BlockSize)
		}
		m.partitions[i] = p
	}

	var g errgroup.Group
	if cfg.RecoveryParallelism > 0 {
		g.SetLimit(cfg.RecoveryParallelism)
	}
	for _, p := range m.partitions {
		g.Go(func() error { return m.recoverPartition(p, loaded) })
	}
	if err := g.Wait(); err != nil {
		m.closeSegments()
		return nil, err
	}

	var keys uint64
	for _, p := range m.partitions {
		keys += p.metadata().KeyCount
	}
	m.logger.Infof("%srecovered %d partitions, %d keys in %v (bloom filters loaded: %v)",
		logging.NSRecovery, cfg.Count, keys, time.Since(start).Round(time.Millisecond), loaded)
	return m, nil
}

// checkLayout refuses to open a directory written with more partitions.
func (m *Manager) checkLayout() error {
	names, err := m.fs.ListDir(m.dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if id, ok := parseDirName(name); ok && int(id) >= m.cfg.Count {
			return errs.Configf("%s holds %s but only %d partitions are configured", m.dir, name, m.cfg.Count)
		}
	}
	return nil
}

// loadBloomFilters installs the saved filters if they match the configured
// shape, or fresh ones otherwise. It reports whether saved filters were used.
func (m *Manager) loadBloomFilters() bool {
	bloomDir := filepath.Join(m.dir, BloomDir)
	if m.fs.Exists(bloomDir) {
		c, err := filter.LoadFromDirectory(m.fs, bloomDir)
		switch {
		case err != nil:
			m.logger.Warnf("%signoring saved bloom filters: %v", logging.NSBloom, err)
		case c.Len() != m.cfg.Count:
			m.logger.Warnf("%signoring saved bloom filters: %d files for %d partitions", logging.NSBloom, c.Len(), m.cfg.Count)
		case !m.bloomShapeMatches(c):
			m.logger.Infof("%ssaved bloom filters were sized differently; rebuilding", logging.NSBloom)
		default:
			m.blooms = c
			return true
		}
	}
	// Parameters were validated with the rest of the config.
	m.blooms, _ = filter.NewCollection(m.cfg.Count, m.cfg.BloomCapacity, m.cfg.BloomFPRate)
	return false
}

func (m *Manager) bloomShapeMatches(c *filter.Collection) bool {
	want, err := filter.New(m.cfg.BloomCapacity, m.cfg.BloomFPRate)
	if err != nil {
		return false
	}
	for i := range c.Len() {
		f, err := c.Filter(i)
		if err != nil || f.Size() != want.Size() || f.HashFunctions() != want.HashFunctions() {
			return false
		}
	}
	return true
}

type recoveryReporter struct {
	m       *Manager
	id      uint32
	skipped int
}

func (r *recoveryReporter) Corruption(bytes int, err error) {
	r.skipped++
	r.m.corruptions.Add(1)
	r.m.logger.Warnf("%spartition %d: skipped %d corrupt bytes: %v", logging.NSRecovery, r.id, bytes, err)
}

// recoverPartition opens p's segments and rebuilds its index, bloom filter
// and metadata by scanning every record in file order.
func (m *Manager) recoverPartition(p *partition, bloomLoaded bool) error {
	seg, err := segment.Open(p.dir, segment.Options{
		PartitionID:    p.id,
		MaxSegmentSize: m.cfg.MaxSegmentSize,
		DisableSync:    m.cfg.DisableSync,
		BlockCache:     p.blocks,
		FS:             m.fs,
		Logger:         m.logger,
	})
	if err != nil {
		return errs.Partition(p.id, "open segments", err)
	}
	p.seg = seg

	var tombstones uint64
	rep := &recoveryReporter{m: m, id: p.id}
	err = seg.ScanAll(func(e segment.Entry) error {
		if e.Record.IsTombstone() {
			delete(p.index, e.Record.Key)
			tombstones++
			return nil
		}
		p.index[e.Record.Key] = e.Offset
		return nil
	}, rep)
	if err != nil {
		return errs.Partition(p.id, "recovery scan", err)
	}

	var live uint64
	for key, off := range p.index {
		live += uint64(off.Size)
		if bloomLoaded {
			if ok, _ := m.blooms.Contains(int(p.id), key); ok {
				continue
			}
		}
		_ = m.blooms.Insert(int(p.id), key)
	}

	p.metaMu.Lock()
	p.meta.KeyCount = uint64(len(p.index))
	p.meta.TombstoneCount = tombstones
	p.meta.SizeBytes = seg.TotalSize()
	p.meta.LiveBytes = live
	p.metaMu.Unlock()

	m.logger.Debugf("%spartition %d: %d keys, %d tombstones, %d corrupt records skipped",
		logging.NSRecovery, p.id, len(p.index), tombstones, rep.skipped)
	return nil
}

func (m *Manager) partition(id uint32) (*partition, error) {
	if int(id) >= len(m.partitions) {
		return nil, errs.Configf("partition %d out of range [0, %d)", id, len(m.partitions))
	}
	return m.partitions[id], nil
}

func (m *Manager) route(key string) *partition {
	return m.partitions[m.partitioner.PartitionForKey(key)]
}

// Count returns the number of partitions.
func (m *Manager) Count() int { return len(m.partitions) }

// PartitionForKey returns the partition that owns key.
func (m *Manager) PartitionForKey(key string) uint32 {
	return m.partitioner.PartitionForKey(key)
}

// Get returns the value of key. A bloom filter miss answers without touching
// the index or disk. A corrupt record reads as absent unless StrictReads is
// set.
func (m *Manager) Get(key string) (string, bool, error) {
	if key == "" {
		return "", false, errs.ErrKeyIsEmpty
	}
	if m.closed.Load() {
		return "", false, errs.ErrClosed
	}
	p := m.route(key)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if ok, _ := m.blooms.Contains(int(p.id), key); !ok {
		m.bloomNegatives.Add(1)
		return "", false, nil
	}
	off, ok := p.index[key]
	if !ok {
		m.bloomFalsePositives.Add(1)
		return "", false, nil
	}
	value, ok, err := p.seg.Read(off)
	if err != nil {
		if !errors.Is(err, errs.ErrCorruptData) {
			return "", false, errs.Partition(p.id, "read", err)
		}
		m.corruptions.Add(1)
		m.logger.Errorf("%spartition %d: reading %q: %v", logging.NSPartition, p.id, key, err)
		if m.cfg.StrictReads {
			return "", false, errs.Partition(p.id, "read", err)
		}
		return "", false, nil
	}
	return value, ok, nil
}

// Set logs and stores value under key.
func (m *Manager) Set(key, value string) error {
	if key == "" {
		return errs.ErrKeyIsEmpty
	}
	if m.closed.Load() {
		return errs.ErrClosed
	}
	if err := segment.CheckSize(segment.Put(key, value, 0)); err != nil {
		return err
	}
	p := m.route(key)

	p.writeMu.Lock()
	err := m.logged(wal.Set(key, value))
	if err == nil {
		err = m.applySet(p, key, value, now())
	}
	p.writeMu.Unlock()

	if err == nil {
		m.maybeScheduleCompaction(p)
	}
	return err
}

// Delete logs and writes a tombstone for key. It returns errs.ErrKeyNotFound
// if key has no live value.
func (m *Manager) Delete(key string) error {
	if key == "" {
		return errs.ErrKeyIsEmpty
	}
	if m.closed.Load() {
		return errs.ErrClosed
	}
	p := m.route(key)

	p.writeMu.Lock()
	p.mu.RLock()
	_, ok := p.index[key]
	p.mu.RUnlock()
	var err error
	if !ok {
		err = errs.ErrKeyNotFound
	} else if err = m.logged(wal.Delete(key)); err == nil {
		err = m.applyDelete(p, key, now())
	}
	p.writeMu.Unlock()

	if err == nil {
		m.maybeScheduleCompaction(p)
	}
	return err
}

// ApplyReplay applies a logged command without logging it again. Deleting a
// key that is already absent is a no-op.
func (m *Manager) ApplyReplay(e wal.Entry) error {
	key := e.Command.Key
	if key == "" {
		return errs.ErrKeyIsEmpty
	}
	if m.closed.Load() {
		return errs.ErrClosed
	}
	p := m.route(key)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	switch e.Command.Op {
	case wal.OpSet:
		return m.applySet(p, key, e.Command.Value, e.Timestamp)
	case wal.OpDelete:
		p.mu.RLock()
		_, ok := p.index[key]
		p.mu.RUnlock()
		if !ok {
			return nil
		}
		return m.applyDelete(p, key, e.Timestamp)
	default:
		return errs.Partition(p.id, "replay", fmt.Errorf("unknown op %s", e.Command.Op))
	}
}

func (m *Manager) logged(cmd wal.Command) error {
	if m.wal == nil {
		return nil
	}
	_, err := m.wal.Append(cmd)
	return err
}

func now() uint64 { return uint64(time.Now().UnixNano()) }

// applySet appends a value record and publishes it. Must hold p.writeMu.
func (m *Manager) applySet(p *partition, key, value string, ts uint64) error {
	off, err := p.seg.Append(segment.Put(key, value, ts))
	if err != nil {
		return errs.Partition(p.id, "append", err)
	}

	p.mu.Lock()
	_ = m.blooms.Insert(int(p.id), key)
	prev, existed := p.index[key]
	p.index[key] = off
	p.mu.Unlock()

	p.recordSet(off.Size, prev.Size, existed)
	return nil
}

// applyDelete appends a tombstone and removes key from the index. Must hold
// p.writeMu.
func (m *Manager) applyDelete(p *partition, key string, ts uint64) error {
	off, err := p.seg.Append(segment.Tombstone(key, ts))
	if err != nil {
		return errs.Partition(p.id, "append tombstone", err)
	}

	p.mu.Lock()
	prev := p.index[key]
	delete(p.index, key)
	p.mu.Unlock()

	p.recordDelete(off.Size, prev.Size)
	return nil
}

// ShouldCompact reports whether partition id is eligible for compaction:
// its tombstone ratio exceeds CompactionThreshold, or it is larger than
// MaxPartitionSize and holds dead records.
func (m *Manager) ShouldCompact(id uint32) bool {
	p, err := m.partition(id)
	if err != nil {
		return false
	}
	return p.shouldCompact(m.cfg.CompactionThreshold, m.cfg.MaxPartitionSize)
}

// MaybeCompact compacts partition id if ShouldCompact reports true.
func (m *Manager) MaybeCompact(id uint32) (bool, error) {
	if !m.ShouldCompact(id) {
		return false, nil
	}
	return true, m.Compact(id)
}

func (m *Manager) maybeScheduleCompaction(p *partition) {
	if !m.cfg.AutoCompact || !p.shouldCompact(m.cfg.CompactionThreshold, m.cfg.MaxPartitionSize) {
		return
	}
	if !p.compacting.CompareAndSwap(false, true) {
		return
	}

	m.bgMu.Lock()
	defer m.bgMu.Unlock()
	if m.closed.Load() {
		p.compacting.Store(false)
		return
	}
	m.bg.Go(func() {
		defer p.compacting.Store(false)
		if _, err := m.MaybeCompact(p.id); err != nil && !errors.Is(err, errs.ErrClosed) {
			m.logger.Errorf("%spartition %d: background compaction: %v", logging.NSCompact, p.id, err)
		}
	})
}

// Compact rewrites partition id's live records into one new segment,
// dropping tombstones and overwritten values, and rebuilds its bloom filter.
// Reads continue while the new segment is written; writes to the partition
// wait until compaction finishes.
func (m *Manager) Compact(id uint32) error {
	p, err := m.partition(id)
	if err != nil {
		return err
	}
	if m.closed.Load() {
		return errs.ErrClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	start := time.Now()
	p.mu.RLock()
	keys := slices.Sorted(maps.Keys(p.index))
	live := make([]segment.Record, 0, len(keys))
	kept := make([]string, 0, len(keys))
	for _, key := range keys {
		rec, err := p.seg.ReadRecord(p.index[key])
		if err != nil {
			m.corruptions.Add(1)
			m.logger.Errorf("%spartition %d: dropping unreadable key %q: %v", logging.NSCompact, id, key, err)
			continue
		}
		if rec.IsTombstone() || rec.Key != key {
			m.logger.Errorf("%spartition %d: index entry for %q points at another record", logging.NSCompact, id, key)
			continue
		}
		live = append(live, rec)
		kept = append(kept, key)
	}
	p.mu.RUnlock()

	c, err := p.seg.PrepareCompaction(live)
	if err != nil {
		return err
	}

	fresh := m.blooms.NewFilter()
	for _, key := range kept {
		fresh.Insert(key)
	}

	p.mu.Lock()
	offsets, err := c.Commit()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	index := make(map[string]segment.Offset, len(kept))
	var liveBytes uint64
	for i, key := range kept {
		index[key] = offsets[i]
		liveBytes += uint64(offsets[i].Size)
	}
	p.index = index
	_ = m.blooms.Replace(int(id), fresh)
	p.mu.Unlock()

	if p.blocks != nil {
		p.blocks.Clear(context.Background())
	}

	p.metaMu.Lock()
	before := p.meta.SizeBytes
	p.meta.Generation++
	p.meta.KeyCount = uint64(len(index))
	p.meta.TombstoneCount = 0
	p.meta.SizeBytes = p.seg.TotalSize()
	p.meta.LiveBytes = liveBytes
	p.meta.LastCompactionAt = time.Now()
	after := p.meta.SizeBytes
	p.metaMu.Unlock()

	m.compactions.Add(1)
	m.logger.Infof("%spartition %d: compacted %d -> %d bytes, %d live keys in %v",
		logging.NSCompact, id, before, after, len(index), time.Since(start).Round(time.Millisecond))
	return nil
}

// CompactAll compacts every partition, in parallel. A failure in one
// partition does not stop the others; all failures are returned joined.
func (m *Manager) CompactAll() error {
	var g errgroup.Group
	failures := make([]error, len(m.partitions))
	for i := range m.partitions {
		g.Go(func() error {
			failures[i] = m.Compact(uint32(i))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failures...)
}

// RebalanceNeeded reports whether partition sizes are badly skewed.
func (m *Manager) RebalanceNeeded() bool {
	sizes := make([]uint64, len(m.partitions))
	for i, p := range m.partitions {
		sizes[i] = p.metadata().SizeBytes
	}
	return m.partitioner.RebalanceNeeded(sizes)
}

// SaveBloomFilters writes every partition's filter under <dir>/bloom.
func (m *Manager) SaveBloomFilters() error {
	if err := m.blooms.SaveToDirectory(m.fs, filepath.Join(m.dir, BloomDir)); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrPartition, err)
	}
	return nil
}

// RebuildDegradedFilters replaces every filter whose false positive rate
// has drifted past twice its target with one built from the partition's live
// keys. It returns the rebuilt partition ids.
func (m *Manager) RebuildDegradedFilters() []int {
	for _, p := range m.partitions {
		p.mu.Lock()
	}
	rebuilt := m.blooms.RebuildDegradedFilters(func(id int, fresh *filter.BloomFilter) {
		for key := range m.partitions[id].index {
			fresh.Insert(key)
		}
	})
	for _, p := range m.partitions {
		p.mu.Unlock()
	}
	if len(rebuilt) > 0 {
		m.logger.Infof("%srebuilt bloom filters for partitions %v", logging.NSBloom, rebuilt)
	}
	return rebuilt
}

// Metadata returns partition id's metadata.
func (m *Manager) Metadata(id uint32) (Metadata, error) {
	p, err := m.partition(id)
	if err != nil {
		return Metadata{}, err
	}
	return p.metadata(), nil
}

// Stats returns a snapshot of every partition.
func (m *Manager) Stats() ManagerStats {
	s := ManagerStats{
		Partitions:          make([]Metadata, len(m.partitions)),
		Bloom:               m.blooms.Stats(),
		BloomNegatives:      m.bloomNegatives.Load(),
		BloomFalsePositives: m.bloomFalsePositives.Load(),
		Corruptions:         m.corruptions.Load(),
		Compactions:         m.compactions.Load(),
	}
	for i, p := range m.partitions {
		md := p.metadata()
		s.Partitions[i] = md
		s.TotalKeys += md.KeyCount
		s.TotalBytes += md.SizeBytes
		s.TotalTombstones += md.TombstoneCount
		if p.blocks != nil {
			bs := p.blocks.Stats()
			s.BlockCache.Hits += bs.Hits
			s.BlockCache.Misses += bs.Misses
			s.BlockCache.Evictions += bs.Evictions
			s.BlockCache.Size += bs.Size
			s.BlockCache.Capacity += bs.Capacity
		}
	}
	return s
}

// Sync fsyncs every partition's active segment. Writes that started before
// Sync are on disk when it returns.
func (m *Manager) Sync() error {
	if m.closed.Load() {
		return errs.ErrClosed
	}
	var failures []error
	for _, p := range m.partitions {
		p.writeMu.Lock()
		if err := p.seg.Sync(); err != nil {
			failures = append(failures, errs.Partition(p.id, "sync", err))
		}
		p.writeMu.Unlock()
	}
	return errors.Join(failures...)
}

// Close waits for background compactions, saves the bloom filters and
// closes every segment.
func (m *Manager) Close() error {
	m.bgMu.Lock()
	if m.closed.Swap(true) {
		m.bgMu.Unlock()
		return nil
	}
	m.bgMu.Unlock()
	m.bg.Wait()

	var failures []error
	if err := m.SaveBloomFilters(); err != nil {
		failures = append(failures, err)
	}
	for _, p := range m.partitions {
		p.writeMu.Lock()
		if err := p.seg.Close(); err != nil {
			failures = append(failures, errs.Partition(p.id, "close", err))
		}
		p.writeMu.Unlock()
	}
	return errors.Join(failures...)
}

func (m *Manager) closeSegments() {
	for _, p := range m.partitions {
		if p != nil && p.seg != nil {
			_ = p.seg.Close()
		}
	}
}
