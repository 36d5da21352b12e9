package segment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/aalhour/plexkv/internal/cache"
	"github.com/aalhour/plexkv/internal/checksum"
	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/mempool"
	"github.com/aalhour/plexkv/internal/vfs"
)

// DefaultMaxSegmentSize is the rotation threshold used when Options leaves it unset.
const DefaultMaxSegmentSize = 64 << 20

// encodeBuffers is shared by every Manager's append and compaction paths.
var encodeBuffers = mempool.NewPool()

// Options configures a Manager.
type Options struct {
	// PartitionID is stamped into every Offset the manager returns.
	PartitionID uint32

	// MaxSegmentSize triggers rotation before an append would push the
	// active segment past it. Zero means DefaultMaxSegmentSize.
	MaxSegmentSize int64

	// DisableSync skips the fsync after each append.
	DisableSync bool

	// BlockCache, if set, caches aligned regions of segment files for
	// ReadRecord. It must not be shared with another Manager and its block
	// size must be a power of two.
	BlockCache *cache.BlockCache

	FS     vfs.FS
	Logger logging.Logger
}

// Manager owns the segment files of one partition directory.
//
// Append, Rotate, ScanAll and Compact take the write lock; Read takes the
// read lock, so reads of sealed segments proceed while no writer holds it.
// Callers must not Append concurrently with Compact.
type Manager struct {
	dir    string
	opts   Options
	fs     vfs.FS
	logger logging.Logger

	mu       sync.RWMutex
	active   vfs.WritableFile
	activeID uint32
	sizes    map[uint32]uint64
	readers  map[uint32]vfs.RandomAccessFile
	closed   bool
}

// Open discovers the segments in dir, creating dir and an initial segment if
// needed. The highest-numbered segment becomes the active one and is resumed
// at its end. Leftover compaction temp files are removed.
func Open(dir string, opts Options) (*Manager, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	m := &Manager{
		dir:     dir,
		opts:    opts,
		fs:      opts.FS,
		logger:  logging.OrDefault(opts.Logger),
		sizes:   make(map[uint32]uint64),
		readers: make(map[uint32]vfs.RandomAccessFile),
	}

	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	names, err := m.fs.ListDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []uint32
	for _, name := range names {
		if isTempFile(name) {
			m.logger.Warnf("%spartition %d: removing stale compaction file %s", logging.NSSegment, opts.PartitionID, name)
			_ = m.fs.Remove(filepath.Join(dir, name))
			continue
		}
		if id, ok := ParseFileName(name); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	if len(ids) == 0 {
		f, err := m.fs.Create(m.path(0))
		if err != nil {
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		if err := m.fs.SyncDir(dir); err != nil {
			return nil, err
		}
		ids = []uint32{0}
	}

	for _, id := range ids {
		r, err := m.fs.OpenRandomAccess(m.path(id))
		if err != nil {
			m.closeFiles()
			return nil, err
		}
		m.readers[id] = r
		m.sizes[id] = uint64(r.Size())
	}

	m.activeID = ids[len(ids)-1]
	m.active, err = m.fs.OpenAppend(m.path(m.activeID))
	if err != nil {
		m.closeFiles()
		return nil, err
	}
	return m, nil
}

func (m *Manager) path(id uint32) string {
	return filepath.Join(m.dir, FileName(id))
}

// Dir returns the partition directory.
func (m *Manager) Dir() string { return m.dir }

// Append writes rec to the active segment and returns its location.
// The segment is rotated first if rec would push it past MaxSegmentSize.
func (m *Manager) Append(rec Record) (Offset, error) {
	if err := CheckSize(rec); err != nil {
		return Offset{}, err
	}
	buf := AppendRecord(encodeBuffers.Get(EncodedSize(rec)), rec)
	defer encodeBuffers.Put(buf)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Offset{}, errs.ErrClosed
	}

	cur := m.sizes[m.activeID]
	if cur > 0 && cur+uint64(len(buf)) > uint64(m.opts.MaxSegmentSize) {
		if err := m.rotateLocked(); err != nil {
			return Offset{}, err
		}
		cur = 0
	}

	if err := m.active.Append(buf); err != nil {
		// Drop any partial write so the next record starts on a boundary.
		_ = m.active.Truncate(int64(cur))
		return Offset{}, err
	}
	if !m.opts.DisableSync {
		if err := m.active.Sync(); err != nil {
			return Offset{}, err
		}
	}
	m.sizes[m.activeID] = cur + uint64(len(buf))

	return Offset{
		PartitionID: m.opts.PartitionID,
		FileID:      m.activeID,
		Offset:      cur,
		Size:        uint32(len(buf)),
		Timestamp:   rec.Timestamp,
	}, nil
}

// ReadRecord reads and verifies the record at off.
// A checksum failure returns a *errs.CorruptDataError.
func (m *Manager) ReadRecord(off Offset) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, errs.ErrClosed
	}
	r, ok := m.readers[off.FileID]
	if !ok {
		return Record{}, errs.CorruptData(off.FileID, off.Offset, fmt.Errorf("segment %d does not exist", off.FileID))
	}
	if m.opts.BlockCache != nil {
		if rec, ok := m.readCached(r, off); ok {
			return rec, nil
		}
	}

	var hdr [HeaderSize]byte
	if _, err := r.ReadAt(hdr[:], int64(off.Offset)); err != nil {
		return Record{}, errs.CorruptData(off.FileID, off.Offset, err)
	}
	h := DecodeHeader(hdr[:])
	if h.DataLength > maxBodySize {
		return Record{}, errs.CorruptData(off.FileID, off.Offset, fmt.Errorf("declared length %d", h.DataLength))
	}
	if off.Size != 0 && uint64(off.Size) != HeaderSize+h.DataLength {
		return Record{}, errs.CorruptData(off.FileID, off.Offset, fmt.Errorf("record size %d, index says %d", HeaderSize+h.DataLength, off.Size))
	}

	body := make([]byte, h.DataLength)
	if _, err := r.ReadAt(body, int64(off.Offset)+HeaderSize); err != nil {
		return Record{}, errs.CorruptData(off.FileID, off.Offset, err)
	}
	if actual, ok := checksum.Verify(body, h.CRC); !ok {
		return Record{}, errs.CorruptData(off.FileID, off.Offset, errs.ChecksumMismatch(h.CRC, actual))
	}
	rec, err := DecodeBody(body)
	if err != nil {
		return Record{}, errs.CorruptData(off.FileID, off.Offset, err)
	}
	return rec, nil
}

// blockKey places a file offset in the block cache key space: the file id in
// the high 32 bits, the offset in the low 32.
func blockKey(fileID uint32, offset uint64) uint64 {
	return uint64(fileID)<<32 | offset
}

// readCached serves off from the block cache, loading its block on a miss.
// It reports false whenever the record cannot be served from one verified
// block; the caller then reads from the file directly.
func (m *Manager) readCached(r vfs.RandomAccessFile, off Offset) (Record, bool) {
	bc := m.opts.BlockCache
	size := int(off.Size)
	if size == 0 || size > bc.BlockSize() || off.Offset+uint64(size) > math.MaxUint32 {
		return Record{}, false
	}
	ctx := context.Background()
	key := blockKey(off.FileID, off.Offset)

	frame, ok := bc.GetData(ctx, key, size)
	if !ok {
		start := bc.Align(key)
		if start>>32 != uint64(off.FileID) {
			return Record{}, false
		}
		buf := make([]byte, bc.BlockSize())
		n, err := r.ReadAt(buf, int64(start&math.MaxUint32))
		if err != nil && err != io.EOF {
			return Record{}, false
		}
		bc.SetBlock(ctx, cache.NewBlock(start, buf[:n]))
		if frame, ok = bc.GetData(ctx, key, size); !ok {
			return Record{}, false
		}
	}

	rec, err := DecodeRecord(frame)
	if err != nil {
		bc.RemoveBlock(ctx, key)
		return Record{}, false
	}
	return rec, true
}

// Read returns the value stored at off. A tombstone reads as absent.
func (m *Manager) Read(off Offset) (string, bool, error) {
	rec, err := m.ReadRecord(off)
	if err != nil {
		return "", false, err
	}
	if rec.IsTombstone() {
		return "", false, nil
	}
	return *rec.Value, true, nil
}

// Rotate seals the active segment and starts the next one.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.ErrClosed
	}
	return m.rotateLocked()
}

func (m *Manager) rotateLocked() error {
	next := m.activeID + 1
	f, err := m.fs.Create(m.path(next))
	if err != nil {
		return err
	}
	r, err := m.fs.OpenRandomAccess(m.path(next))
	if err != nil {
		_ = f.Close()
		_ = m.fs.Remove(m.path(next))
		return err
	}
	if err := m.fs.SyncDir(m.dir); err != nil {
		_ = f.Close()
		_ = r.Close()
		return err
	}

	if err := m.active.Sync(); err != nil {
		m.logger.Errorf("%spartition %d: sync segment %d on rotate: %v", logging.NSSegment, m.opts.PartitionID, m.activeID, err)
	}
	_ = m.active.Close()

	m.logger.Debugf("%spartition %d: rotated segment %d -> %d", logging.NSSegment, m.opts.PartitionID, m.activeID, next)
	m.active = f
	m.activeID = next
	m.sizes[next] = 0
	m.readers[next] = r
	return nil
}

// ScanAll reads every segment in id order and calls fn for each intact
// record. Corrupt records go to reporter and the scan resumes at the next
// intact record. A torn tail on the active segment is truncated so later
// appends start on a record boundary.
func (m *Manager) ScanAll(fn func(Entry) error, reporter Reporter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errs.ErrClosed
	}

	for _, id := range m.fileIDsLocked() {
		sc := NewScanner(m.readers[id], int64(m.sizes[id]), m.opts.PartitionID, id, reporter)
		for {
			e, err := sc.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}

		if !sc.Torn() {
			continue
		}
		if id != m.activeID {
			m.logger.Warnf("%spartition %d: segment %d has a torn tail at offset %d", logging.NSRecovery, m.opts.PartitionID, id, sc.ValidEnd())
			continue
		}
		m.logger.Warnf("%spartition %d: truncating torn tail of segment %d at offset %d (was %d bytes)",
			logging.NSRecovery, m.opts.PartitionID, id, sc.ValidEnd(), m.sizes[id])
		if err := m.active.Truncate(int64(sc.ValidEnd())); err != nil {
			return err
		}
		m.sizes[id] = sc.ValidEnd()
	}
	return nil
}

// Compaction is a rewritten segment that has been written and fsynced under
// a temporary name but not yet swapped in.
type Compaction struct {
	m       *Manager
	id      uint32
	tmp     string
	offsets []Offset
	size    uint64
	done    bool
}

// PrepareCompaction writes live into a temporary segment file. live must hold
// only value records, one per key; tombstones are dropped. No lock is held
// while the file is written, so reads continue against the old segments.
func (m *Manager) PrepareCompaction(live []Record) (*Compaction, error) {
	pid := m.opts.PartitionID

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, errs.ErrClosed
	}
	newID := m.activeID + 1
	m.mu.RUnlock()

	tmp := m.path(newID) + "." + uuid.NewString() + tmpSuffix
	offsets, size, err := m.writeSegment(tmp, newID, live)
	if err != nil {
		_ = m.fs.Remove(tmp)
		return nil, errs.CompactionFailed(pid, err)
	}
	return &Compaction{m: m, id: newID, tmp: tmp, offsets: offsets, size: size}, nil
}

// Offsets returns the location each live record will have once committed.
func (c *Compaction) Offsets() []Offset { return c.offsets }

// Abort removes the temporary file.
func (c *Compaction) Abort() {
	if c.done {
		return
	}
	c.done = true
	_ = c.m.fs.Remove(c.tmp)
}

// Commit renames the new segment into place and deletes every older segment.
// It fails if the manager rotated since PrepareCompaction.
//
// The rename is synced before any old segment is removed, so a crash at any
// point leaves either the old segments or a complete new one.
func (c *Compaction) Commit() ([]Offset, error) {
	m := c.m
	pid := m.opts.PartitionID
	if c.done {
		return nil, errs.CompactionFailed(pid, fmt.Errorf("compaction already finished"))
	}
	c.done = true

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		_ = m.fs.Remove(c.tmp)
		return nil, errs.ErrClosed
	}
	if m.activeID+1 != c.id {
		_ = m.fs.Remove(c.tmp)
		return nil, errs.CompactionFailed(pid, fmt.Errorf("segment %d became active during compaction", m.activeID))
	}

	final := m.path(c.id)
	if err := m.fs.Rename(c.tmp, final); err != nil {
		_ = m.fs.Remove(c.tmp)
		return nil, errs.CompactionFailed(pid, err)
	}
	if err := m.fs.SyncDir(m.dir); err != nil {
		return nil, errs.CompactionFailed(pid, err)
	}
	active, err := m.fs.OpenAppend(final)
	if err != nil {
		return nil, errs.CompactionFailed(pid, err)
	}
	reader, err := m.fs.OpenRandomAccess(final)
	if err != nil {
		_ = active.Close()
		return nil, errs.CompactionFailed(pid, err)
	}

	old := m.fileIDsLocked()
	_ = m.active.Close()
	for _, r := range m.readers {
		_ = r.Close()
	}
	for _, id := range old {
		if err := m.fs.Remove(m.path(id)); err != nil {
			m.logger.Warnf("%spartition %d: remove old segment %d: %v", logging.NSCompact, pid, id, err)
		}
	}
	if err := m.fs.SyncDir(m.dir); err != nil {
		m.logger.Warnf("%spartition %d: sync dir after compaction: %v", logging.NSCompact, pid, err)
	}

	m.active = active
	m.activeID = c.id
	m.sizes = map[uint32]uint64{c.id: c.size}
	m.readers = map[uint32]vfs.RandomAccessFile{c.id: reader}
	return c.offsets, nil
}

// Compact rewrites live into a single new segment and deletes every older
// segment. It returns the new location of each value record, in input order.
// Callers must not Append concurrently with Compact.
func (m *Manager) Compact(live []Record) ([]Offset, error) {
	c, err := m.PrepareCompaction(live)
	if err != nil {
		return nil, err
	}
	return c.Commit()
}

func (m *Manager) writeSegment(path string, id uint32, live []Record) ([]Offset, uint64, error) {
	f, err := m.fs.Create(path)
	if err != nil {
		return nil, 0, err
	}
	w := bufio.NewWriterSize(f, 256<<10)

	offsets := make([]Offset, 0, len(live))
	var pos uint64
	buf := encodeBuffers.Get(mempool.SizeClasses[0])
	defer func() { encodeBuffers.Put(buf) }()
	for _, rec := range live {
		if rec.IsTombstone() {
			continue
		}
		buf = AppendRecord(buf[:0], rec)
		if _, err := w.Write(buf); err != nil {
			_ = f.Close()
			return nil, 0, err
		}
		offsets = append(offsets, Offset{
			PartitionID: m.opts.PartitionID,
			FileID:      id,
			Offset:      pos,
			Size:        uint32(len(buf)),
			Timestamp:   rec.Timestamp,
		})
		pos += uint64(len(buf))
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if err := f.Close(); err != nil {
		return nil, 0, err
	}
	return offsets, pos, nil
}

// Sync fsyncs the active segment.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.ErrClosed
	}
	return m.active.Sync()
}

// TotalSize returns the combined size of all segments in bytes.
func (m *Manager) TotalSize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, s := range m.sizes {
		total += s
	}
	return total
}

// FileIDs returns the ids of all segments in ascending order.
func (m *Manager) FileIDs() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fileIDsLocked()
}

func (m *Manager) fileIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(m.sizes))
	for id := range m.sizes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ActiveID returns the id of the segment being appended to.
func (m *Manager) ActiveID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// Close syncs the active segment and closes every file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if !m.opts.DisableSync {
		err = m.active.Sync()
	}
	if cerr := m.active.Close(); err == nil {
		err = cerr
	}
	m.closeFiles()
	return err
}

func (m *Manager) closeFiles() {
	for id, r := range m.readers {
		_ = r.Close()
		delete(m.readers, id)
	}
}
