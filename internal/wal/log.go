package wal

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/vfs"
)

const (
	// DefaultMaxFileSize is the rotation size used when Options leaves it unset.
	DefaultMaxFileSize = 64 << 20

	// DefaultMaxEntries is the rotation entry count used when Options leaves it unset.
	DefaultMaxEntries = 1 << 20
)

// Options configures a Log.
type Options struct {
	// MaxFileSize rotates the active file before an append would grow it
	// past this many bytes.
	MaxFileSize int64

	// MaxEntries rotates the active file once it holds this many entries.
	MaxEntries uint64

	// SyncInterval is the longest time an appended entry may stay unsynced.
	// Zero syncs after every append.
	SyncInterval time.Duration

	// MinSequence keeps new sequence numbers above this value even when no
	// WAL file survives, so entries already checkpointed are never reused.
	MinSequence uint64

	FS     vfs.FS
	Logger logging.Logger
}

// Stats is a point-in-time snapshot of WAL counters.
type Stats struct {
	Files        int
	LastSequence uint64
	Entries      uint64 // appended since Open
	BytesWritten uint64 // appended since Open
	Syncs        uint64
	Corruptions  uint64 // entries skipped by Open and Replay
}

type walFile struct {
	name     string
	startSeq uint64
	lastSeq  uint64 // startSeq-1 when the file holds no entries
}

// Log is the write-ahead log. All methods are safe for concurrent use; one
// mutex serializes sequence assignment and the active file.
type Log struct {
	dir    string
	opts   Options
	fs     vfs.FS
	logger logging.Logger

	mu            sync.Mutex
	files         []walFile // name order; last is active
	active        vfs.WritableFile
	activeSize    int64
	activeEntries uint64
	nextSeq       uint64
	lastSync      time.Time
	closed        bool
	buf           []byte
	stats         Stats
}

// Open scans the WAL files in dir to find the highest sequence number and
// starts a fresh active file after it. Files with an unrecognized header
// are logged and ignored.
func Open(dir string, opts Options) (*Log, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	l := &Log{
		dir:     dir,
		opts:    opts,
		fs:      opts.FS,
		logger:  logging.OrDefault(opts.Logger),
		nextSeq: 1,
	}

	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrWAL, err)
	}
	names, err := l.fs.ListDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrWAL, err)
	}

	for _, name := range names {
		_, startSeq, ok := ParseFileName(name)
		if !ok {
			continue
		}
		lastSeq, err := l.scanFile(name)
		if errors.Is(err, errs.ErrInvalidFormat) {
			l.logger.Warnf("%sskipping %s: %v", logging.NSWAL, name, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", errs.ErrWAL, name, err)
		}
		if lastSeq < startSeq {
			lastSeq = startSeq - 1
		}
		l.files = append(l.files, walFile{name: name, startSeq: startSeq, lastSeq: lastSeq})
		if lastSeq >= l.nextSeq {
			l.nextSeq = lastSeq + 1
		}
	}

	if l.nextSeq <= opts.MinSequence {
		l.nextSeq = opts.MinSequence + 1
	}

	if err := l.newFileLocked(); err != nil {
		return nil, err
	}
	l.logger.Infof("%sopened %s: %d existing files, next sequence %d", logging.NSWAL, dir, len(l.files)-1, l.nextSeq)
	return l, nil
}

// scanFile returns the highest sequence number in name, or 0 if it has none.
func (l *Log) scanFile(name string) (uint64, error) {
	var last uint64
	err := l.readFile(name, func(e Entry) error {
		last = max(last, e.Sequence)
		return nil
	})
	return last, err
}

func (l *Log) readFile(name string, fn func(Entry) error) error {
	f, err := l.fs.Open(filepath.Join(l.dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := NewReader(f, &logReporter{l: l, file: name})
	if err != nil {
		return err
	}
	for {
		e, err := r.Next()
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
	if r.Torn() {
		l.logger.Warnf("%s%s ends in a truncated entry", logging.NSWAL, name)
	}
	return nil
}

type logReporter struct {
	l    *Log
	file string
}

func (r *logReporter) Corruption(bytes int, err error) {
	r.l.stats.Corruptions++
	r.l.logger.Warnf("%s%s: skipped %d corrupt bytes: %v", logging.NSWAL, r.file, bytes, err)
}

// newFileLocked seals the active file, if any, and creates the next one.
func (l *Log) newFileLocked() error {
	now := uint64(time.Now().UnixNano())
	name := FileName(now, l.nextSeq)
	if n := len(l.files); n > 0 && l.files[n-1].name >= name {
		// Keep names strictly increasing even if the clock stepped back.
		prev, _, _ := ParseFileName(l.files[n-1].name)
		name = FileName(prev+1, l.nextSeq)
	}

	f, err := l.fs.Create(filepath.Join(l.dir, name))
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", errs.ErrWAL, name, err)
	}
	hdr := EncodeFileHeader(FileHeader{Version: Version, CreatedAt: now})
	if err := f.Append(hdr); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write header: %w", errs.ErrWAL, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync header: %w", errs.ErrWAL, err)
	}
	if err := l.fs.SyncDir(l.dir); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync dir: %w", errs.ErrWAL, err)
	}

	if l.active != nil {
		if err := l.active.Sync(); err != nil {
			l.logger.Errorf("%ssync on rotate: %v", logging.NSWAL, err)
		}
		_ = l.active.Close()
		l.files[len(l.files)-1].lastSeq = l.nextSeq - 1
		l.logger.Debugf("%srotated to %s", logging.NSWAL, name)
	}

	l.active = f
	l.activeSize = FileHeaderSize
	l.activeEntries = 0
	l.lastSync = time.Now()
	l.files = append(l.files, walFile{name: name, startSeq: l.nextSeq, lastSeq: l.nextSeq - 1})
	return nil
}

// Append logs cmd and returns its sequence number. The entry is synced
// before Append returns unless SyncInterval allows it to wait.
func (l *Log) Append(cmd Command) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, errs.ErrClosed
	}

	e := Entry{
		Sequence:  l.nextSeq,
		Timestamp: uint64(time.Now().UnixNano()),
		Command:   cmd,
	}
	l.buf = AppendEntry(l.buf[:0], &e)

	if l.activeEntries >= l.opts.MaxEntries ||
		(l.activeEntries > 0 && l.activeSize+int64(len(l.buf)) > l.opts.MaxFileSize) {
		if err := l.newFileLocked(); err != nil {
			return 0, err
		}
	}

	if err := l.active.Append(l.buf); err != nil {
		_ = l.active.Truncate(l.activeSize)
		return 0, fmt.Errorf("%w: append: %w", errs.ErrWAL, err)
	}
	l.activeSize += int64(len(l.buf))
	l.activeEntries++
	l.nextSeq++
	l.files[len(l.files)-1].lastSeq = e.Sequence
	l.stats.Entries++
	l.stats.BytesWritten += uint64(len(l.buf))

	if l.opts.SyncInterval == 0 || time.Since(l.lastSync) >= l.opts.SyncInterval {
		if err := l.syncLocked(); err != nil {
			return 0, err
		}
	}
	return e.Sequence, nil
}

// Sync flushes the active file to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errs.ErrClosed
	}
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", errs.ErrWAL, err)
	}
	l.lastSync = time.Now()
	l.stats.Syncs++
	return nil
}

// Replay calls fn, in sequence order, for every intact entry whose sequence
// is greater than afterSeq. Corrupt entries are logged and skipped. It
// returns the number of entries passed to fn.
func (l *Log) Replay(afterSeq uint64, fn func(Entry) error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, errs.ErrClosed
	}

	applied := 0
	for _, f := range l.files {
		if f.lastSeq <= afterSeq {
			continue
		}
		err := l.readFile(f.name, func(e Entry) error {
			if e.Sequence <= afterSeq {
				return nil
			}
			applied++
			return fn(e)
		})
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// Truncate deletes sealed files whose entries all have sequence <= uptoSeq.
// The active file is never deleted.
func (l *Log) Truncate(uptoSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errs.ErrClosed
	}

	var firstErr error
	kept := l.files[:0]
	last := len(l.files) - 1
	for i, f := range l.files {
		if i == last || f.lastSeq > uptoSeq {
			kept = append(kept, f)
			continue
		}
		if err := l.fs.Remove(filepath.Join(l.dir, f.name)); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: remove %s: %w", errs.ErrWAL, f.name, err)
			}
			kept = append(kept, f)
			continue
		}
		l.logger.Debugf("%sremoved %s (last sequence %d)", logging.NSWAL, f.name, f.lastSeq)
	}
	l.files = kept
	if err := l.fs.SyncDir(l.dir); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: sync dir: %w", errs.ErrWAL, err)
	}
	return firstErr
}

// LastSequence returns the sequence number of the newest entry, or 0.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Files returns the names of the tracked WAL files, oldest first.
func (l *Log) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.files))
	for i, f := range l.files {
		names[i] = f.name
	}
	return names
}

// Stats returns a snapshot of the WAL counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Files = len(l.files)
	s.LastSequence = l.nextSeq - 1
	return s
}

// Close syncs and closes the active file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.active.Sync()
	if cerr := l.active.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: close: %w", errs.ErrWAL, err)
	}
	return nil
}
