package plexkv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/vfs"
	"github.com/aalhour/plexkv/internal/wal"
)

func testOptions() *Options {
	opts := DefaultOptions()
	opts.Partition.Count = 4
	opts.Partition.AutoCompact = false
	opts.Partition.DisableSync = true
	opts.Partition.BloomCapacity = 1000
	opts.Cache.Capacity = 64
	opts.Cache.Shards = 4
	opts.Cache.CompressedCapacity = 256
	opts.Cache.BlockCacheBlocks = 16
	opts.Logger = logging.Discard
	return opts
}

func openTestDB(t *testing.T, dir string, opts *Options) *DB {
	t.Helper()
	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustSet(t *testing.T, db *DB, key, value string) {
	t.Helper()
	if err := db.Set(key, value); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

func expectValue(t *testing.T, db *DB, key, want string) {
	t.Helper()
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if got != want {
		t.Errorf("Get(%q) = %q, want %q", key, got, want)
	}
}

func expectNotFound(t *testing.T, db *DB, key string) {
	t.Helper()
	if got, err := db.Get(key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(%q) = %q, %v; want ErrKeyNotFound", key, got, err)
	}
}

func TestDB_SetGetDelete(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())

	mustSet(t, db, "user:1", "alice")
	mustSet(t, db, "user:2", "bob")
	expectValue(t, db, "user:1", "alice")
	expectValue(t, db, "user:2", "bob")
	expectNotFound(t, db, "user:3")

	mustSet(t, db, "user:1", "alicia")
	expectValue(t, db, "user:1", "alicia")

	if err := db.Delete("user:1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectNotFound(t, db, "user:1")
	if err := db.Delete("user:1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("second Delete = %v, want ErrKeyNotFound", err)
	}
	expectValue(t, db, "user:2", "bob")
}

func TestDB_EmptyKey(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())
	if err := db.Set("", "v"); !errors.Is(err, ErrKeyIsEmpty) {
		t.Errorf("Set(\"\") = %v, want ErrKeyIsEmpty", err)
	}
	if _, err := db.Get(""); !errors.Is(err, ErrKeyIsEmpty) {
		t.Errorf("Get(\"\") = %v, want ErrKeyIsEmpty", err)
	}
	if err := db.Delete(""); !errors.Is(err, ErrKeyIsEmpty) {
		t.Errorf("Delete(\"\") = %v, want ErrKeyIsEmpty", err)
	}
}

func TestDB_ReadCache(t *testing.T) {
	opts := testOptions()
	stats := NewStatistics()
	opts.Statistics = stats
	db := openTestDB(t, t.TempDir(), opts)

	mustSet(t, db, "k", "v1")
	expectValue(t, db, "k", "v1") // miss, fills
	expectValue(t, db, "k", "v1") // hit
	if got := stats.GetTickerCount(TickerCacheHit); got != 1 {
		t.Errorf("cache hits = %d, want 1", got)
	}
	if got := stats.GetTickerCount(TickerCacheMiss); got != 1 {
		t.Errorf("cache misses = %d, want 1", got)
	}

	// A write drops the cached value from both levels.
	mustSet(t, db, "k", "v2")
	expectValue(t, db, "k", "v2")
	if err := db.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectNotFound(t, db, "k")

	s, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.CompressionStats.Stored == 0 {
		t.Error("compressed L2 never stored a value")
	}
}

func TestDB_ReadCacheServesFromL2(t *testing.T) {
	opts := testOptions()
	opts.Cache.Capacity = 4
	opts.Cache.Shards = 1
	stats := NewStatistics()
	opts.Statistics = stats
	db := openTestDB(t, t.TempDir(), opts)

	for i := range 20 {
		mustSet(t, db, fmt.Sprintf("k%02d", i), strings.Repeat("v", 100))
	}
	for i := range 20 {
		db.Get(fmt.Sprintf("k%02d", i))
	}
	// k00 fell out of the 4-entry L1 but is still in L2.
	before := stats.GetTickerCount(TickerCacheHit)
	expectValue(t, db, "k00", strings.Repeat("v", 100))
	if got := stats.GetTickerCount(TickerCacheHit); got != before+1 {
		t.Errorf("cache hits = %d, want %d", got, before+1)
	}
}

func TestDB_NoReadCache(t *testing.T) {
	opts := testOptions()
	opts.Cache.Capacity = 0
	db := openTestDB(t, t.TempDir(), opts)

	mustSet(t, db, "k", "v")
	expectValue(t, db, "k", "v")
	s, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.ReadCache != (CacheStats{}) {
		t.Errorf("ReadCache = %+v, want zero", s.ReadCache)
	}
}

func TestDB_ReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := range 100 {
		mustSet(t, db, fmt.Sprintf("key%03d", i), fmt.Sprintf("value%d", i))
	}
	for i := range 20 {
		if err := db.Delete(fmt.Sprintf("key%03d", i)); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cp, err := readCheckpoint(vfs.Default(), dir)
	if err != nil {
		t.Fatalf("readCheckpoint failed: %v", err)
	}
	if cp != 120 {
		t.Errorf("checkpoint = %d, want 120", cp)
	}

	stats := NewStatistics()
	opts.Statistics = stats
	db = openTestDB(t, dir, opts)
	if got := stats.GetTickerCount(TickerWALReplayed); got != 0 {
		t.Errorf("replayed %d WAL entries after a clean close, want 0", got)
	}
	for i := range 100 {
		key := fmt.Sprintf("key%03d", i)
		if i < 20 {
			expectNotFound(t, db, key)
			continue
		}
		expectValue(t, db, key, fmt.Sprintf("value%d", i))
	}
	s, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.TotalKeys != 80 || s.TotalTombstones != 20 {
		t.Errorf("stats = %d keys, %d tombstones; want 80, 20", s.TotalKeys, s.TotalTombstones)
	}

	// Sequence numbers continue past the checkpoint.
	mustSet(t, db, "next", "v")
	if got := db.wal.LastSequence(); got != 121 {
		t.Errorf("LastSequence = %d, want 121", got)
	}
}

// TestDB_ReplaysWALAfterCrash drops everything the partitions never synced
// and checks the WAL restores it.
func TestDB_ReplaysWALAfterCrash(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultFS(vfs.Default())
	opts := testOptions()
	opts.FS = ffs

	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustSet(t, db, "durable", "before-sync")
	if err := db.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	for i := range 10 {
		mustSet(t, db, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	if err := db.Delete("durable"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// Simulate a crash: segment appends were never synced, the WAL was.
	if err := ffs.DropUnsyncedData(); err != nil {
		t.Fatalf("DropUnsyncedData failed: %v", err)
	}
	db.parts.Close()
	db.wal.Close()
	db.lock.Close()
	ffs.Reset()

	stats := NewStatistics()
	opts.Statistics = stats
	db = openTestDB(t, dir, opts)
	if got := stats.GetTickerCount(TickerWALReplayed); got != 11 {
		t.Errorf("replayed %d WAL entries, want 11", got)
	}
	for i := range 10 {
		expectValue(t, db, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	expectNotFound(t, db, "durable")
}

func TestDB_SyncCheckpointsAndTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WAL.MaxEntries = 5
	db := openTestDB(t, dir, opts)

	for i := range 23 {
		mustSet(t, db, fmt.Sprintf("k%d", i), "v")
	}
	if files := len(db.wal.Files()); files < 5 {
		t.Fatalf("WAL holds %d files, want at least 5", files)
	}
	if err := db.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if files := len(db.wal.Files()); files != 1 {
		t.Errorf("WAL holds %d files after Sync, want 1", files)
	}
	s, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.Checkpoint != 23 {
		t.Errorf("Checkpoint = %d, want 23", s.Checkpoint)
	}
}

func TestDB_Compact(t *testing.T) {
	opts := testOptions()
	opts.Partition.Count = 1
	db := openTestDB(t, t.TempDir(), opts)

	for i := range 100 {
		mustSet(t, db, fmt.Sprintf("k%03d", i), "v")
	}
	for i := 10; i < 100; i++ {
		if err := db.Delete(fmt.Sprintf("k%03d", i)); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}
	if err := db.Compact(0); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if err := db.CompactAll(); err != nil {
		t.Fatalf("CompactAll failed: %v", err)
	}
	s, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.Compactions != 2 || s.Partitions[0].Generation != 2 {
		t.Errorf("Compactions = %d, Generation = %d; want 2, 2", s.Compactions, s.Partitions[0].Generation)
	}
	if s.TotalKeys != 10 || s.TotalTombstones != 0 {
		t.Errorf("stats = %d keys, %d tombstones; want 10, 0", s.TotalKeys, s.TotalTombstones)
	}
	if got := db.Statistics().GetTickerCount(TickerCompactions); got != 2 {
		t.Errorf("TickerCompactions = %d, want 2", got)
	}
	if err := db.Compact(3); !errors.Is(err, ErrConfig) {
		t.Errorf("Compact(3) = %v, want ErrConfig", err)
	}
}

func TestDB_Concurrent(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	for w := range writers {
		wg.Go(func() {
			for i := range perWriter {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if err := db.Set(key, key); err != nil {
					t.Errorf("Set(%q) failed: %v", key, err)
					return
				}
				if got, err := db.Get(key); err != nil || got != key {
					t.Errorf("Get(%q) = %q, %v", key, got, err)
					return
				}
			}
		})
	}
	wg.Wait()

	s, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.TotalKeys != writers*perWriter {
		t.Errorf("TotalKeys = %d, want %d", s.TotalKeys, writers*perWriter)
	}
}

func TestDB_ConcurrentOverwritesStayCoherent(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testOptions())

	var wg sync.WaitGroup
	for r := range 4 {
		wg.Go(func() {
			for range 200 {
				if _, err := db.Get("hot"); err != nil && !errors.Is(err, ErrKeyNotFound) {
					t.Errorf("reader %d: Get failed: %v", r, err)
					return
				}
			}
		})
	}
	for i := range 200 {
		mustSet(t, db, "hot", fmt.Sprintf("v%d", i))
	}
	wg.Wait()
	expectValue(t, db, "hot", "v199")
}

func TestOpen_Lock(t *testing.T) {
	dir := t.TempDir()
	openTestDB(t, dir, testOptions())
	if _, err := Open(dir, testOptions()); !errors.Is(err, ErrLock) {
		t.Errorf("second Open = %v, want ErrLock", err)
	}
}

func TestOpen_ExistenceChecks(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	opts := testOptions()
	opts.CreateIfMissing = false
	if _, err := Open(dir, opts); !errors.Is(err, ErrDBNotFound) {
		t.Fatalf("Open without CreateIfMissing = %v, want ErrDBNotFound", err)
	}

	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	opts = testOptions()
	opts.ErrorIfExists = true
	if _, err := Open(dir, opts); !errors.Is(err, ErrDBExists) {
		t.Errorf("Open with ErrorIfExists = %v, want ErrDBExists", err)
	}
}

func TestOpen_InvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.Partition.BloomFPRate = 0
	if _, err := Open(t.TempDir(), opts); !errors.Is(err, ErrConfig) {
		t.Errorf("Open = %v, want ErrConfig", err)
	}
}

func TestOpen_CorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, checkpointFileName), []byte("not a number"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Open(dir, testOptions()); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Open = %v, want ErrInvalidFormat", err)
	}

	// The failed Open released the lock.
	if err := os.Remove(filepath.Join(dir, checkpointFileName)); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	openTestDB(t, dir, testOptions())
}

func TestCheckpointFile(t *testing.T) {
	fs := vfs.Default()
	dir := t.TempDir()

	if seq, err := readCheckpoint(fs, dir); err != nil || seq != 0 {
		t.Fatalf("readCheckpoint(empty) = %d, %v; want 0, nil", seq, err)
	}
	for _, want := range []uint64{1, 42, 1 << 40} {
		if err := writeCheckpoint(fs, dir, want); err != nil {
			t.Fatalf("writeCheckpoint failed: %v", err)
		}
		if got, err := readCheckpoint(fs, dir); err != nil || got != want {
			t.Errorf("readCheckpoint = %d, %v; want %d", got, err, want)
		}
	}
	names, err := fs.ListDir(dir)
	if err != nil {
		t.Fatalf("ListDir failed: %v", err)
	}
	if len(names) != 1 || names[0] != checkpointFileName {
		t.Errorf("dir holds %v, want only %s", names, checkpointFileName)
	}
}

func TestDB_ReplaySkipsEntriesBeforeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	// A WAL written by an earlier run with nothing applied to partitions.
	l, err := wal.Open(filepath.Join(dir, walDirName), wal.Options{Logger: logging.Discard})
	if err != nil {
		t.Fatalf("wal.Open failed: %v", err)
	}
	for _, cmd := range []wal.Command{wal.Set("old", "1"), wal.Set("new", "2"), wal.Delete("missing")} {
		if _, err := l.Append(cmd); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	l.Close()
	if err := writeCheckpoint(vfs.Default(), dir, 1); err != nil {
		t.Fatalf("writeCheckpoint failed: %v", err)
	}

	stats := NewStatistics()
	opts.Statistics = stats
	db := openTestDB(t, dir, opts)
	expectNotFound(t, db, "old")
	expectValue(t, db, "new", "2")
	if got := stats.GetTickerCount(TickerWALReplayed); got != 2 {
		t.Errorf("replayed %d entries, want 2", got)
	}
}

func TestDB_Closed(t *testing.T) {
	db, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if _, err := db.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := db.Set("k", "v"); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
	if err := db.Sync(); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync after Close = %v, want ErrClosed", err)
	}
	if _, err := db.Stats(); !errors.Is(err, ErrClosed) {
		t.Errorf("Stats after Close = %v, want ErrClosed", err)
	}
}
