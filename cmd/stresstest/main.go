// Stress test for PlexKV.
//
// This tool hammers a database from many goroutines and checks every result
// against an expected state oracle.
//
// Design:
//   - Per-key locking: each operation locks its key in the oracle before
//     touching the database, so the database and the oracle always see writes
//     to one key in the same order.
//   - Pending values: a write is recorded in the oracle only after the
//     database acknowledged it.
//   - Reads are verified exactly, since the key is locked across the read.
//
// Features:
//   - Random sets, gets and deletes
//   - Partition compactions while traffic runs
//   - Periodic checkpoints (Sync)
//   - Database reopening (persistence checks)
//   - Expected state saved to disk so a later run can verify it
//
// Usage: go run ./cmd/stresstest [flags]
package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/plexkv"
	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/testutil"
)

var (
	// Test configuration
	duration      = flag.Duration("duration", 30*time.Second, "Test duration")
	numKeys       = flag.Int64("keys", 10000, "Number of keys in the key space")
	valueSize     = flag.Int("value-size", 100, "Size of each value in bytes")
	numThreads    = flag.Int("threads", 32, "Number of concurrent threads")
	numPartitions = flag.Int("partitions", 8, "Number of partitions")
	reopenPeriod  = flag.Duration("reopen", 10*time.Second, "Period between database reopens (0 to disable)")
	syncPeriod    = flag.Duration("sync", 2*time.Second, "Period between checkpoints (0 to disable)")
	dbPath        = flag.String("db", "", "Database path (default: temp directory)")
	keepDB        = flag.Bool("keep", false, "Keep database after test")
	verbose       = flag.Bool("v", false, "Verbose output")
	seed          = flag.Int64("seed", 0, "Random seed (0 for time-based)")
	expectedState = flag.String("expected-state", "", "Path to expected state file")
	verifyOnly    = flag.Bool("verify-only", false, "Verify the database against -expected-state without running operations")
	cacheCodec    = flag.String("compression", "snappy", "Compressed read cache codec: none, snappy, lz4, zstd, adaptive")

	// Operation weights
	setWeight     = flag.Int("set", 45, "Set operation weight")
	getWeight     = flag.Int("get", 40, "Get operation weight")
	deleteWeight  = flag.Int("delete", 14, "Delete operation weight")
	compactWeight = flag.Int("compact", 1, "Compaction weight")

	// Locking configuration
	log2KeysPerLock = flag.Uint("log2-keys-per-lock", 2, "Log2 of number of keys per lock")
)

const stressTestDirPrefix = "plexkv-stress-"

// Stats tracks operation counts
type Stats struct {
	sets        atomic.Uint64
	gets        atomic.Uint64
	deletes     atomic.Uint64
	compactions atomic.Uint64
	syncs       atomic.Uint64
	reopens     atomic.Uint64
	errors      atomic.Uint64
	verifyFail  atomic.Uint64
	verified    atomic.Uint64
}

func main() {
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	printBanner()

	testDir := *dbPath
	if testDir == "" {
		var err error
		if testDir, err = os.MkdirTemp("", stressTestDirPrefix+"*"); err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
	}
	fmt.Printf("Database path: %s\n\n", testDir)

	var expected *testutil.ExpectedState
	if *expectedState != "" {
		loaded, err := testutil.LoadFromFile(*expectedState, *log2KeysPerLock)
		switch {
		case err == nil:
			expected = loaded
			*numKeys = loaded.MaxKey()
		case *verifyOnly:
			fatal("Failed to load expected state: %v", err)
		case *verbose:
			fmt.Printf("Could not load expected state from %s: %v (creating new)\n", *expectedState, err)
		}
	}
	if expected == nil {
		expected = testutil.NewExpectedState(*numKeys, *log2KeysPerLock)
	}

	stats := &Stats{}
	if *verifyOnly {
		db, err := openDB(testDir)
		if err != nil {
			fatal("open failed: %v", err)
		}
		defer db.Close()
		if err := verifyAll(db, expected, stats); err != nil {
			fatal("verification failed: %v", err)
		}
		fmt.Println("VERIFICATION PASSED")
		return
	}

	if err := runStressTest(testDir, expected, stats); err != nil {
		fatal("%v", err)
	}
	if *expectedState != "" {
		if err := expected.SaveToFile(*expectedState); err != nil {
			fmt.Printf("Failed to save expected state: %v\n", err)
		}
	}

	printStats(stats)
	if stats.errors.Load() > 0 || stats.verifyFail.Load() > 0 {
		fmt.Println("STRESS TEST FAILED")
		os.Exit(1)
	}
	fmt.Println("STRESS TEST PASSED")

	if *keepDB || *dbPath != "" {
		fmt.Printf("\nDatabase kept at: %s\n", testDir)
	} else {
		os.RemoveAll(testDir)
	}
}

func printBanner() {
	fmt.Println("PlexKV Stress Test")
	fmt.Printf("  Duration: %s  Keys: %d  Threads: %d  Partitions: %d\n", *duration, *numKeys, *numThreads, *numPartitions)
	fmt.Printf("  Seed: %d  Value Size: %d  Keys/Lock: %d\n", *seed, *valueSize, 1<<*log2KeysPerLock)
	fmt.Printf("  Weights: set=%d get=%d delete=%d compact=%d\n", *setWeight, *getWeight, *deleteWeight, *compactWeight)
	fmt.Printf("  Reopen: %s  Sync: %s  Cache codec: %s\n", *reopenPeriod, *syncPeriod, *cacheCodec)
	fmt.Println()
}

func printStats(stats *Stats) {
	fmt.Println()
	fmt.Println("Final statistics")
	fmt.Printf("  Sets:        %12d\n", stats.sets.Load())
	fmt.Printf("  Gets:        %12d\n", stats.gets.Load())
	fmt.Printf("  Deletes:     %12d\n", stats.deletes.Load())
	fmt.Printf("  Compactions: %12d\n", stats.compactions.Load())
	fmt.Printf("  Syncs:       %12d\n", stats.syncs.Load())
	fmt.Printf("  Reopens:     %12d\n", stats.reopens.Load())
	fmt.Printf("  Verified:    %12d\n", stats.verified.Load())
	fmt.Printf("  Failures:    %12d\n", stats.verifyFail.Load())
	fmt.Printf("  Errors:      %12d\n", stats.errors.Load())
}

func openDB(path string) (*plexkv.DB, error) {
	opts := plexkv.DefaultOptions()
	opts.Partition.Count = *numPartitions
	opts.Partition.MaxSegmentSize = 1 << 20
	opts.Partition.DisableSync = true
	opts.Cache.Compression = *cacheCodec
	if *verbose {
		opts.Logger = logging.NewDefaultLogger(logging.LevelInfo)
	}
	return plexkv.Open(path, opts)
}

// dbHolder holds the current database instance. Operations hold mu shared;
// reopening holds it exclusively.
type dbHolder struct {
	mu   sync.RWMutex
	db   *plexkv.DB
	path string
}

func runStressTest(path string, expected *testutil.ExpectedState, stats *Stats) error {
	db, err := openDB(path)
	if err != nil {
		return fmt.Errorf("open failed: %w", err)
	}
	holder := &dbHolder{db: db, path: path}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := range *numThreads {
		wg.Go(func() { runWorker(i, holder, expected, stats, stop) })
	}
	if *reopenPeriod > 0 {
		wg.Go(func() { runReopener(holder, stats, stop) })
	}
	if *syncPeriod > 0 {
		wg.Go(func() { runSyncer(holder, stats, stop) })
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	holder.mu.Lock()
	defer holder.mu.Unlock()
	if holder.db == nil {
		return errors.New("database was left closed by a failed reopen")
	}
	verifyErr := verifyAll(holder.db, expected, stats)
	if err := holder.db.Close(); err != nil && verifyErr == nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return verifyErr
}

func runWorker(threadID int, holder *dbHolder, expected *testutil.ExpectedState, stats *Stats, stop chan struct{}) {
	rng := rand.New(rand.NewSource(*seed + int64(threadID*1000)))
	totalWeight := *setWeight + *getWeight + *deleteWeight + *compactWeight
	if totalWeight <= 0 {
		return
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		r := rng.Intn(totalWeight)
		holder.mu.RLock()
		db := holder.db
		if db == nil {
			holder.mu.RUnlock()
			time.Sleep(time.Millisecond)
			continue
		}

		var err error
		switch {
		case r < *setWeight:
			err = doSet(db, expected, stats, rng)
		case r < *setWeight+*getWeight:
			err = doGet(db, expected, stats, rng)
		case r < *setWeight+*getWeight+*deleteWeight:
			err = doDelete(db, expected, stats, rng)
		default:
			err = doCompact(db, stats, rng)
		}
		holder.mu.RUnlock()

		if err != nil {
			stats.errors.Add(1)
			if *verbose {
				fmt.Printf("Thread %d error: %v\n", threadID, err)
			}
		}
	}
}

// doSet writes a fresh value ID to a random key.
func doSet(db *plexkv.DB, expected *testutil.ExpectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(expected.MaxKey())
	unlock := expected.Lock(key)
	defer unlock()

	id := expected.NextValueID(key)
	pending := expected.PreparePut(key, id)
	if err := db.Set(testutil.Key(key), testutil.GenerateValue(key, id, *valueSize)); err != nil {
		pending.Rollback()
		return fmt.Errorf("set %d: %w", key, err)
	}
	pending.Commit()
	stats.sets.Add(1)
	return nil
}

// doGet reads a random key and checks it against the oracle.
func doGet(db *plexkv.DB, expected *testutil.ExpectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(expected.MaxKey())
	unlock := expected.Lock(key)
	defer unlock()

	stats.gets.Add(1)
	value, err := db.Get(testutil.Key(key))
	if err != nil && !errors.Is(err, plexkv.ErrKeyNotFound) {
		return fmt.Errorf("get %d: %w", key, err)
	}
	if msg := check(expected, key, value, err == nil); msg != "" {
		stats.verifyFail.Add(1)
		fmt.Printf("Verification failure: %s\n", msg)
	}
	return nil
}

// doDelete deletes a random key. The database must agree with the oracle
// on whether the key existed.
func doDelete(db *plexkv.DB, expected *testutil.ExpectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(expected.MaxKey())
	unlock := expected.Lock(key)
	defer unlock()

	existed := expected.Exists(key)
	pending := expected.PrepareDelete(key)
	err := db.Delete(testutil.Key(key))
	switch {
	case err == nil:
		pending.Commit()
		stats.deletes.Add(1)
		if !existed {
			stats.verifyFail.Add(1)
			fmt.Printf("Verification failure: deleted key %d the oracle holds absent\n", key)
		}
	case errors.Is(err, plexkv.ErrKeyNotFound):
		pending.Rollback()
		if existed {
			stats.verifyFail.Add(1)
			fmt.Printf("Verification failure: key %d missing on delete\n", key)
		}
	default:
		pending.Rollback()
		return fmt.Errorf("delete %d: %w", key, err)
	}
	return nil
}

// doCompact compacts one random partition, or all of them one time in four.
func doCompact(db *plexkv.DB, stats *Stats, rng *rand.Rand) error {
	var err error
	if rng.Intn(4) == 0 {
		err = db.CompactAll()
	} else {
		err = db.Compact(uint32(rng.Intn(*numPartitions)))
	}
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	stats.compactions.Add(1)
	return nil
}

// check compares one read with the oracle and describes any mismatch.
func check(expected *testutil.ExpectedState, key int64, value string, found bool) string {
	id, exists := expected.ValueID(key)
	switch {
	case exists && !found:
		return fmt.Sprintf("key %d: expected value %d, found nothing", key, id)
	case !exists && found:
		return fmt.Sprintf("key %d: expected absent, found a value", key)
	case exists && !testutil.VerifyValue(key, id, value):
		_, gotID, _ := testutil.ParseValue(value)
		return fmt.Sprintf("key %d: expected value %d, found value %d", key, id, gotID)
	}
	return ""
}

func runReopener(holder *dbHolder, stats *Stats, stop chan struct{}) {
	ticker := time.NewTicker(*reopenPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			holder.mu.Lock()
			if holder.db != nil {
				if err := holder.db.Close(); err != nil {
					fmt.Printf("Close failed: %v\n", err)
					stats.errors.Add(1)
				}
				holder.db = nil
			}
			db, err := openDB(holder.path)
			if err != nil {
				fmt.Printf("Reopen failed: %v\n", err)
				stats.errors.Add(1)
				holder.mu.Unlock()
				continue
			}
			holder.db = db
			stats.reopens.Add(1)
			holder.mu.Unlock()
			if *verbose {
				fmt.Println("Database reopened")
			}
		}
	}
}

func runSyncer(holder *dbHolder, stats *Stats, stop chan struct{}) {
	ticker := time.NewTicker(*syncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			holder.mu.RLock()
			if holder.db != nil {
				if err := holder.db.Sync(); err != nil {
					fmt.Printf("Sync failed: %v\n", err)
					stats.errors.Add(1)
				} else {
					stats.syncs.Add(1)
				}
			}
			holder.mu.RUnlock()
		}
	}
}

// verifyAll checks every key in the key space against the oracle.
func verifyAll(db *plexkv.DB, expected *testutil.ExpectedState, stats *Stats) error {
	failures := 0
	for key := range expected.MaxKey() {
		value, err := db.Get(testutil.Key(key))
		if err != nil && !errors.Is(err, plexkv.ErrKeyNotFound) {
			return fmt.Errorf("get %d: %w", key, err)
		}
		if msg := check(expected, key, value, err == nil); msg != "" {
			failures++
			stats.verifyFail.Add(1)
			if *verbose || failures <= 10 {
				fmt.Printf("Verification failure: %s\n", msg)
			}
			continue
		}
		stats.verified.Add(1)
	}
	if failures > 0 {
		return fmt.Errorf("%d keys failed verification", failures)
	}
	return nil
}

func fatal(format string, args ...any) {
	fmt.Printf("STRESS TEST FAILED: "+format+"\n", args...)
	os.Exit(1)
}
