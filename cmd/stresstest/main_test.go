package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aalhour/plexkv/internal/testutil"
)

// setFlags overrides flag values for one test and restores them afterwards.
func setFlags(t *testing.T) {
	t.Helper()
	prev := struct {
		duration                  time.Duration
		numKeys                   int64
		threads, partitions       int
		reopen, sync              time.Duration
		set, get, delete, compact int
		seed                      int64
	}{*duration, *numKeys, *numThreads, *numPartitions, *reopenPeriod, *syncPeriod,
		*setWeight, *getWeight, *deleteWeight, *compactWeight, *seed}
	t.Cleanup(func() {
		*duration, *numKeys, *numThreads, *numPartitions = prev.duration, prev.numKeys, prev.threads, prev.partitions
		*reopenPeriod, *syncPeriod = prev.reopen, prev.sync
		*setWeight, *getWeight, *deleteWeight, *compactWeight = prev.set, prev.get, prev.delete, prev.compact
		*seed = prev.seed
	})

	*duration = 300 * time.Millisecond
	*numKeys = 200
	*numThreads = 4
	*numPartitions = 4
	*reopenPeriod = 100 * time.Millisecond
	*syncPeriod = 40 * time.Millisecond
	*seed = 42
}

func TestRunStressTest(t *testing.T) {
	setFlags(t)
	*compactWeight = 5

	expected := testutil.NewExpectedState(*numKeys, 2)
	stats := &Stats{}
	if err := runStressTest(filepath.Join(t.TempDir(), "db"), expected, stats); err != nil {
		t.Fatalf("runStressTest failed: %v", err)
	}
	if n := stats.errors.Load(); n != 0 {
		t.Errorf("errors = %d, want 0", n)
	}
	if n := stats.verifyFail.Load(); n != 0 {
		t.Errorf("verification failures = %d, want 0", n)
	}
	if stats.sets.Load() == 0 || stats.gets.Load() == 0 {
		t.Errorf("no traffic: %d sets, %d gets", stats.sets.Load(), stats.gets.Load())
	}
	if got := stats.verified.Load(); got != uint64(*numKeys) {
		t.Errorf("verified %d keys, want %d", got, *numKeys)
	}
}

func TestVerifyAll_DetectsMismatch(t *testing.T) {
	setFlags(t)
	dir := filepath.Join(t.TempDir(), "db")

	db, err := openDB(dir)
	if err != nil {
		t.Fatalf("openDB failed: %v", err)
	}
	defer db.Close()

	expected := testutil.NewExpectedState(*numKeys, 2)
	if err := db.Set(testutil.Key(3), testutil.GenerateValue(3, 1, 32)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	expected.Put(3, 1)

	stats := &Stats{}
	if err := verifyAll(db, expected, stats); err != nil {
		t.Fatalf("verifyAll failed on a matching database: %v", err)
	}

	expected.Put(4, 0) // never written to the database
	expected.Put(3, 2) // database still holds value 1
	stats = &Stats{}
	if err := verifyAll(db, expected, stats); err == nil {
		t.Fatal("verifyAll accepted a mismatching database")
	}
	if got := stats.verifyFail.Load(); got != 2 {
		t.Errorf("verification failures = %d, want 2", got)
	}
}

func TestCheck(t *testing.T) {
	es := testutil.NewExpectedState(10, 0)
	es.Put(1, 5)
	es.Delete(2)

	tests := []struct {
		name   string
		key    int64
		value  string
		found  bool
		wantOK bool
	}{
		{"match", 1, testutil.GenerateValue(1, 5, 20), true, true},
		{"wrong id", 1, testutil.GenerateValue(1, 4, 20), true, false},
		{"missing", 1, "", false, false},
		{"deleted and absent", 2, "", false, true},
		{"deleted but present", 2, testutil.GenerateValue(2, 0, 20), true, false},
		{"never written", 3, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := check(es, tt.key, tt.value, tt.found)
			if (msg == "") != tt.wantOK {
				t.Errorf("check = %q, want ok=%v", msg, tt.wantOK)
			}
		})
	}
}
