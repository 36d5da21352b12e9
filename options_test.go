package plexkv

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aalhour/plexkv/internal/cache"
)

func TestDefaultOptions_Valid(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("DefaultOptions().Validate() = %v", err)
	}
}

func TestParseOptions(t *testing.T) {
	data := []byte(`
create_if_missing: false
strict_reads: true
partition:
  count: 8
  compaction_threshold: 0.25
  auto_compact: false
  bloom_fp_rate: 0.001
wal:
  sync_interval: 50ms
  max_entries: 1000
cache:
  capacity: 256
  shards: 4
  compression: zstd
`)
	opts, err := ParseOptions(data)
	if err != nil {
		t.Fatalf("ParseOptions failed: %v", err)
	}
	if opts.CreateIfMissing {
		t.Error("CreateIfMissing = true, want false")
	}
	if !opts.StrictReads {
		t.Error("StrictReads = false, want true")
	}
	if opts.Partition.Count != 8 || opts.Partition.CompactionThreshold != 0.25 || opts.Partition.AutoCompact {
		t.Errorf("Partition = %+v", opts.Partition)
	}
	if opts.Partition.BloomFPRate != 0.001 {
		t.Errorf("BloomFPRate = %v, want 0.001", opts.Partition.BloomFPRate)
	}
	if opts.WAL.SyncInterval != 50*time.Millisecond {
		t.Errorf("SyncInterval = %v, want 50ms", opts.WAL.SyncInterval)
	}
	if opts.WAL.MaxEntries != 1000 {
		t.Errorf("MaxEntries = %d, want 1000", opts.WAL.MaxEntries)
	}
	if opts.Cache.Capacity != 256 || opts.Cache.Shards != 4 || opts.Cache.Compression != "zstd" {
		t.Errorf("Cache = %+v", opts.Cache)
	}

	// Unset keys keep their defaults.
	def := DefaultOptions()
	if opts.Partition.BloomCapacity != def.Partition.BloomCapacity {
		t.Errorf("BloomCapacity = %d, want default %d", opts.Partition.BloomCapacity, def.Partition.BloomCapacity)
	}
	if opts.Cache.CompressedCapacity != def.Cache.CompressedCapacity {
		t.Errorf("CompressedCapacity = %d, want default %d", opts.Cache.CompressedCapacity, def.Cache.CompressedCapacity)
	}
}

func TestParseOptions_Empty(t *testing.T) {
	opts, err := ParseOptions(nil)
	if err != nil {
		t.Fatalf("ParseOptions(nil) failed: %v", err)
	}
	if opts.Partition.Count != DefaultOptions().Partition.Count {
		t.Errorf("Count = %d, want default", opts.Partition.Count)
	}
}

func TestParseOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "partitions: 4\n"},
		{"wrong type", "partition:\n  count: many\n"},
		{"zero partitions", "partition:\n  count: 0\n"},
		{"threshold out of range", "partition:\n  compaction_threshold: 2\n"},
		{"negative cache", "cache:\n  capacity: -1\n"},
		{"unknown codec", "cache:\n  compression: brotli\n"},
		{"dictionary codec", "cache:\n  compression: dictionary\n"},
		{"bad block size", "cache:\n  block_size: 1000\n"},
		{"negative sync interval", "wal:\n  sync_interval: -1s\n"},
		{"capacity below default shards", "cache:\n  capacity: 5\n  shards: 0\n"},
		{"capacity below rounded shards", "cache:\n  capacity: 6\n  shards: 5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseOptions([]byte(tt.data)); !errors.Is(err, ErrConfig) {
				t.Errorf("ParseOptions(%q) = %v, want ErrConfig", tt.data, err)
			}
		})
	}
}

func TestOptions_CacheShardsMatchReadCache(t *testing.T) {
	tests := []struct {
		capacity, shards int
		valid            bool
	}{
		{5, 0, false},
		{16, 0, true},
		{6, 5, false},
		{8, 5, true},
		{4, 4, true},
		{0, 64, true},
	}
	for _, tt := range tests {
		opts := DefaultOptions()
		opts.Cache.Capacity = tt.capacity
		opts.Cache.Shards = tt.shards
		err := opts.Validate()
		if (err == nil) != tt.valid {
			t.Errorf("Validate(capacity %d, shards %d) = %v, want valid=%v", tt.capacity, tt.shards, err, tt.valid)
			continue
		}
		if !tt.valid || tt.capacity == 0 {
			continue
		}
		if _, err := cache.NewSharded[string, string](tt.capacity, tt.shards); err != nil {
			t.Errorf("NewSharded(%d, %d) failed after Validate accepted it: %v", tt.capacity, tt.shards, err)
		}
	}
}

func TestLoadOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plexkv.yaml")
	if err := os.WriteFile(path, []byte("partition:\n  count: 3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	opts, err := LoadOptionsFile(path)
	if err != nil {
		t.Fatalf("LoadOptionsFile failed: %v", err)
	}
	if opts.Partition.Count != 3 {
		t.Errorf("Count = %d, want 3", opts.Partition.Count)
	}

	if _, err := LoadOptionsFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrConfig) {
		t.Errorf("LoadOptionsFile(missing) = %v, want ErrConfig", err)
	}
}

func TestOptions_StringRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.Partition.Count = 5
	opts.Cache.Compression = "lz4"

	parsed, err := ParseOptions([]byte(opts.String()))
	if err != nil {
		t.Fatalf("ParseOptions(String()) failed: %v", err)
	}
	if parsed.Partition != opts.Partition || parsed.WAL != opts.WAL || parsed.Cache != opts.Cache {
		t.Errorf("round trip = %+v, want %+v", parsed, opts)
	}
}
