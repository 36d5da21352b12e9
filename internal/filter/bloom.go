// Package filter implements the per-partition bloom filters that let a read
// skip the index and disk for keys that were never written.
//
// A filter of m bits and k hash functions is sized from the expected key
// count n and the target false positive rate p:
//
//	m = ceil(-n ln p / (ln 2)^2)
//	k = ceil((m / n) ln 2)
//
// Bit positions use double hashing, h1 + i*h2 mod m, where h1 is XXH3 and h2
// is HighwayHash-64 forced odd so that successive probes never collapse.
package filter

import (
	"math"
	"math/bits"
	"sync"

	"github.com/aalhour/plexkv/internal/checksum"
	"github.com/aalhour/plexkv/internal/errs"
)

// maxHashFunctions bounds k for filters read from disk.
const maxHashFunctions = 64

// BloomFilter is a fixed-size bloom filter. It is safe for concurrent use.
type BloomFilter struct {
	mu       sync.RWMutex
	bits     []byte
	size     uint64 // m, in bits
	k        uint32
	inserted uint64
	target   float64
}

// Stats is a snapshot of a filter's shape and fill.
type Stats struct {
	Size          uint64 // bits
	HashFunctions uint32
	Inserted      uint64
	SetBits       uint64
	CurrentFPRate float64
	TargetFPRate  float64
	MemoryBytes   int
}

// IsHealthy reports whether the current false positive rate is within 1.5x
// of the target.
func (s Stats) IsHealthy() bool {
	return s.CurrentFPRate <= s.TargetFPRate*1.5
}

// New returns a filter sized for expected keys at false positive rate fpRate.
func New(expected int, fpRate float64) (*BloomFilter, error) {
	if expected <= 0 {
		return nil, errs.Configf("bloom filter expected items must be positive, got %d", expected)
	}
	if !(fpRate > 0 && fpRate < 1) {
		return nil, errs.Configf("bloom filter false positive rate must be in (0, 1), got %v", fpRate)
	}
	m, k := optimalParams(expected, fpRate)
	return newWithParams(m, k, fpRate), nil
}

func optimalParams(n int, p float64) (uint64, uint32) {
	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if m == 0 {
		m = 1
	}
	k := uint32(math.Ceil(float64(m) / float64(n) * ln2))
	k = max(k, 1)
	k = min(k, maxHashFunctions)
	return m, k
}

func newWithParams(size uint64, k uint32, target float64) *BloomFilter {
	return &BloomFilter{
		bits:   make([]byte, (size+7)/8),
		size:   size,
		k:      k,
		target: target,
	}
}

func (f *BloomFilter) hashes(key string) (uint64, uint64) {
	return checksum.KeyHashString(key), checksum.SecondaryHashString(key) | 1
}

// Insert adds key to the filter.
func (f *BloomFilter) Insert(key string) {
	h1, h2 := f.hashes(key)
	f.mu.Lock()
	for i := uint64(0); i < uint64(f.k); i++ {
		pos := (h1 + i*h2) % f.size
		f.bits[pos>>3] |= 1 << (pos & 7)
	}
	f.inserted++
	f.mu.Unlock()
}

// Contains reports whether key may have been inserted. A false result is
// definitive.
func (f *BloomFilter) Contains(key string) bool {
	h1, h2 := f.hashes(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < uint64(f.k); i++ {
		pos := (h1 + i*h2) % f.size
		if f.bits[pos>>3]&(1<<(pos&7)) == 0 {
			return false
		}
	}
	return true
}

// CurrentFalsePositiveRate estimates the false positive rate from the number
// of inserted keys: (1 - e^(-kn/m))^k. It is 0 for an empty filter.
func (f *BloomFilter) CurrentFalsePositiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.currentRateLocked()
}

func (f *BloomFilter) currentRateLocked() float64 {
	if f.inserted == 0 {
		return 0
	}
	k := float64(f.k)
	exp := math.Exp(-k * float64(f.inserted) / float64(f.size))
	return math.Pow(1-exp, k)
}

// ShouldResize reports whether the current rate exceeds twice the target.
func (f *BloomFilter) ShouldResize() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.currentRateLocked() > f.target*2
}

// Merge ORs other into f. Both filters must have the same size and number of
// hash functions.
func (f *BloomFilter) Merge(other *BloomFilter) error {
	if other == f {
		return nil
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.size != other.size || f.k != other.k {
		return errs.Configf("cannot merge bloom filters: size %d/%d, hash functions %d/%d",
			f.size, other.size, f.k, other.k)
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	f.inserted += other.inserted
	return nil
}

// Clear resets every bit and the inserted count.
func (f *BloomFilter) Clear() {
	f.mu.Lock()
	clear(f.bits)
	f.inserted = 0
	f.mu.Unlock()
}

// Stats returns a snapshot of the filter.
func (f *BloomFilter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var set uint64
	for _, b := range f.bits {
		set += uint64(bits.OnesCount8(b))
	}
	return Stats{
		Size:          f.size,
		HashFunctions: f.k,
		Inserted:      f.inserted,
		SetBits:       set,
		CurrentFPRate: f.currentRateLocked(),
		TargetFPRate:  f.target,
		MemoryBytes:   len(f.bits),
	}
}

// Size returns the number of bits.
func (f *BloomFilter) Size() uint64 { return f.size }

// HashFunctions returns k.
func (f *BloomFilter) HashFunctions() uint32 { return f.k }

// TargetFalsePositiveRate returns the rate the filter was sized for.
func (f *BloomFilter) TargetFalsePositiveRate() float64 { return f.target }
