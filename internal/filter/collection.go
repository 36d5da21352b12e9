package filter

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/vfs"
)

// Collection holds one filter per partition.
type Collection struct {
	mu       sync.RWMutex
	filters  []*BloomFilter
	capacity int
	fpRate   float64
}

// NewCollection returns count empty filters, each sized for capacity keys.
func NewCollection(count, capacity int, fpRate float64) (*Collection, error) {
	if count <= 0 {
		return nil, errs.Configf("bloom filter collection needs at least one filter, got %d", count)
	}
	c := &Collection{
		filters:  make([]*BloomFilter, count),
		capacity: capacity,
		fpRate:   fpRate,
	}
	for i := range c.filters {
		f, err := New(capacity, fpRate)
		if err != nil {
			return nil, err
		}
		c.filters[i] = f
	}
	return c, nil
}

const (
	filePrefix = "bloom_filter_"
	fileSuffix = ".bf"
)

// FileName returns the file name used for partition id's filter.
func FileName(id int) string {
	return fmt.Sprintf("%s%03d%s", filePrefix, id, fileSuffix)
}

// ParseFileName extracts the partition id from a filter file name.
func ParseFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	digits := name[len(filePrefix) : len(name)-len(fileSuffix)]
	if digits == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(digits, 10, 31)
	if err != nil {
		return 0, false
	}
	return int(id), true
}

func (c *Collection) filter(id int) (*BloomFilter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || id >= len(c.filters) {
		return nil, errs.Configf("partition %d out of range [0, %d)", id, len(c.filters))
	}
	return c.filters[id], nil
}

// Insert adds key to partition id's filter.
func (c *Collection) Insert(id int, key string) error {
	f, err := c.filter(id)
	if err != nil {
		return err
	}
	f.Insert(key)
	return nil
}

// Contains reports whether key may be in partition id.
func (c *Collection) Contains(id int, key string) (bool, error) {
	f, err := c.filter(id)
	if err != nil {
		return false, err
	}
	return f.Contains(key), nil
}

// Filter returns partition id's filter.
func (c *Collection) Filter(id int) (*BloomFilter, error) {
	return c.filter(id)
}

// Replace swaps partition id's filter for f.
func (c *Collection) Replace(id int, f *BloomFilter) error {
	if f == nil {
		return errs.Configf("nil bloom filter for partition %d", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.filters) {
		return errs.Configf("partition %d out of range [0, %d)", id, len(c.filters))
	}
	c.filters[id] = f
	return nil
}

// Len returns the number of filters.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// Stats returns a snapshot of every filter, indexed by partition.
func (c *Collection) Stats() []Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Stats, len(c.filters))
	for i, f := range c.filters {
		out[i] = f.Stats()
	}
	return out
}

// NewFilter returns an empty filter with the collection's sizing.
func (c *Collection) NewFilter() *BloomFilter {
	f, err := New(c.capacity, c.fpRate)
	if err != nil {
		// The collection's parameters were validated when it was built.
		panic(err)
	}
	return f
}

// RebuildDegradedFilters replaces every filter whose false positive rate has
// drifted past twice its target with a fresh one and returns the affected
// partition ids. If populate is non-nil it is called with each fresh filter
// before the swap so the new filter never misses a live key.
func (c *Collection) RebuildDegradedFilters(populate func(id int, fresh *BloomFilter)) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rebuilt []int
	for i, f := range c.filters {
		if !f.ShouldResize() {
			continue
		}
		fresh := c.NewFilter()
		if populate != nil {
			populate(i, fresh)
		}
		c.filters[i] = fresh
		rebuilt = append(rebuilt, i)
	}
	return rebuilt
}

// SaveToDirectory writes every filter to dir as bloom_filter_NNN.bf.
func (c *Collection) SaveToDirectory(fs vfs.FS, dir string) error {
	if fs == nil {
		fs = vfs.Default()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	c.mu.RLock()
	filters := append([]*BloomFilter(nil), c.filters...)
	c.mu.RUnlock()

	for i, f := range filters {
		if err := f.SaveFile(fs, filepath.Join(dir, FileName(i))); err != nil {
			return fmt.Errorf("save bloom filter %d: %w", i, err)
		}
	}
	return nil
}

// LoadFromDirectory loads the filters saved in dir by SaveToDirectory. Each
// file's partition id comes from its name. It returns an error wrapping
// errs.ErrConfig if dir holds no filters and one wrapping
// errs.ErrInvalidFormat if the ids are not exactly 0..n-1.
func LoadFromDirectory(fs vfs.FS, dir string) (*Collection, error) {
	if fs == nil {
		fs = vfs.Default()
	}
	names, err := fs.ListDir(dir)
	if err != nil {
		return nil, err
	}

	paths := make(map[int]string)
	for _, name := range names {
		id, ok := ParseFileName(name)
		if !ok {
			continue
		}
		if prev, dup := paths[id]; dup {
			return nil, errs.InvalidFormatf("bloom filter %d saved twice: %s and %s", id, filepath.Base(prev), name)
		}
		paths[id] = filepath.Join(dir, name)
	}
	if len(paths) == 0 {
		return nil, errs.Configf("no bloom filters in %s", dir)
	}

	c := &Collection{filters: make([]*BloomFilter, len(paths))}
	for id := range c.filters {
		path, ok := paths[id]
		if !ok {
			return nil, errs.InvalidFormatf("bloom filter %d missing from %s", id, dir)
		}
		f, err := LoadFile(fs, path)
		if err != nil {
			return nil, err
		}
		c.filters[id] = f
	}

	first := c.filters[0]
	c.fpRate = first.target
	c.capacity = capacityFor(first.size, first.target)
	return c, nil
}

// capacityFor inverts the sizing formula: n = -m (ln 2)^2 / ln p.
func capacityFor(m uint64, p float64) int {
	n := -float64(m) * math.Ln2 * math.Ln2 / math.Log(p)
	return max(int(math.Floor(n)), 1)
}
