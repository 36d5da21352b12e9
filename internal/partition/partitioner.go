// Package partition routes keys to hash partitions and owns each
// partition's segments, index and bloom filter.
//
// Every partition directory holds its own segment files:
//
//	<data>/partition_000/data_000000.log
//	<data>/partition_001/...
//	<data>/bloom/bloom_filter_000.bf
//
// A key always lives in the partition chosen by HashPartitioner, so
// partitions never share keys and are locked independently.
package partition

import (
	"github.com/aalhour/plexkv/internal/checksum"
	"github.com/aalhour/plexkv/internal/errs"
)

// rebalanceFactor is how far above the mean size one partition may grow
// before RebalanceNeeded reports true.
const rebalanceFactor = 3

// HashPartitioner maps keys to one of count partitions by XXH3 hash.
type HashPartitioner struct {
	count uint32
}

// NewHashPartitioner returns a partitioner over count partitions.
func NewHashPartitioner(count int) (HashPartitioner, error) {
	if count <= 0 || count > maxPartitions {
		return HashPartitioner{}, errs.Configf("partition count must be in [1, %d], got %d", maxPartitions, count)
	}
	return HashPartitioner{count: uint32(count)}, nil
}

// Count returns the number of partitions.
func (h HashPartitioner) Count() int { return int(h.count) }

// PartitionForKey returns the partition that owns key.
func (h HashPartitioner) PartitionForKey(key string) uint32 {
	return uint32(checksum.KeyHashString(key) % uint64(h.count))
}

// RebalanceNeeded reports whether any partition is more than three times the
// mean size. It is advisory only; keys are never moved between partitions.
func (h HashPartitioner) RebalanceNeeded(sizes []uint64) bool {
	if len(sizes) == 0 {
		return false
	}
	var total uint64
	for _, s := range sizes {
		total += s
	}
	mean := float64(total) / float64(len(sizes))
	if mean == 0 {
		return false
	}
	for _, s := range sizes {
		if float64(s) > mean*rebalanceFactor {
			return true
		}
	}
	return false
}
