package partition

import "time"

// Metadata describes one partition.
type Metadata struct {
	ID         uint32
	Generation uint64 // compactions since open
	SizeBytes  uint64 // bytes in the partition's segments
	LiveBytes  uint64 // bytes of the records the index points at

	// KeyCount is the number of live keys.
	KeyCount uint64

	// TombstoneCount is the number of tombstone records on disk. Compaction
	// resets it.
	TombstoneCount uint64

	CreatedAt        time.Time
	LastCompactionAt time.Time // zero until the first compaction
}

// TombstoneRatio returns tombstones / (live keys + tombstones).
func (m Metadata) TombstoneRatio() float64 {
	total := m.KeyCount + m.TombstoneCount
	if total == 0 {
		return 0
	}
	return float64(m.TombstoneCount) / float64(total)
}
