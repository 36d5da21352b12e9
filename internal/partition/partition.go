package partition

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aalhour/plexkv/internal/cache"
	"github.com/aalhour/plexkv/internal/segment"
)

// partition is one hash partition.
//
// writeMu serializes mutations and compaction, and with them the segment
// append cursor. mu guards the index and the partition's bloom filter
// membership: readers hold it shared across the segment read so compaction
// cannot swap files underneath them. metaMu guards meta.
type partition struct {
	id     uint32
	dir    string
	seg    *segment.Manager
	blocks *cache.BlockCache

	writeMu sync.Mutex

	mu    sync.RWMutex
	index map[string]segment.Offset

	metaMu sync.RWMutex
	meta   Metadata

	compacting atomic.Bool
}

func dirName(id uint32) string {
	return fmt.Sprintf("partition_%03d", id)
}

func parseDirName(name string) (uint32, bool) {
	var id uint32
	if _, err := fmt.Sscanf(name, "partition_%03d", &id); err != nil {
		return 0, false
	}
	if dirName(id) != name {
		return 0, false
	}
	return id, true
}

func (p *partition) metadata() Metadata {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.meta
}

// recordSet updates metadata after a value record of size bytes was appended.
// prev is the size of the record it replaced, if existed.
func (p *partition) recordSet(size uint32, prev uint32, existed bool) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	if !existed {
		p.meta.KeyCount++
	} else {
		p.meta.LiveBytes -= uint64(prev)
	}
	p.meta.LiveBytes += uint64(size)
	p.meta.SizeBytes += uint64(size)
}

// recordDelete updates metadata after a tombstone of size bytes replaced a
// live record of prev bytes.
func (p *partition) recordDelete(size uint32, prev uint32) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	if p.meta.KeyCount > 0 {
		p.meta.KeyCount--
	}
	p.meta.TombstoneCount++
	p.meta.LiveBytes -= uint64(prev)
	p.meta.SizeBytes += uint64(size)
}

// shouldCompact reports whether the partition holds enough dead data to be
// worth rewriting.
func (p *partition) shouldCompact(threshold float64, maxSize uint64) bool {
	m := p.metadata()
	if m.TombstoneCount > 0 && m.TombstoneRatio() > threshold {
		return true
	}
	return maxSize > 0 && m.SizeBytes > maxSize && m.SizeBytes > m.LiveBytes
}
