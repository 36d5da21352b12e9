package plexkv

// statistics.go implements the Statistics interface for collecting database metrics.

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// TickerType represents different types of counters.
type TickerType int

const (
	// TickerKeysRead is the count of Get calls.
	TickerKeysRead TickerType = iota
	// TickerKeysFound is the count of Get calls that found the key.
	TickerKeysFound
	// TickerKeysNotFound is the count of Get calls that did not find the key.
	TickerKeysNotFound
	// TickerKeysWritten is the count of Set calls that succeeded.
	TickerKeysWritten
	// TickerKeysDeleted is the count of Delete calls that succeeded.
	TickerKeysDeleted
	// TickerBytesRead is the total value bytes returned by Get.
	TickerBytesRead
	// TickerBytesWritten is the total key and value bytes written by Set.
	TickerBytesWritten
	// TickerCacheHit is the count of Get calls answered by the read cache.
	TickerCacheHit
	// TickerCacheMiss is the count of Get calls that went to a partition.
	TickerCacheMiss
	// TickerBloomFilterUseful is the count of lookups a bloom filter rejected.
	TickerBloomFilterUseful
	// TickerBloomFilterFalsePositive is the count of lookups a bloom filter
	// passed for an absent key.
	TickerBloomFilterFalsePositive
	// TickerCorruptRecords is the count of corrupt records seen by reads,
	// recovery and compaction.
	TickerCorruptRecords
	// TickerCompactions is the count of completed partition compactions.
	TickerCompactions
	// TickerWALBytes is the total bytes appended to the WAL.
	TickerWALBytes
	// TickerWALSyncs is the count of WAL fsyncs.
	TickerWALSyncs
	// TickerWALReplayed is the count of WAL entries applied at open.
	TickerWALReplayed

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

var tickerNames = [TickerEnumMax]string{
	"plexkv.keys.read",
	"plexkv.keys.found",
	"plexkv.keys.notfound",
	"plexkv.keys.written",
	"plexkv.keys.deleted",
	"plexkv.bytes.read",
	"plexkv.bytes.written",
	"plexkv.cache.hit",
	"plexkv.cache.miss",
	"plexkv.bloom.filter.useful",
	"plexkv.bloom.filter.false.positive",
	"plexkv.corrupt.records",
	"plexkv.compactions",
	"plexkv.wal.bytes",
	"plexkv.wal.synced",
	"plexkv.wal.replayed",
}

// String returns the name of the ticker type.
func (t TickerType) String() string {
	if t < 0 || t >= TickerEnumMax {
		return "unknown"
	}
	return tickerNames[t]
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramGetMicros is the histogram for Get latency.
	HistogramGetMicros HistogramType = iota
	// HistogramWriteMicros is the histogram for Set and Delete latency.
	HistogramWriteMicros
	// HistogramCompactionMicros is the histogram for partition compaction time.
	HistogramCompactionMicros
	// HistogramSyncMicros is the histogram for Sync time.
	HistogramSyncMicros
	// HistogramBytesPerRead is the histogram for value bytes per Get.
	HistogramBytesPerRead
	// HistogramBytesPerWrite is the histogram for value bytes per Set.
	HistogramBytesPerWrite

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

var histogramNames = [HistogramEnumMax]string{
	"plexkv.get.micros",
	"plexkv.write.micros",
	"plexkv.compaction.micros",
	"plexkv.sync.micros",
	"plexkv.bytes.per.read",
	"plexkv.bytes.per.write",
}

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	if h < 0 || h >= HistogramEnumMax {
		return "unknown"
	}
	return histogramNames[h]
}

// HistogramData contains histogram statistics.
type HistogramData struct {
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports database metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// SetTickerCount sets the ticker to a specific value.
	SetTickerCount(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// String returns a formatted string of all statistics.
	String() string
}

// statisticsImpl is the default implementation of Statistics.
type statisticsImpl struct {
	tickers    [TickerEnumMax]atomic.Uint64
	histograms [HistogramEnumMax]atomic.Pointer[histogramImpl]
}

type histogramImpl struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func newHistogram() *histogramImpl {
	h := &histogramImpl{}
	h.min.Store(^uint64(0))
	return h
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	s := &statisticsImpl{}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
	return s
}

func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Load()
}

func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Add(count)
}

func (s *statisticsImpl) SetTickerCount(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Store(count)
}

func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}

	h := s.histograms[histogramType].Load()
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := h.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
}

func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}

	h := s.histograms[histogramType].Load()
	h.count.Add(1)
	h.sum.Add(value)
	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

func (s *statisticsImpl) Reset() {
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
}

func (s *statisticsImpl) String() string {
	var b strings.Builder
	b.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if count := s.GetTickerCount(i); count > 0 {
			fmt.Fprintf(&b, "  %s : %d\n", i, count)
		}
	}

	b.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s : count %d avg %.2f min %.0f max %.0f\n",
			i, data.Count, data.Average, data.Min, data.Max)
	}
	return b.String()
}
