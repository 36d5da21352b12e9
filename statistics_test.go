package plexkv

import (
	"strings"
	"sync"
	"testing"
)

func TestStatisticsBasic(t *testing.T) {
	stats := NewStatistics()

	stats.RecordTick(TickerBytesWritten, 100)
	stats.RecordTick(TickerBytesWritten, 50)
	stats.RecordTick(TickerKeysWritten, 1)

	if got := stats.GetTickerCount(TickerBytesWritten); got != 150 {
		t.Errorf("TickerBytesWritten = %d, want 150", got)
	}
	if got := stats.GetTickerCount(TickerKeysWritten); got != 1 {
		t.Errorf("TickerKeysWritten = %d, want 1", got)
	}

	stats.SetTickerCount(TickerBytesRead, 1000)
	stats.SetTickerCount(TickerBytesRead, 500)
	if got := stats.GetTickerCount(TickerBytesRead); got != 500 {
		t.Errorf("TickerBytesRead = %d, want 500", got)
	}
}

func TestStatisticsHistogram(t *testing.T) {
	stats := NewStatistics()

	if data := stats.GetHistogramData(HistogramGetMicros); data != (HistogramData{}) {
		t.Errorf("empty histogram = %+v, want zero", data)
	}

	stats.MeasureTime(HistogramGetMicros, 500)
	stats.MeasureTime(HistogramGetMicros, 100)
	stats.MeasureTime(HistogramGetMicros, 300)

	data := stats.GetHistogramData(HistogramGetMicros)
	if data.Count != 3 {
		t.Errorf("Count = %d, want 3", data.Count)
	}
	if data.Sum != 900 {
		t.Errorf("Sum = %d, want 900", data.Sum)
	}
	if data.Min != 100 {
		t.Errorf("Min = %f, want 100", data.Min)
	}
	if data.Max != 500 {
		t.Errorf("Max = %f, want 500", data.Max)
	}
	if data.Average != 300 {
		t.Errorf("Average = %f, want 300", data.Average)
	}
}

func TestStatisticsReset(t *testing.T) {
	stats := NewStatistics()

	stats.RecordTick(TickerBytesWritten, 100)
	stats.MeasureTime(HistogramGetMicros, 100)
	stats.Reset()

	if got := stats.GetTickerCount(TickerBytesWritten); got != 0 {
		t.Errorf("After reset, TickerBytesWritten = %d, want 0", got)
	}
	if data := stats.GetHistogramData(HistogramGetMicros); data.Count != 0 {
		t.Errorf("After reset, histogram count = %d, want 0", data.Count)
	}

	stats.MeasureTime(HistogramGetMicros, 7)
	if data := stats.GetHistogramData(HistogramGetMicros); data.Min != 7 {
		t.Errorf("After reset, Min = %f, want 7", data.Min)
	}
}

func TestStatisticsConcurrent(t *testing.T) {
	stats := NewStatistics()

	const numGoroutines = 10
	const numOps = 1000

	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Go(func() {
			for range numOps {
				stats.RecordTick(TickerBytesWritten, 1)
				stats.MeasureTime(HistogramGetMicros, 100)
			}
		})
	}
	wg.Wait()

	expected := uint64(numGoroutines * numOps)
	if got := stats.GetTickerCount(TickerBytesWritten); got != expected {
		t.Errorf("TickerBytesWritten = %d, want %d", got, expected)
	}
	if data := stats.GetHistogramData(HistogramGetMicros); data.Count != expected {
		t.Errorf("Histogram count = %d, want %d", data.Count, expected)
	}
}

func TestStatisticsInvalidTypes(t *testing.T) {
	stats := NewStatistics()

	stats.RecordTick(TickerEnumMax, 100)
	stats.RecordTick(-1, 100)
	stats.SetTickerCount(-1, 100)
	if got := stats.GetTickerCount(TickerEnumMax); got != 0 {
		t.Errorf("GetTickerCount(TickerEnumMax) = %d, want 0", got)
	}

	stats.MeasureTime(HistogramEnumMax, 100)
	stats.MeasureTime(-1, 100)
	if data := stats.GetHistogramData(-1); data.Count != 0 {
		t.Errorf("GetHistogramData(-1).Count = %d, want 0", data.Count)
	}
}

func TestTickerTypeString(t *testing.T) {
	tests := []struct {
		ticker TickerType
		want   string
	}{
		{TickerKeysRead, "plexkv.keys.read"},
		{TickerCacheHit, "plexkv.cache.hit"},
		{TickerBloomFilterUseful, "plexkv.bloom.filter.useful"},
		{TickerWALReplayed, "plexkv.wal.replayed"},
		{TickerEnumMax, "unknown"},
		{-1, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.ticker.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.ticker, got, tt.want)
		}
	}
	for i := range TickerEnumMax {
		if i.String() == "" {
			t.Errorf("ticker %d has no name", i)
		}
	}
}

func TestHistogramTypeString(t *testing.T) {
	tests := []struct {
		histogram HistogramType
		want      string
	}{
		{HistogramGetMicros, "plexkv.get.micros"},
		{HistogramCompactionMicros, "plexkv.compaction.micros"},
		{HistogramEnumMax, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.histogram.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.histogram, got, tt.want)
		}
	}
}

func TestStatisticsString(t *testing.T) {
	stats := NewStatistics()
	stats.RecordTick(TickerBytesWritten, 100)
	stats.MeasureTime(HistogramGetMicros, 100)

	str := stats.String()
	for _, want := range []string{"plexkv.bytes.written : 100", "plexkv.get.micros : count 1"} {
		if !strings.Contains(str, want) {
			t.Errorf("String() = %q, missing %q", str, want)
		}
	}
	if strings.Contains(str, "plexkv.keys.read") {
		t.Errorf("String() lists a zero ticker: %q", str)
	}
}
