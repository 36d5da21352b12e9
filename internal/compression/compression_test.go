package compression

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/pierrec/lz4/v4"
)

func allCompressors(t *testing.T) []Compressor {
	t.Helper()
	var out []Compressor
	for _, typ := range []Type{NoCompression, SnappyCompression, LZ4Compression, ZstdCompression, AdaptiveCompression} {
		c, err := New(typ)
		if err != nil {
			t.Fatalf("New(%s): %v", typ, err)
		}
		if c.Type() != typ {
			t.Fatalf("New(%s).Type() = %s", typ, c.Type())
		}
		out = append(out, c)
	}
	d, err := NewDictionary(1, bytes.Repeat([]byte("partition key value record "), 20))
	if err != nil {
		t.Fatalf("NewDictionary: %v", err)
	}
	return append(out, d)
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 4096)
	rng.Read(random)

	inputs := map[string][]byte{
		"empty":      {},
		"one byte":   {'x'},
		"short":      []byte("hello"),
		"repetitive": bytes.Repeat([]byte("hello world "), 200),
		"random":     random,
	}
	for _, c := range allCompressors(t) {
		for name, data := range inputs {
			t.Run(fmt.Sprintf("%s/%s", c.Type(), name), func(t *testing.T) {
				enc, err := c.Compress(data)
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				dec, err := c.Decompress(enc)
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(dec, data) {
					t.Fatalf("round trip got %d bytes, want %d", len(dec), len(data))
				}
			})
		}
	}
}

func TestCompressesRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte("plexkv segment "), 500)
	for _, c := range allCompressors(t) {
		if c.Type() == NoCompression {
			continue
		}
		enc, err := c.Compress(data)
		if err != nil {
			t.Fatalf("%s: Compress: %v", c.Type(), err)
		}
		if r := Ratio(len(data), len(enc)); r >= 0.5 {
			t.Errorf("%s: ratio %.3f, want < 0.5", c.Type(), r)
		}
	}
}

func TestDecompressGarbage(t *testing.T) {
	garbage := []byte{0x05, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	for _, c := range allCompressors(t) {
		if c.Type() == NoCompression {
			continue
		}
		if _, err := c.Decompress(garbage); err == nil {
			t.Errorf("%s: Decompress(garbage) succeeded", c.Type())
		}
	}
}

func TestAdaptiveThreshold(t *testing.T) {
	a, err := NewAdaptive(64)
	if err != nil {
		t.Fatal(err)
	}
	small := bytes.Repeat([]byte("a"), 32)
	enc, _ := a.Compress(small)
	if enc[0] != tagNone || !bytes.Equal(enc[1:], small) {
		t.Errorf("below threshold: tag %d, len %d; want raw", enc[0], len(enc))
	}

	big := bytes.Repeat([]byte("abcdefgh"), 512)
	enc, _ = a.Compress(big)
	if enc[0] != tagLZ4 && enc[0] != tagZstd {
		t.Errorf("above threshold: tag %d, want lz4 or zstd", enc[0])
	}
	if len(enc) >= len(big) {
		t.Errorf("adaptive output %d bytes, want < %d", len(enc), len(big))
	}
}

func TestAdaptiveRandomStaysRaw(t *testing.T) {
	a, _ := NewAdaptive(0)
	data := make([]byte, 256)
	rand.New(rand.NewSource(7)).Read(data)
	enc, _ := a.Compress(data)
	if enc[0] != tagNone {
		t.Errorf("incompressible input tagged %d, want raw", enc[0])
	}
}

func TestAdaptiveBadTag(t *testing.T) {
	a, _ := NewAdaptive(0)
	if _, err := a.Decompress([]byte{0x7f, 1, 2}); err == nil {
		t.Error("unknown tag decoded")
	}
	if _, err := a.Decompress(nil); err == nil {
		t.Error("empty input decoded")
	}
}

func TestDictionaryMismatch(t *testing.T) {
	d1, _ := NewDictionary(1, bytes.Repeat([]byte("alpha beta gamma "), 30))
	d2, _ := NewDictionary(2, bytes.Repeat([]byte("delta epsilon "), 30))
	enc, _ := d1.Compress([]byte("alpha beta gamma alpha beta gamma delta"))
	if _, err := d2.Decompress(enc); err == nil {
		t.Error("value decoded with the wrong dictionary")
	}
	if _, err := NewDictionary(1, nil); err == nil {
		t.Error("NewDictionary accepted an empty dictionary")
	}
}

func TestLZ4Levels(t *testing.T) {
	data := bytes.Repeat([]byte("level test "), 300)
	for _, lvl := range []lz4.CompressionLevel{lz4.Fast, lz4.Level9} {
		c := NewLZ4(lvl)
		enc, err := c.Compress(data)
		if err != nil {
			t.Fatalf("level %v: %v", lvl, err)
		}
		dec, err := c.Decompress(enc)
		if err != nil || !bytes.Equal(dec, data) {
			t.Fatalf("level %v: round trip failed: %v", lvl, err)
		}
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		orig, comp int
		want       float64
	}{
		{0, 0, 1.0},
		{100, 50, 0.5},
		{100, 100, 1.0},
		{10, 20, 2.0},
	}
	for _, tt := range tests {
		if got := Ratio(tt.orig, tt.comp); got != tt.want {
			t.Errorf("Ratio(%d, %d) = %v, want %v", tt.orig, tt.comp, got, tt.want)
		}
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{NoCompression, SnappyCompression, LZ4Compression, ZstdCompression, AdaptiveCompression, DictionaryCompression} {
		got, err := ParseType(typ.String())
		if err != nil || got != typ {
			t.Errorf("ParseType(%q) = %v, %v; want %v", typ.String(), got, err, typ)
		}
	}
	if _, err := ParseType("bzip2"); err == nil {
		t.Error("ParseType(bzip2) succeeded")
	}
	if _, err := New(DictionaryCompression); err == nil {
		t.Error("New(DictionaryCompression) succeeded without a dictionary")
	}
}
