// Package compression provides the value compressors used by the compressed
// cache layer.
//
// Every Compressor is safe for concurrent use. Compress output is only
// meaningful to the same Compressor type; Adaptive prefixes each value with a
// 1-byte tag naming the codec it picked.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type uint8

const (
	// NoCompression stores values unchanged.
	NoCompression Type = 0x0

	// SnappyCompression uses Google Snappy.
	SnappyCompression Type = 0x1

	// LZ4Compression uses the LZ4 frame format.
	LZ4Compression Type = 0x4

	// ZstdCompression uses Zstandard.
	ZstdCompression Type = 0x7

	// AdaptiveCompression picks the smaller of LZ4 and Zstd per value.
	AdaptiveCompression Type = 0x10

	// DictionaryCompression uses Zstandard with a shared raw dictionary.
	DictionaryCompression Type = 0x11
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case LZ4Compression:
		return "lz4"
	case ZstdCompression:
		return "zstd"
	case AdaptiveCompression:
		return "adaptive"
	case DictionaryCompression:
		return "dictionary"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// ParseType returns the Type named s, as printed by Type.String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "zstd":
		return ZstdCompression, nil
	case "adaptive":
		return AdaptiveCompression, nil
	case "dictionary":
		return DictionaryCompression, nil
	default:
		return 0, fmt.Errorf("unknown compression type %q", s)
	}
}

// Compressor compresses and decompresses whole values.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() Type
}

// Ratio returns compressed/original, or 1 when original is 0.
func Ratio(original, compressed int) float64 {
	if original == 0 {
		return 1.0
	}
	return float64(compressed) / float64(original)
}

// New returns the Compressor for t. DictionaryCompression needs a dictionary
// and must be built with NewDictionary.
func New(t Type) (Compressor, error) {
	switch t {
	case NoCompression:
		return None{}, nil
	case SnappyCompression:
		return Snappy{}, nil
	case LZ4Compression:
		return NewLZ4(lz4.Fast), nil
	case ZstdCompression:
		return NewZstd(zstd.SpeedDefault)
	case AdaptiveCompression:
		return NewAdaptive(DefaultAdaptiveThreshold)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// None returns data unchanged.
type None struct{}

func (None) Compress(data []byte) ([]byte, error)   { return data, nil }
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }
func (None) Type() Type                             { return NoCompression }

// Snappy compresses with Google Snappy.
type Snappy struct{}

func (Snappy) Compress(data []byte) ([]byte, error) { return snappy.Encode(nil, data), nil }

func (Snappy) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

func (Snappy) Type() Type { return SnappyCompression }

// LZ4 compresses with the LZ4 frame format.
type LZ4 struct {
	level lz4.CompressionLevel
}

// NewLZ4 returns an LZ4 compressor at level.
func NewLZ4(level lz4.CompressionLevel) *LZ4 {
	return &LZ4{level: level}
}

func (c *LZ4) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *LZ4) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}

func (c *LZ4) Type() Type { return LZ4Compression }

// Zstd compresses with Zstandard. The encoder and decoder are shared; their
// EncodeAll and DecodeAll methods are safe for concurrent use.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
	typ Type
}

// NewZstd returns a Zstandard compressor at level.
func NewZstd(level zstd.EncoderLevel) (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec, typ: ZstdCompression}, nil
}

// NewDictionary returns a Zstandard compressor primed with a raw dictionary.
// Values compressed with it can only be decompressed with the same id and
// dictionary.
func NewDictionary(id uint32, dict []byte) (*Zstd, error) {
	if len(dict) == 0 {
		return nil, fmt.Errorf("zstd dictionary is empty")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderDictRaw(id, dict))
	if err != nil {
		return nil, fmt.Errorf("zstd dictionary encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderDictRaw(id, dict))
	if err != nil {
		return nil, fmt.Errorf("zstd dictionary decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec, typ: DictionaryCompression}, nil
}

func (c *Zstd) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *Zstd) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (c *Zstd) Type() Type { return c.typ }

// DefaultAdaptiveThreshold is the value size below which Adaptive stores
// values uncompressed.
const DefaultAdaptiveThreshold = 64

// Adaptive tags.
const (
	tagNone byte = iota
	tagLZ4
	tagZstd
)

// Adaptive compresses each value with both LZ4 and Zstd and keeps the
// smaller result, or the raw value when neither is smaller or the value is
// shorter than the threshold.
type Adaptive struct {
	threshold int
	lz4       *LZ4
	zstd      *Zstd
}

// NewAdaptive returns an Adaptive compressor.
func NewAdaptive(threshold int) (*Adaptive, error) {
	z, err := NewZstd(zstd.SpeedDefault)
	if err != nil {
		return nil, err
	}
	return &Adaptive{threshold: threshold, lz4: NewLZ4(lz4.Fast), zstd: z}, nil
}

func (c *Adaptive) Compress(data []byte) ([]byte, error) {
	best, tag := data, tagNone
	if len(data) >= c.threshold {
		l, err := c.lz4.Compress(data)
		if err != nil {
			return nil, err
		}
		z, err := c.zstd.Compress(data)
		if err != nil {
			return nil, err
		}
		if len(l) < len(best) {
			best, tag = l, tagLZ4
		}
		if len(z) < len(best) {
			best, tag = z, tagZstd
		}
	}
	out := make([]byte, 0, len(best)+1)
	out = append(out, tag)
	return append(out, best...), nil
}

func (c *Adaptive) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("adaptive decompress: missing tag")
	}
	body := data[1:]
	switch data[0] {
	case tagNone:
		return bytes.Clone(body), nil
	case tagLZ4:
		return c.lz4.Decompress(body)
	case tagZstd:
		return c.zstd.Decompress(body)
	default:
		return nil, fmt.Errorf("adaptive decompress: unknown tag %d", data[0])
	}
}

func (c *Adaptive) Type() Type { return AdaptiveCompression }
