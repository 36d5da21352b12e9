// Package segment implements PlexKV's append-only log segment files.
//
// A partition's data lives in numbered segment files (data_000000.log,
// data_000001.log, ...). Only the highest-numbered file is appended to;
// older files are read-only until compaction replaces all of them.
//
// Each record on disk is a fixed 24-byte header followed by a body:
//
//	+----------------+-----------+-----------------+-----------+
//	| length (8B LE) | crc (4B)  | timestamp (8B)  | flags(4B) |
//	+----------------+-----------+-----------------+-----------+
//	| body: varint len(key) key | u8 hasValue | [varint len(value) value] | u64 ts |
//	+---------------------------------------------------------+
//
// crc is the CRC32 (IEEE) of the body. Flag bit 0 marks a tombstone.
package segment

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/plexkv/internal/checksum"
	"github.com/aalhour/plexkv/internal/errs"
)

// HeaderSize is the encoded size of a record header.
const HeaderSize = 24

// FlagTombstone marks a deletion record.
const FlagTombstone uint32 = 1 << 0

// MaxBodySize bounds the body length of a record. Append rejects larger
// records and readers treat a header claiming more as corrupt.
const MaxBodySize = 1 << 30

// maxBodySize is the enforced limit. Tests lower it.
var maxBodySize uint64 = MaxBodySize

const (
	filePrefix = "data_"
	fileSuffix = ".log"
	tmpSuffix  = ".tmp"
)

// Record is one logical log entry. A nil Value is a tombstone.
type Record struct {
	Key       string
	Value     *string
	Timestamp uint64
}

// Put returns a value record.
func Put(key, value string, ts uint64) Record {
	return Record{Key: key, Value: &value, Timestamp: ts}
}

// Tombstone returns a deletion record.
func Tombstone(key string, ts uint64) Record {
	return Record{Key: key, Timestamp: ts}
}

// IsTombstone reports whether r deletes its key.
func (r Record) IsTombstone() bool { return r.Value == nil }

// Header is the fixed prefix of every record.
type Header struct {
	DataLength uint64
	CRC        uint32
	Timestamp  uint64
	Flags      uint32
}

// Tombstone reports whether the header flags mark a deletion.
func (h Header) Tombstone() bool { return h.Flags&FlagTombstone != 0 }

// Offset locates one record on disk. The index stores Offsets, never values.
type Offset struct {
	PartitionID uint32
	FileID      uint32
	Offset      uint64
	Size        uint32 // header + body
	Timestamp   uint64
}

// End returns the file offset just past the record.
func (o Offset) End() uint64 { return o.Offset + uint64(o.Size) }

// FileName returns the segment file name for id.
func FileName(id uint32) string {
	return fmt.Sprintf("%s%06d%s", filePrefix, id, fileSuffix)
}

// ParseFileName extracts the id from a segment file name.
func ParseFileName(name string) (uint32, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	digits := name[len(filePrefix) : len(name)-len(fileSuffix)]
	if len(digits) == 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, tmpSuffix)
}

// EncodeHeader writes h into dst, which must hold HeaderSize bytes.
func EncodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint64(dst[0:8], h.DataLength)
	binary.LittleEndian.PutUint32(dst[8:12], h.CRC)
	binary.LittleEndian.PutUint64(dst[12:20], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[20:24], h.Flags)
}

// DecodeHeader parses a header from src, which must hold HeaderSize bytes.
func DecodeHeader(src []byte) Header {
	return Header{
		DataLength: binary.LittleEndian.Uint64(src[0:8]),
		CRC:        binary.LittleEndian.Uint32(src[8:12]),
		Timestamp:  binary.LittleEndian.Uint64(src[12:20]),
		Flags:      binary.LittleEndian.Uint32(src[20:24]),
	}
}

// AppendBody appends the encoded body of r to dst.
func AppendBody(dst []byte, r Record) []byte {
	dst = protowire.AppendString(dst, r.Key)
	if r.Value == nil {
		dst = append(dst, 0)
	} else {
		dst = append(dst, 1)
		dst = protowire.AppendString(dst, *r.Value)
	}
	return binary.LittleEndian.AppendUint64(dst, r.Timestamp)
}

// DecodeBody parses a record body.
func DecodeBody(src []byte) (Record, error) {
	var r Record

	key, n := protowire.ConsumeString(src)
	if n < 0 {
		return r, fmt.Errorf("%w: key: %v", errs.ErrCorruptData, protowire.ParseError(n))
	}
	r.Key = key
	src = src[n:]

	if len(src) < 1 {
		return r, fmt.Errorf("%w: missing value flag", errs.ErrCorruptData)
	}
	hasValue := src[0]
	src = src[1:]
	switch hasValue {
	case 0:
	case 1:
		v, n := protowire.ConsumeString(src)
		if n < 0 {
			return r, fmt.Errorf("%w: value: %v", errs.ErrCorruptData, protowire.ParseError(n))
		}
		r.Value = &v
		src = src[n:]
	default:
		return r, fmt.Errorf("%w: value flag %d", errs.ErrCorruptData, hasValue)
	}

	if len(src) != 8 {
		return r, fmt.Errorf("%w: trailing %d bytes", errs.ErrCorruptData, len(src))
	}
	r.Timestamp = binary.LittleEndian.Uint64(src)
	return r, nil
}

// EncodeRecord returns the complete on-disk encoding (header + body) of r.
func EncodeRecord(r Record) []byte {
	return AppendRecord(make([]byte, 0, EncodedSize(r)), r)
}

// EncodedSize returns an upper bound on the encoded size of r.
func EncodedSize(r Record) int {
	return HeaderSize + len(r.Key) + valueLen(r) + 24
}

// BodySize returns the exact encoded body size of r.
func BodySize(r Record) int {
	n := protowire.SizeBytes(len(r.Key)) + 1 + 8
	if r.Value != nil {
		n += protowire.SizeBytes(len(*r.Value))
	}
	return n
}

// CheckSize returns an ErrInvalidFormat error if r's body would exceed
// MaxBodySize.
func CheckSize(r Record) error {
	if n := uint64(BodySize(r)); n > maxBodySize {
		return errs.InvalidFormatf("record body of %d bytes exceeds %d", n, maxBodySize)
	}
	return nil
}

// AppendRecord appends the on-disk encoding of r to dst.
func AppendRecord(dst []byte, r Record) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	dst = AppendBody(dst, r)
	body := dst[start+HeaderSize:]

	h := Header{
		DataLength: uint64(len(body)),
		CRC:        checksum.Value(body),
		Timestamp:  r.Timestamp,
	}
	if r.IsTombstone() {
		h.Flags |= FlagTombstone
	}
	EncodeHeader(dst[start:start+HeaderSize], h)
	return dst
}

func valueLen(r Record) int {
	if r.Value == nil {
		return 0
	}
	return len(*r.Value)
}

// DecodeRecord parses and verifies a complete header+body frame.
func DecodeRecord(frame []byte) (Record, error) {
	if len(frame) < HeaderSize {
		return Record{}, fmt.Errorf("%w: frame is %d bytes", errs.ErrCorruptData, len(frame))
	}
	h := DecodeHeader(frame)
	body := frame[HeaderSize:]
	if h.DataLength != uint64(len(body)) {
		return Record{}, fmt.Errorf("%w: declared length %d, frame holds %d", errs.ErrCorruptData, h.DataLength, len(body))
	}
	if actual, ok := checksum.Verify(body, h.CRC); !ok {
		return Record{}, errs.ChecksumMismatch(h.CRC, actual)
	}
	return DecodeBody(body)
}
