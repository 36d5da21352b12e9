// Package wal implements PlexKV's write-ahead log.
//
// The WAL is a sequence of files named wal_<created>_<startseq>.log, with both
// numbers zero-padded to 20 digits so lexical order is chronological order.
// Each file starts with a fixed header:
//
//	+-----------+---------------+------------------+-----------+
//	| "PLEX" 4B | version u32LE | created_at u64LE | flags u32 |
//	+-----------+---------------+------------------+-----------+
//
// followed by entries. An entry is a varint length and a protobuf-wire
// message:
//
//	1: sequence  (varint)
//	2: timestamp (varint, unix nanoseconds)
//	3: command   (bytes: 1 op varint, 2 key bytes, 3 value bytes)
//	4: checksum  (fixed32, CRC32 of sequence, timestamp and command)
//
// Entries are self-delimiting, so a corrupt entry is skipped without losing
// the ones after it. A truncated final entry ends the file.
package wal

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/plexkv/internal/checksum"
	"github.com/aalhour/plexkv/internal/errs"
)

const (
	// Magic identifies a WAL file.
	Magic = "PLEX"

	// Version is the current file format version.
	Version uint32 = 1

	// FileHeaderSize is the encoded size of a file header.
	FileHeaderSize = 20

	// MaxEntrySize bounds the declared length of one entry.
	MaxEntrySize = 64 << 20
)

// Protobuf field numbers. They are part of the on-disk format.
const (
	fieldSequence  protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldCommand   protowire.Number = 3
	fieldChecksum  protowire.Number = 4

	fieldOp    protowire.Number = 1
	fieldKey   protowire.Number = 2
	fieldValue protowire.Number = 3
)

// Op is the kind of mutation a Command performs.
type Op uint8

const (
	// OpSet stores a value.
	OpSet Op = 1
	// OpDelete removes a key.
	OpDelete Op = 2
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpDelete:
		return "DELETE"
	default:
		return "Op(" + strconv.Itoa(int(o)) + ")"
	}
}

// Command is one logged mutation.
type Command struct {
	Op    Op
	Key   string
	Value string
}

// Set returns a Set command.
func Set(key, value string) Command { return Command{Op: OpSet, Key: key, Value: value} }

// Delete returns a Delete command.
func Delete(key string) Command { return Command{Op: OpDelete, Key: key} }

func (c Command) String() string {
	if c.Op == OpSet {
		return fmt.Sprintf("SET %q=%q", c.Key, c.Value)
	}
	return fmt.Sprintf("%s %q", c.Op, c.Key)
}

// Entry is one WAL record.
type Entry struct {
	Sequence  uint64
	Timestamp uint64
	Command   Command
	Checksum  uint32
}

// FileHeader is the fixed prefix of a WAL file.
type FileHeader struct {
	Version   uint32
	CreatedAt uint64
	Flags     uint32
}

// EncodeFileHeader returns the encoded header.
func EncodeFileHeader(h FileHeader) []byte {
	buf := make([]byte, 0, FileHeaderSize)
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.CreatedAt)
	return binary.LittleEndian.AppendUint32(buf, h.Flags)
}

// DecodeFileHeader parses and validates a header.
func DecodeFileHeader(src []byte) (FileHeader, error) {
	if len(src) < FileHeaderSize {
		return FileHeader{}, errs.InvalidFormatf("wal header is %d bytes", len(src))
	}
	if string(src[:4]) != Magic {
		return FileHeader{}, errs.InvalidFormatf("wal magic %q", src[:4])
	}
	h := FileHeader{
		Version:   binary.LittleEndian.Uint32(src[4:8]),
		CreatedAt: binary.LittleEndian.Uint64(src[8:16]),
		Flags:     binary.LittleEndian.Uint32(src[16:20]),
	}
	if h.Version != Version {
		return FileHeader{}, errs.InvalidFormatf("wal version %d", h.Version)
	}
	return h, nil
}

// FileName returns the WAL file name for a file created at createdAt
// (unix nanoseconds) whose first entry has sequence startSeq.
func FileName(createdAt, startSeq uint64) string {
	return fmt.Sprintf("wal_%020d_%020d.log", createdAt, startSeq)
}

// ParseFileName extracts the creation time and start sequence from a name.
func ParseFileName(name string) (createdAt, startSeq uint64, ok bool) {
	rest, found := strings.CutPrefix(name, "wal_")
	if !found {
		return 0, 0, false
	}
	rest, found = strings.CutSuffix(rest, ".log")
	if !found {
		return 0, 0, false
	}
	a, b, found := strings.Cut(rest, "_")
	if !found {
		return 0, 0, false
	}
	createdAt, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	startSeq, err = strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return createdAt, startSeq, true
}

func encodeCommand(dst []byte, c Command) []byte {
	dst = protowire.AppendTag(dst, fieldOp, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(c.Op))
	dst = protowire.AppendTag(dst, fieldKey, protowire.BytesType)
	dst = protowire.AppendString(dst, c.Key)
	if c.Op == OpSet {
		dst = protowire.AppendTag(dst, fieldValue, protowire.BytesType)
		dst = protowire.AppendString(dst, c.Value)
	}
	return dst
}

func decodeCommand(src []byte) (Command, error) {
	var c Command
	for len(src) > 0 {
		num, typ, n := protowire.ConsumeTag(src)
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		src = src[n:]
		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(src)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Op = Op(v)
			src = src[n:]
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(src)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Key = v
			src = src[n:]
		case num == fieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(src)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Value = v
			src = src[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, src)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			src = src[n:]
		}
	}
	if c.Op != OpSet && c.Op != OpDelete {
		return c, fmt.Errorf("unknown op %d", c.Op)
	}
	return c, nil
}

// entryChecksum covers the sequence, timestamp and encoded command.
func entryChecksum(seq, ts uint64, cmd []byte) uint32 {
	var fixed [16]byte
	binary.LittleEndian.PutUint64(fixed[0:8], seq)
	binary.LittleEndian.PutUint64(fixed[8:16], ts)
	return checksum.Extend(checksum.Value(fixed[:]), cmd)
}

// AppendEntry appends the length-delimited encoding of e to dst and sets
// e.Checksum.
func AppendEntry(dst []byte, e *Entry) []byte {
	cmd := encodeCommand(nil, e.Command)
	e.Checksum = entryChecksum(e.Sequence, e.Timestamp, cmd)

	msg := make([]byte, 0, len(cmd)+32)
	msg = protowire.AppendTag(msg, fieldSequence, protowire.VarintType)
	msg = protowire.AppendVarint(msg, e.Sequence)
	msg = protowire.AppendTag(msg, fieldTimestamp, protowire.VarintType)
	msg = protowire.AppendVarint(msg, e.Timestamp)
	msg = protowire.AppendTag(msg, fieldCommand, protowire.BytesType)
	msg = protowire.AppendBytes(msg, cmd)
	msg = protowire.AppendTag(msg, fieldChecksum, protowire.Fixed32Type)
	msg = protowire.AppendFixed32(msg, e.Checksum)

	return protowire.AppendBytes(dst, msg)
}

// DecodeEntry parses one entry message (without its length prefix) and
// verifies its checksum.
func DecodeEntry(msg []byte) (Entry, error) {
	var (
		e      Entry
		cmd    []byte
		hasCmd bool
		hasSum bool
	)
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return e, fmt.Errorf("%w: %v", errs.ErrCorruptData, protowire.ParseError(n))
		}
		msg = msg[n:]
		switch {
		case num == fieldSequence && typ == protowire.VarintType:
			e.Sequence, n = protowire.ConsumeVarint(msg)
		case num == fieldTimestamp && typ == protowire.VarintType:
			e.Timestamp, n = protowire.ConsumeVarint(msg)
		case num == fieldCommand && typ == protowire.BytesType:
			cmd, n = protowire.ConsumeBytes(msg)
			hasCmd = true
		case num == fieldChecksum && typ == protowire.Fixed32Type:
			e.Checksum, n = protowire.ConsumeFixed32(msg)
			hasSum = true
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return e, fmt.Errorf("%w: %v", errs.ErrCorruptData, protowire.ParseError(n))
		}
		msg = msg[n:]
	}
	if !hasCmd || !hasSum {
		return e, fmt.Errorf("%w: incomplete wal entry", errs.ErrCorruptData)
	}

	if actual := entryChecksum(e.Sequence, e.Timestamp, cmd); actual != e.Checksum {
		return e, errs.ChecksumMismatch(e.Checksum, actual)
	}
	c, err := decodeCommand(cmd)
	if err != nil {
		return e, fmt.Errorf("%w: command: %v", errs.ErrCorruptData, err)
	}
	e.Command = c
	return e, nil
}
