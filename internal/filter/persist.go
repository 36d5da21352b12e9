package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/aalhour/plexkv/internal/checksum"
	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/vfs"
)

// File layout, little endian:
//
//	"PBF1" | size u64 | k u32 | inserted u64 | target f64 | crc32(bits) u32 | bits
const (
	fileMagic      = "PBF1"
	fileHeaderSize = 4 + 8 + 4 + 8 + 8 + 4

	// maxFileBits bounds the declared size of a filter read from disk.
	maxFileBits = 1 << 36
)

// WriteTo writes the filter in its persisted format.
func (f *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	hdr := make([]byte, 0, fileHeaderSize)
	hdr = append(hdr, fileMagic...)
	hdr = binary.LittleEndian.AppendUint64(hdr, f.size)
	hdr = binary.LittleEndian.AppendUint32(hdr, f.k)
	hdr = binary.LittleEndian.AppendUint64(hdr, f.inserted)
	hdr = binary.LittleEndian.AppendUint64(hdr, math.Float64bits(f.target))
	hdr = binary.LittleEndian.AppendUint32(hdr, checksum.Value(f.bits))

	n, err := w.Write(hdr)
	total := int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(f.bits)
	return total + int64(n), err
}

// ReadFrom replaces the contents of f with a filter read from r. An
// unrecognized header returns an error wrapping errs.ErrInvalidFormat and a
// damaged bit array one wrapping errs.ErrChecksumMismatch.
func (f *BloomFilter) ReadFrom(r io.Reader) (int64, error) {
	var hdr [fileHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	total := int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, errs.InvalidFormatf("bloom filter header truncated")
		}
		return total, err
	}
	if string(hdr[:4]) != fileMagic {
		return total, errs.InvalidFormatf("bloom filter magic %q", hdr[:4])
	}
	size := binary.LittleEndian.Uint64(hdr[4:12])
	k := binary.LittleEndian.Uint32(hdr[12:16])
	inserted := binary.LittleEndian.Uint64(hdr[16:24])
	target := math.Float64frombits(binary.LittleEndian.Uint64(hdr[24:32]))
	want := binary.LittleEndian.Uint32(hdr[32:36])

	if size == 0 || size > maxFileBits {
		return total, errs.InvalidFormatf("bloom filter size %d", size)
	}
	if k == 0 || k > maxHashFunctions {
		return total, errs.InvalidFormatf("bloom filter hash functions %d", k)
	}
	if !(target > 0 && target < 1) {
		return total, errs.InvalidFormatf("bloom filter target rate %v", target)
	}

	data := make([]byte, (size+7)/8)
	n, err = io.ReadFull(r, data)
	total += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, errs.InvalidFormatf("bloom filter bits truncated")
		}
		return total, err
	}
	if got, ok := checksum.Verify(data, want); !ok {
		return total, errs.ChecksumMismatch(want, got)
	}

	f.mu.Lock()
	f.bits = data
	f.size = size
	f.k = k
	f.inserted = inserted
	f.target = target
	f.mu.Unlock()
	return total, nil
}

// SaveFile writes the filter to path. The file is written under a temporary
// name and renamed into place.
func (f *BloomFilter) SaveFile(fs vfs.FS, path string) error {
	if fs == nil {
		fs = vfs.Default()
	}
	return vfs.WriteFileAtomic(fs, path, func(w io.Writer) error {
		_, err := f.WriteTo(w)
		return err
	})
}

// LoadFile reads a filter written by SaveFile.
func LoadFile(fs vfs.FS, path string) (*BloomFilter, error) {
	if fs == nil {
		fs = vfs.Default()
	}
	r, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f := &BloomFilter{}
	if _, err := f.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	return f, nil
}
