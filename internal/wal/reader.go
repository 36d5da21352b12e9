package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/plexkv/internal/errs"
)

// Reporter is called when a corrupt entry is skipped.
type Reporter interface {
	// Corruption is called with the number of bytes skipped and the cause.
	Corruption(bytes int, err error)
}

// Reader reads entries from one WAL file.
type Reader struct {
	r        *bufio.Reader
	reporter Reporter
	pos      uint64
	header   FileHeader
	torn     bool
}

// NewReader reads and validates the file header from src. An unrecognized
// header returns an error wrapping errs.ErrInvalidFormat.
func NewReader(src io.Reader, reporter Reporter) (*Reader, error) {
	r := &Reader{r: bufio.NewReaderSize(src, 64<<10), reporter: reporter}

	var hdr [FileHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errs.InvalidFormatf("wal header truncated")
		}
		return nil, err
	}
	h, err := DecodeFileHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	r.header = h
	r.pos = FileHeaderSize
	return r, nil
}

// Header returns the file header.
func (r *Reader) Header() FileHeader { return r.header }

// Next returns the next intact entry. It returns io.EOF at the end of the
// file or at a truncated final entry.
func (r *Reader) Next() (Entry, error) {
	for {
		start := r.pos
		length, err := binary.ReadUvarint(r.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Entry{}, io.EOF
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				r.torn = true
				return Entry{}, io.EOF
			}
			// Overflowing varint: nothing after it can be framed.
			r.report(0, errs.CorruptData(0, start, err))
			return Entry{}, io.EOF
		}
		if length > MaxEntrySize {
			r.report(0, errs.CorruptData(0, start, errs.InvalidFormatf("entry length %d", length)))
			return Entry{}, io.EOF
		}

		msg := make([]byte, length)
		if _, err := io.ReadFull(r.r, msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.torn = true
				return Entry{}, io.EOF
			}
			return Entry{}, err
		}
		size := protowire.SizeVarint(length) + int(length)
		r.pos += uint64(size)

		e, err := DecodeEntry(msg)
		if err != nil {
			r.report(size, errs.CorruptData(0, start, err))
			continue
		}
		return e, nil
	}
}

func (r *Reader) report(bytes int, err error) {
	if r.reporter != nil {
		r.reporter.Corruption(bytes, err)
	}
}

// Torn reports whether the file ended inside an entry.
func (r *Reader) Torn() bool { return r.torn }
