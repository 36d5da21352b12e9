package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/plexkv/internal/checksum"
	"github.com/aalhour/plexkv/internal/errs"
)

// resyncWindow is how many candidate offsets one read covers while looking
// for the next intact record.
const resyncWindow = 64 << 10

// Reporter is told about records a scan skips.
type Reporter interface {
	// Corruption is called with the number of bytes skipped and the cause,
	// a *errs.CorruptDataError carrying the record offset.
	Corruption(bytes int, err error)
}

// Entry is one record recovered by a scan.
type Entry struct {
	Record Record
	Offset Offset
}

// Scanner reads records sequentially from one segment file.
//
// A record that fails verification is reported and skipped. If its declared
// length leads to another intact record (or to the end of the file) the scan
// trusts it; otherwise the scan searches forward for the next offset holding
// an intact record and reports everything before it as one corrupt region.
// When no intact record follows, the rest of the file is a torn tail and the
// scan stops there without reporting.
type Scanner struct {
	src         io.ReaderAt
	r           *bufio.Reader
	size        uint64
	pos         uint64
	validEnd    uint64
	torn        bool
	partitionID uint32
	fileID      uint32
	reporter    Reporter
	hdr         [HeaderSize]byte
}

// NewScanner returns a scanner over the first size bytes of src, which holds
// segment fileID. reporter may be nil.
func NewScanner(src io.ReaderAt, size int64, partitionID, fileID uint32, reporter Reporter) *Scanner {
	s := &Scanner{
		src:         src,
		size:        uint64(max(size, 0)),
		partitionID: partitionID,
		fileID:      fileID,
		reporter:    reporter,
	}
	s.r = bufio.NewReaderSize(io.NewSectionReader(src, 0, int64(s.size)), 64<<10)
	return s
}

// Next returns the next intact record, or io.EOF when the file (or its
// readable prefix) is exhausted.
func (s *Scanner) Next() (Entry, error) {
	for {
		start := s.pos
		remaining := s.size - s.pos
		if remaining == 0 {
			return Entry{}, io.EOF
		}
		if remaining < HeaderSize {
			s.torn = true
			return Entry{}, io.EOF
		}

		if _, err := io.ReadFull(s.r, s.hdr[:]); err != nil {
			return Entry{}, s.readErr(err)
		}
		h := DecodeHeader(s.hdr[:])
		if h.DataLength > remaining-HeaderSize || h.DataLength > maxBodySize {
			if !s.resync(start, fmt.Errorf("declared length %d overruns segment of %d bytes", h.DataLength, s.size)) {
				return Entry{}, io.EOF
			}
			continue
		}

		body := make([]byte, h.DataLength)
		if _, err := io.ReadFull(s.r, body); err != nil {
			return Entry{}, s.readErr(err)
		}
		end := start + HeaderSize + h.DataLength

		rec, err := verifyBody(h, body)
		if err != nil {
			if end != s.size && !s.intactAt(end) {
				if !s.resync(start, err) {
					return Entry{}, io.EOF
				}
				continue
			}
			s.report(int(end-start), errs.CorruptData(s.fileID, start, err))
			s.pos, s.validEnd = end, end
			continue
		}
		s.pos, s.validEnd = end, end

		return Entry{
			Record: rec,
			Offset: Offset{
				PartitionID: s.partitionID,
				FileID:      s.fileID,
				Offset:      start,
				Size:        uint32(end - start),
				Timestamp:   rec.Timestamp,
			},
		}, nil
	}
}

func verifyBody(h Header, body []byte) (Record, error) {
	if actual, ok := checksum.Verify(body, h.CRC); !ok {
		return Record{}, errs.ChecksumMismatch(h.CRC, actual)
	}
	rec, err := DecodeBody(body)
	if err != nil {
		return Record{}, err
	}
	if rec.Timestamp != h.Timestamp || rec.IsTombstone() != h.Tombstone() {
		return Record{}, fmt.Errorf("%w: header does not match body", errs.ErrCorruptData)
	}
	return rec, nil
}

func (s *Scanner) readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.torn = true
		return io.EOF
	}
	return err
}

// resync moves the scan to the first intact record after start, reporting
// the bytes in between. It returns false, leaving the scan torn at start, if
// there is none.
func (s *Scanner) resync(start uint64, cause error) bool {
	next, ok := s.findIntact(start + 1)
	if !ok {
		s.torn = true
		s.pos = start
		return false
	}
	s.report(int(next-start), errs.CorruptData(s.fileID, start, cause))
	s.pos, s.validEnd = next, next
	s.r.Reset(io.NewSectionReader(s.src, int64(next), int64(s.size-next)))
	return true
}

// findIntact returns the first offset at or after from that holds an intact
// record.
func (s *Scanner) findIntact(from uint64) (uint64, bool) {
	window := make([]byte, resyncWindow+HeaderSize-1)
	for base := from; base+HeaderSize <= s.size; base += resyncWindow {
		n := min(uint64(len(window)), s.size-base)
		if got, _ := s.src.ReadAt(window[:n], int64(base)); uint64(got) < n {
			return 0, false
		}
		for i := uint64(0); i < resyncWindow && i+HeaderSize <= n; i++ {
			if s.frameAt(base+i, window[i:i+HeaderSize]) {
				return base + i, true
			}
		}
	}
	return 0, false
}

// intactAt reports whether a complete, verified record starts at pos.
func (s *Scanner) intactAt(pos uint64) bool {
	if pos+HeaderSize > s.size {
		return false
	}
	var hdr [HeaderSize]byte
	if n, _ := s.src.ReadAt(hdr[:], int64(pos)); n < HeaderSize {
		return false
	}
	return s.frameAt(pos, hdr[:])
}

// frameAt reports whether hdr, read from pos, heads a record that fits the
// file and verifies.
func (s *Scanner) frameAt(pos uint64, hdr []byte) bool {
	h := DecodeHeader(hdr)
	if h.Flags&^FlagTombstone != 0 || h.DataLength > maxBodySize || h.DataLength > s.size-pos-HeaderSize {
		return false
	}
	body := make([]byte, h.DataLength)
	if n, _ := s.src.ReadAt(body, int64(pos+HeaderSize)); n < len(body) {
		return false
	}
	_, err := verifyBody(h, body)
	return err == nil
}

func (s *Scanner) report(bytes int, err error) {
	if s.reporter != nil {
		s.reporter.Corruption(bytes, err)
	}
}

// ValidEnd returns the offset just past the last record consumed, intact or
// skipped. Bytes beyond it belong to a torn tail.
func (s *Scanner) ValidEnd() uint64 { return s.validEnd }

// Torn reports whether the scan stopped at an incomplete record.
func (s *Scanner) Torn() bool { return s.torn }
