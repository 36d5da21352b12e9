// Package errs defines the error taxonomy shared by every PlexKV layer.
//
// Each failure class has a sentinel error. Failures that carry extra context
// (a file offset, a partition id, two checksums) use a typed error whose
// Unwrap returns the sentinel, so callers can test with errors.Is and read
// the details with errors.As.
//
// Scope of each class:
//   - ErrKeyIsEmpty, ErrKeyNotFound: caller input or lookup miss.
//   - ErrCorruptData, ErrChecksumMismatch: one record; scans skip it.
//   - ErrInvalidFormat: one file with a bad header; startup skips it.
//   - ErrLock: the database directory is locked by another process.
//   - ErrCompactionFailed, ErrWAL, ErrPartition: maintenance of one
//     partition or log; other partitions stay usable.
//   - ErrConfig: invalid construction parameters; fails fast.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyIsEmpty is returned when an operation receives an empty key.
	ErrKeyIsEmpty = errors.New("plexkv: key is empty")

	// ErrKeyNotFound is returned when a key has no live value.
	ErrKeyNotFound = errors.New("plexkv: key not found")

	// ErrCorruptData is returned when a record fails checksum validation.
	ErrCorruptData = errors.New("plexkv: corrupt data")

	// ErrChecksumMismatch is the diagnostic variant of ErrCorruptData.
	ErrChecksumMismatch = errors.New("plexkv: checksum mismatch")

	// ErrInvalidFormat is returned for files whose header is not recognized.
	ErrInvalidFormat = errors.New("plexkv: invalid file format")

	// ErrLock is returned when the database lock cannot be taken.
	ErrLock = errors.New("plexkv: lock error")

	// ErrCompactionFailed is returned when a partition compaction aborts.
	ErrCompactionFailed = errors.New("plexkv: compaction failed")

	// ErrWAL is returned for write-ahead log failures.
	ErrWAL = errors.New("plexkv: write-ahead log error")

	// ErrPartition is returned for partition-scoped failures.
	ErrPartition = errors.New("plexkv: partition error")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("plexkv: invalid configuration")

	// ErrClosed is returned when operating on a closed component.
	ErrClosed = errors.New("plexkv: closed")
)

// CorruptDataError reports a corrupt record at a byte offset.
type CorruptDataError struct {
	Offset uint64
	FileID uint32
	Err    error // optional underlying cause, e.g. a *ChecksumMismatchError
}

func (e *CorruptDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plexkv: corrupt data at file %d offset %d: %v", e.FileID, e.Offset, e.Err)
	}
	return fmt.Sprintf("plexkv: corrupt data at file %d offset %d", e.FileID, e.Offset)
}

// Unwrap returns ErrCorruptData and the underlying cause, if any.
func (e *CorruptDataError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruptData, e.Err}
	}
	return []error{ErrCorruptData}
}

// CorruptData returns a *CorruptDataError for the given location.
func CorruptData(fileID uint32, offset uint64, cause error) error {
	return &CorruptDataError{FileID: fileID, Offset: offset, Err: cause}
}

// ChecksumMismatchError carries both checksums for diagnostics.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("plexkv: checksum mismatch: expected %#08x, actual %#08x", e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrChecksumMismatch }

// ChecksumMismatch returns a *ChecksumMismatchError.
func ChecksumMismatch(expected, actual uint32) error {
	return &ChecksumMismatchError{Expected: expected, Actual: actual}
}

// PartitionError is a failure scoped to one partition.
type PartitionError struct {
	ID      uint32
	Message string
	Err     error
}

func (e *PartitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plexkv: partition %d: %s: %v", e.ID, e.Message, e.Err)
	}
	return fmt.Sprintf("plexkv: partition %d: %s", e.ID, e.Message)
}

// Unwrap returns ErrPartition and the underlying cause, if any.
func (e *PartitionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPartition, e.Err}
	}
	return []error{ErrPartition}
}

// Partition returns a *PartitionError.
func Partition(id uint32, message string, cause error) error {
	return &PartitionError{ID: id, Message: message, Err: cause}
}

// Configf returns an ErrConfig-wrapped error with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// WALf returns an ErrWAL-wrapped error with a formatted message.
func WALf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrWAL, fmt.Sprintf(format, args...))
}

// InvalidFormatf returns an ErrInvalidFormat-wrapped error.
func InvalidFormatf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFormat, fmt.Sprintf(format, args...))
}

// CompactionFailed wraps a compaction cause.
func CompactionFailed(id uint32, cause error) error {
	return &PartitionError{ID: id, Message: "compaction", Err: fmt.Errorf("%w: %w", ErrCompactionFailed, cause)}
}
