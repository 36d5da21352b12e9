package plexkv

import (
	"errors"

	"github.com/aalhour/plexkv/internal/errs"
)

// Errors returned by DB operations. Test for them with errors.Is.
var (
	ErrKeyIsEmpty       = errs.ErrKeyIsEmpty
	ErrKeyNotFound      = errs.ErrKeyNotFound
	ErrCorruptData      = errs.ErrCorruptData
	ErrChecksumMismatch = errs.ErrChecksumMismatch
	ErrInvalidFormat    = errs.ErrInvalidFormat
	ErrLock             = errs.ErrLock
	ErrCompactionFailed = errs.ErrCompactionFailed
	ErrWAL              = errs.ErrWAL
	ErrPartition        = errs.ErrPartition
	ErrConfig           = errs.ErrConfig
	ErrClosed           = errs.ErrClosed

	// ErrDBExists is returned by Open when ErrorIfExists is set and the
	// database exists.
	ErrDBExists = errors.New("plexkv: database already exists")

	// ErrDBNotFound is returned by Open when CreateIfMissing is unset and
	// the database does not exist.
	ErrDBNotFound = errors.New("plexkv: database does not exist")
)

// Typed errors carrying diagnostics. Read them with errors.As.
type (
	CorruptDataError      = errs.CorruptDataError
	ChecksumMismatchError = errs.ChecksumMismatchError
	PartitionError        = errs.PartitionError
)
