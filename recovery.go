package plexkv

// recovery.go implements the CHECKPOINT file and WAL replay at Open.

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aalhour/plexkv/internal/errs"
	"github.com/aalhour/plexkv/internal/logging"
	"github.com/aalhour/plexkv/internal/vfs"
	"github.com/aalhour/plexkv/internal/wal"
)

const (
	checkpointFileName = "CHECKPOINT"
	lockFileName       = "LOCK"
	walDirName         = "wal"
	dataDirName        = "data"
)

// readCheckpoint returns the sequence stored in dir's CHECKPOINT file, or 0
// if there is none.
func readCheckpoint(fs vfs.FS, dir string) (uint64, error) {
	path := filepath.Join(dir, checkpointFileName)
	if !fs.Exists(path) {
		return 0, nil
	}
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errs.InvalidFormatf("%s: %v", checkpointFileName, err)
	}
	return seq, nil
}

// writeCheckpoint atomically replaces dir's CHECKPOINT file with seq.
func writeCheckpoint(fs vfs.FS, dir string, seq uint64) error {
	return vfs.WriteFileAtomic(fs, filepath.Join(dir, checkpointFileName), func(w io.Writer) error {
		_, err := io.WriteString(w, strconv.FormatUint(seq, 10)+"\n")
		return err
	})
}

// replayWAL applies every WAL entry after the checkpoint to the partitions.
// An entry that fails to apply is logged and skipped so one bad record
// cannot keep the database closed.
func (db *DB) replayWAL(checkpoint uint64) error {
	var failed int
	applied, err := db.wal.Replay(checkpoint, func(e wal.Entry) error {
		if err := db.parts.ApplyReplay(e); err != nil {
			failed++
			db.logger.Errorf("%sskipping WAL entry %d (%s): %v", logging.NSRecovery, e.Sequence, e.Command, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replay: %w", errs.ErrWAL, err)
	}
	db.stats.RecordTick(TickerWALReplayed, uint64(applied-failed))
	if applied > 0 {
		db.logger.Infof("%sreplayed %d WAL entries after sequence %d (%d failed)",
			logging.NSRecovery, applied, checkpoint, failed)
	}
	return nil
}
