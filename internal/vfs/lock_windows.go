//go:build windows

package vfs

import (
	"errors"
	"io"
	"os"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("vfs: file is locked by another process")

type fileLock struct {
	f *os.File
}

// lockFile opens name for exclusive use. Windows has no flock; the open
// handle only guards against deletion of the lock file.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
