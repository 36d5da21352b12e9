package vfs

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
)

// tempSuffix ends the names WriteFileAtomic writes before renaming.
const tempSuffix = ".tmp"

// WriteFileAtomic replaces path with the bytes write produces. The data is
// written and synced under a unique temporary name, renamed over path, and
// the parent directory is synced. On failure path is left untouched and the
// temporary file is removed.
func WriteFileAtomic(fs FS, path string, write func(w io.Writer) error) error {
	tmp := path + "." + uuid.NewString() + tempSuffix
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return fs.SyncDir(filepath.Dir(path))
}

// ReadFile returns the contents of name.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
