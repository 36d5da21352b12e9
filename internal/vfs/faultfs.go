package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrInjectedWrite is returned when a write error is injected.
	ErrInjectedWrite = errors.New("vfs: injected write error")

	// ErrInjectedSync is returned when a sync error is injected.
	ErrInjectedSync = errors.New("vfs: injected sync error")
)

// FaultFS wraps an FS, tracks how much of every written file has been
// synced, and can inject write or sync failures. Crash tests write through
// it, call DropUnsyncedData, and reopen the store on the base FS.
type FaultFS struct {
	base FS

	mu          sync.Mutex
	files       map[string]*syncState
	failWrites  string // path prefix; "" with writesArmed fails every write
	writesArmed bool
	failSyncs   bool
	inactive    bool
}

type syncState struct {
	pos       int64
	syncedPos int64
}

// NewFaultFS wraps base.
func NewFaultFS(base FS) *FaultFS {
	return &FaultFS{base: base, files: make(map[string]*syncState)}
}

// FailWrites makes writes to paths starting with prefix fail.
// An empty prefix fails every write.
func (fs *FaultFS) FailWrites(prefix string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failWrites = prefix
	fs.writesArmed = true
}

// FailSyncs makes every Sync fail.
func (fs *FaultFS) FailSyncs() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failSyncs = true
}

// Crash deactivates the filesystem: every mutation fails until Reset.
func (fs *FaultFS) Crash() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.inactive = true
}

// Reset clears all injected faults.
func (fs *FaultFS) Reset() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failWrites = ""
	fs.writesArmed = false
	fs.failSyncs = false
	fs.inactive = false
}

// DropUnsyncedData truncates every tracked file to its last synced size.
func (fs *FaultFS) DropUnsyncedData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for path, st := range fs.files {
		if st.syncedPos >= st.pos {
			continue
		}
		if err := os.Truncate(path, st.syncedPos); err != nil && !os.IsNotExist(err) {
			return err
		}
		st.pos = st.syncedPos
	}
	return nil
}

// SyncedSize returns the tracked synced and written sizes of path.
func (fs *FaultFS) SyncedSize(path string) (synced, written int64, ok bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, ok := fs.files[abs(path)]
	if !ok {
		return 0, 0, false
	}
	return st.syncedPos, st.pos, true
}

func abs(path string) string {
	p, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return p
}

func (fs *FaultFS) writeErr(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.inactive {
		return ErrInjectedWrite
	}
	if fs.writesArmed && (fs.failWrites == "" || hasPrefix(path, fs.failWrites)) {
		return ErrInjectedWrite
	}
	return nil
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func (fs *FaultFS) track(name string, f WritableFile, size int64) WritableFile {
	path := abs(name)
	fs.mu.Lock()
	fs.files[path] = &syncState{pos: size, syncedPos: size}
	fs.mu.Unlock()
	return &faultFile{base: f, fs: fs, path: path}
}

// Create implements FS.
func (fs *FaultFS) Create(name string) (WritableFile, error) {
	if err := fs.writeErr(abs(name)); err != nil {
		return nil, err
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	return fs.track(name, f, 0), nil
}

// OpenAppend implements FS.
func (fs *FaultFS) OpenAppend(name string) (WritableFile, error) {
	if err := fs.writeErr(abs(name)); err != nil {
		return nil, err
	}
	f, err := fs.base.OpenAppend(name)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return fs.track(name, f, size), nil
}

// Open implements FS.
func (fs *FaultFS) Open(name string) (SequentialFile, error) {
	return fs.base.Open(name)
}

// OpenRandomAccess implements FS.
func (fs *FaultFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	return fs.base.OpenRandomAccess(name)
}

// Rename implements FS and moves the tracked state with the file.
func (fs *FaultFS) Rename(oldname, newname string) error {
	if err := fs.writeErr(abs(newname)); err != nil {
		return err
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if st, ok := fs.files[abs(oldname)]; ok {
		fs.files[abs(newname)] = st
		delete(fs.files, abs(oldname))
	}
	return nil
}

// Remove implements FS.
func (fs *FaultFS) Remove(name string) error {
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	fs.mu.Lock()
	delete(fs.files, abs(name))
	fs.mu.Unlock()
	return nil
}

// MkdirAll implements FS.
func (fs *FaultFS) MkdirAll(path string, perm os.FileMode) error {
	if err := fs.writeErr(abs(path)); err != nil {
		return err
	}
	return fs.base.MkdirAll(path, perm)
}

// Exists implements FS.
func (fs *FaultFS) Exists(name string) bool { return fs.base.Exists(name) }

// ListDir implements FS.
func (fs *FaultFS) ListDir(path string) ([]string, error) { return fs.base.ListDir(path) }

// Lock implements FS.
func (fs *FaultFS) Lock(name string) (io.Closer, error) { return fs.base.Lock(name) }

// SyncDir implements FS.
func (fs *FaultFS) SyncDir(path string) error {
	fs.mu.Lock()
	failed := fs.failSyncs
	fs.mu.Unlock()
	if failed {
		return ErrInjectedSync
	}
	return fs.base.SyncDir(path)
}

type faultFile struct {
	base WritableFile
	fs   *FaultFS
	path string
}

func (f *faultFile) Write(p []byte) (int, error) {
	if err := f.fs.writeErr(f.path); err != nil {
		return 0, err
	}
	n, err := f.base.Write(p)
	f.fs.mu.Lock()
	if st, ok := f.fs.files[f.path]; ok {
		st.pos += int64(n)
	}
	f.fs.mu.Unlock()
	return n, err
}

func (f *faultFile) Append(data []byte) error {
	_, err := f.Write(data)
	return err
}

func (f *faultFile) Sync() error {
	f.fs.mu.Lock()
	failed := f.fs.failSyncs || f.fs.inactive
	f.fs.mu.Unlock()
	if failed {
		return ErrInjectedSync
	}
	if err := f.base.Sync(); err != nil {
		return err
	}
	f.fs.mu.Lock()
	if st, ok := f.fs.files[f.path]; ok {
		st.syncedPos = st.pos
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultFile) Truncate(size int64) error {
	if err := f.fs.writeErr(f.path); err != nil {
		return err
	}
	if err := f.base.Truncate(size); err != nil {
		return err
	}
	f.fs.mu.Lock()
	if st, ok := f.fs.files[f.path]; ok {
		st.pos = size
		st.syncedPos = min(st.syncedPos, size)
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultFile) Size() (int64, error) { return f.base.Size() }

func (f *faultFile) Close() error { return f.base.Close() }
