package vfs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestOSFS_CreateAndSync(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "data_000000.log")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.Append([]byte("hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want %q", data, "hello")
	}
}

func TestOSFS_OpenAppend(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "data_000001.log")
	writeFile(t, path, "hello")

	f, err := fs.OpenAppend(path)
	if err != nil {
		t.Fatalf("OpenAppend failed: %v", err)
	}
	size, err := f.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 5 {
		t.Errorf("size = %d, want 5", size)
	}
	if _, err := f.Write([]byte(" world")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "hello world" {
		t.Errorf("content = %q, want %q", data, "hello world")
	}
}

func TestOSFS_OpenAppendMissing(t *testing.T) {
	fs := Default()
	_, err := fs.OpenAppend(filepath.Join(t.TempDir(), "missing.log"))
	if !os.IsNotExist(err) {
		t.Errorf("OpenAppend(missing) error = %v, want not-exist", err)
	}
}

func TestOSFS_ReadPaths(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "test.txt")
	writeFile(t, path, "hello world")

	rf, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("OpenRandomAccess failed: %v", err)
	}
	defer rf.Close()
	if rf.Size() != 11 {
		t.Errorf("Size = %d, want 11", rf.Size())
	}
	buf := make([]byte, 5)
	if _, err := rf.ReadAt(buf, 6); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("ReadAt = %q, want %q", buf, "world")
	}

	sf, err := fs.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sf.Close()
	all, err := io.ReadAll(sf)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(all) != "hello world" {
		t.Errorf("sequential read = %q, want %q", all, "hello world")
	}
}

func TestOSFS_RenameRemove(t *testing.T) {
	fs := Default()
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "data_000002.log.tmp")
	newPath := filepath.Join(dir, "data_000002.log")
	writeFile(t, oldPath, "content")

	if err := fs.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := fs.SyncDir(dir); err != nil {
		t.Fatalf("SyncDir failed: %v", err)
	}
	if fs.Exists(oldPath) || !fs.Exists(newPath) {
		t.Fatal("rename did not move the file")
	}

	if err := fs.Remove(newPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if fs.Exists(newPath) {
		t.Error("file should not exist after Remove")
	}
}

func TestOSFS_ListDirSorted(t *testing.T) {
	fs := Default()
	dir := t.TempDir()
	for _, name := range []string{"data_000003.log", "data_000001.log", "data_000002.log"} {
		writeFile(t, filepath.Join(dir, name), "x")
	}

	names, err := fs.ListDir(dir)
	if err != nil {
		t.Fatalf("ListDir failed: %v", err)
	}
	want := []string{"data_000001.log", "data_000002.log", "data_000003.log"}
	if len(names) != len(want) {
		t.Fatalf("ListDir returned %d entries, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestOSFS_MkdirAll(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "data", "partition_000")

	if err := fs.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("MkdirAll did not create a directory")
	}
	if !fs.Exists(path) {
		t.Error("Exists = false for the new directory")
	}
	if err := fs.MkdirAll(path, 0o755); err != nil {
		t.Errorf("MkdirAll on an existing directory failed: %v", err)
	}
}

func TestWritableFile_Truncate(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "test.txt")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.Write([]byte("hello world"))
	if err := f.Truncate(5); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	f.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("content after truncate = %q, want %q", data, "hello")
	}
}

func TestOSFS_Lock(t *testing.T) {
	fs := Default()
	lockPath := filepath.Join(t.TempDir(), "LOCK")

	lock1, err := fs.Lock(lockPath)
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}

	_, err = fs.Lock(lockPath)
	if !errors.Is(err, ErrLocked) {
		t.Errorf("second lock error = %v, want ErrLocked", err)
	}

	if err := lock1.Close(); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}

	lock2, err := fs.Lock(lockPath)
	if err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
	lock2.Close()
}

func TestLargeFileReadWrite(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "large.bin")

	data := make([]byte, 1024*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	rf, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("OpenRandomAccess failed: %v", err)
	}
	defer rf.Close()

	got := make([]byte, len(data))
	if _, err := rf.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(data, got) {
		t.Error("data mismatch")
	}
}
