package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	fs := Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "CHECKPOINT")

	for _, content := range []string{"41\n", "42\n"} {
		err := WriteFileAtomic(fs, path, func(w io.Writer) error {
			_, err := io.WriteString(w, content)
			return err
		})
		if err != nil {
			t.Fatalf("WriteFileAtomic failed: %v", err)
		}
		got, err := ReadFile(fs, path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if string(got) != content {
			t.Errorf("content = %q, want %q", got, content)
		}
	}

	names, err := fs.ListDir(dir)
	if err != nil {
		t.Fatalf("ListDir failed: %v", err)
	}
	if len(names) != 1 || names[0] != "CHECKPOINT" {
		t.Errorf("dir holds %v, want only CHECKPOINT", names)
	}
}

func TestWriteFileAtomic_FailureKeepsOldFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bloom_filter_000.bf")
	writeFile(t, path, "old")

	boom := errors.New("boom")
	err := WriteFileAtomic(Default(), path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WriteFileAtomic error = %v, want %v", err, boom)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "old" {
		t.Errorf("content = %q, want %q", data, "old")
	}
	names, _ := Default().ListDir(dir)
	for _, name := range names {
		if strings.HasSuffix(name, tempSuffix) {
			t.Errorf("temporary file %s left behind", name)
		}
	}
}

func TestWriteFileAtomic_SyncFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CHECKPOINT")
	fs := NewFaultFS(Default())
	fs.FailSyncs()

	err := WriteFileAtomic(fs, path, func(w io.Writer) error {
		_, err := io.WriteString(w, "7\n")
		return err
	})
	if !errors.Is(err, ErrInjectedSync) {
		t.Fatalf("WriteFileAtomic error = %v, want ErrInjectedSync", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("target exists after a failed write: %v", statErr)
	}
}
