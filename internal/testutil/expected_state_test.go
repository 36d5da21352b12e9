package testutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestExpectedState_PutDelete(t *testing.T) {
	es := NewExpectedState(100, 2)

	if got := es.Get(5); got != ValueStateUnknown {
		t.Errorf("Get(5) = %d, want unknown", got)
	}
	es.Put(5, 7)
	if id, ok := es.ValueID(5); !ok || id != 7 {
		t.Errorf("ValueID(5) = %d, %v; want 7, true", id, ok)
	}
	if !es.Exists(5) {
		t.Error("Exists(5) = false after Put")
	}
	if got := es.NextValueID(5); got != 8 {
		t.Errorf("NextValueID(5) = %d, want 8", got)
	}

	es.Delete(5)
	if got := es.Get(5); got != ValueStateDeleted {
		t.Errorf("Get(5) = %d, want deleted", got)
	}
	if es.Exists(5) {
		t.Error("Exists(5) = true after Delete")
	}
	if got := es.Seqno(); got != 2 {
		t.Errorf("Seqno = %d, want 2", got)
	}

	// Out of range keys are ignored.
	es.Put(100, 1)
	es.Put(-1, 1)
	if got := es.Seqno(); got != 2 {
		t.Errorf("Seqno after out of range puts = %d, want 2", got)
	}
}

func TestPendingValue(t *testing.T) {
	es := NewExpectedState(10, 0)
	es.Put(1, 3)

	p := es.PreparePut(1, 4)
	p.Rollback()
	p.Commit()
	if id, _ := es.ValueID(1); id != 3 {
		t.Errorf("ValueID after rollback = %d, want 3", id)
	}

	p = es.PrepareDelete(1)
	p.Commit()
	if es.Exists(1) {
		t.Error("key exists after committed delete")
	}
}

func TestGenerateValue(t *testing.T) {
	v := GenerateValue(42, 9, 64)
	if len(v) != 64 {
		t.Fatalf("len = %d, want 64", len(v))
	}
	if !VerifyValue(42, 9, v) {
		t.Error("VerifyValue rejected its own value")
	}
	if VerifyValue(42, 10, v) || VerifyValue(41, 9, v) {
		t.Error("VerifyValue accepted the wrong key or value ID")
	}
	if len(GenerateValue(1, 1, 4)) != 12 {
		t.Error("short values are not padded to 12 bytes")
	}
	if _, _, ok := ParseValue("short"); ok {
		t.Error("ParseValue accepted a short value")
	}
}

func TestExpectedState_LockSerializesKey(t *testing.T) {
	es := NewExpectedState(16, 2)
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				unlock := es.Lock(3)
				id := es.NextValueID(3)
				es.Put(3, id)
				unlock()
			}
		})
	}
	wg.Wait()
	if id, _ := es.ValueID(3); id != 799 {
		t.Errorf("ValueID = %d, want 799", id)
	}
}

func TestExpectedState_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expected")
	es := NewExpectedState(50, 2)
	es.Put(0, 1)
	es.Put(49, 12)
	es.Delete(7)
	if err := es.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := LoadFromFile(path, 2)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.MaxKey() != 50 || loaded.Seqno() != 3 {
		t.Errorf("loaded maxKey %d seqno %d, want 50, 3", loaded.MaxKey(), loaded.Seqno())
	}
	for key := range int64(50) {
		if got, want := loaded.Get(key), es.Get(key); got != want {
			t.Errorf("Get(%d) = %d, want %d", key, got, want)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	data[30] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadFromFile(path, 2); err == nil {
		t.Error("LoadFromFile accepted a corrupt file")
	}
}
