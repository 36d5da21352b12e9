// Package testutil provides the expected-state oracle used by stress tests.
//
// ExpectedState keeps a shadow copy of what a database should hold for a
// fixed key space. Each key maps to one 32-bit state word that records
// whether the key was never written, was deleted, or holds a value with a
// known value ID. Values written to the database encode their key and value
// ID, so a read can be checked against the oracle without storing values.
package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/aalhour/plexkv/internal/checksum"
)

// ValueState is the state word of one key.
type ValueState uint32

const (
	// ValueStateUnknown means the key was never written.
	ValueStateUnknown ValueState = 0

	// ValueStateDeleted means the key has been deleted.
	ValueStateDeleted ValueState = 1

	// ValueStateExists means the key holds value ID (state - 2).
	ValueStateExists ValueState = 2
)

// ExpectedState tracks the expected contents of a database whose keys are
// the integers [0, maxKey).
//
// Writers lock a key with Lock before touching the database and the oracle,
// so the two never disagree about the order of writes to one key.
type ExpectedState struct {
	maxKey int64
	values []atomic.Uint32
	locks  []sync.Mutex
	shift  uint
	seqno  atomic.Uint64
}

// NewExpectedState returns an oracle for keys [0, maxKey), with one lock per
// 2^log2KeysPerLock keys.
func NewExpectedState(maxKey int64, log2KeysPerLock uint) *ExpectedState {
	if maxKey <= 0 {
		maxKey = 1
	}
	nlocks := (maxKey >> log2KeysPerLock) + 1
	return &ExpectedState{
		maxKey: maxKey,
		values: make([]atomic.Uint32, maxKey),
		locks:  make([]sync.Mutex, nlocks),
		shift:  log2KeysPerLock,
	}
}

// MaxKey returns the size of the key space.
func (es *ExpectedState) MaxKey() int64 { return es.maxKey }

func (es *ExpectedState) valid(key int64) bool { return key >= 0 && key < es.maxKey }

// Lock locks key's stripe and returns the unlock function.
func (es *ExpectedState) Lock(key int64) func() {
	mu := &es.locks[key>>es.shift]
	mu.Lock()
	return mu.Unlock
}

// Get returns the state word of key.
func (es *ExpectedState) Get(key int64) ValueState {
	if !es.valid(key) {
		return ValueStateUnknown
	}
	return ValueState(es.values[key].Load())
}

// Put records that key now holds valueID.
func (es *ExpectedState) Put(key int64, valueID uint32) {
	if !es.valid(key) {
		return
	}
	es.values[key].Store(uint32(ValueStateExists) + valueID)
	es.seqno.Add(1)
}

// Delete records that key was deleted.
func (es *ExpectedState) Delete(key int64) {
	if !es.valid(key) {
		return
	}
	es.values[key].Store(uint32(ValueStateDeleted))
	es.seqno.Add(1)
}

// Exists reports whether key is expected to hold a value.
func (es *ExpectedState) Exists(key int64) bool {
	return es.Get(key) >= ValueStateExists
}

// ValueID returns the value ID key is expected to hold.
func (es *ExpectedState) ValueID(key int64) (uint32, bool) {
	s := es.Get(key)
	if s < ValueStateExists {
		return 0, false
	}
	return uint32(s - ValueStateExists), true
}

// NextValueID returns a value ID different from key's current one.
func (es *ExpectedState) NextValueID(key int64) uint32 {
	id, ok := es.ValueID(key)
	if !ok {
		return 0
	}
	return (id + 1) & 0x7fffffff
}

// Seqno returns the number of recorded writes.
func (es *ExpectedState) Seqno() uint64 { return es.seqno.Load() }

// PendingValue is a write to the oracle that is applied only once the
// database write it shadows has succeeded.
type PendingValue struct {
	state    *ExpectedState
	key      int64
	valueID  uint32
	isDelete bool
	done     bool
}

// PreparePut returns a pending put of valueID to key.
func (es *ExpectedState) PreparePut(key int64, valueID uint32) *PendingValue {
	return &PendingValue{state: es, key: key, valueID: valueID}
}

// PrepareDelete returns a pending delete of key.
func (es *ExpectedState) PrepareDelete(key int64) *PendingValue {
	return &PendingValue{state: es, key: key, isDelete: true}
}

// Commit applies the pending write.
func (p *PendingValue) Commit() {
	if p.done {
		return
	}
	p.done = true
	if p.isDelete {
		p.state.Delete(p.key)
	} else {
		p.state.Put(p.key, p.valueID)
	}
}

// Rollback discards the pending write.
func (p *PendingValue) Rollback() { p.done = true }

// Key formats key the way stress tools store it.
func Key(key int64) string {
	return fmt.Sprintf("key%016d", key)
}

// GenerateValue returns a valueSize-byte value that encodes key and
// valueID.
// Format: [key:8][valueID:4][pattern...]
func GenerateValue(key int64, valueID uint32, valueSize int) string {
	valueSize = max(valueSize, 12)
	value := make([]byte, valueSize)
	binary.LittleEndian.PutUint64(value[0:8], uint64(key))
	binary.LittleEndian.PutUint32(value[8:12], valueID)
	for i := 12; i < valueSize; i++ {
		value[i] = byte((int(key) + int(valueID) + i) % 256)
	}
	return string(value)
}

// ParseValue returns the key and value ID encoded by GenerateValue.
func ParseValue(value string) (key int64, valueID uint32, ok bool) {
	if len(value) < 12 {
		return 0, 0, false
	}
	b := []byte(value[:12])
	return int64(binary.LittleEndian.Uint64(b[0:8])), binary.LittleEndian.Uint32(b[8:12]), true
}

// VerifyValue reports whether value was generated for key and valueID.
func VerifyValue(key int64, valueID uint32, value string) bool {
	k, id, ok := ParseValue(value)
	return ok && k == key && id == valueID
}

// Persisted state file layout:
// [magic:4 "PXES"][version:4][maxKey:8][seqno:8][state:4 x maxKey][crc32:4]
const (
	stateMagic      = "PXES"
	stateVersion    = uint32(1)
	stateHeaderSize = 24
)

var errBadStateFile = errors.New("testutil: invalid expected state file")

// SaveToFile writes the oracle to path, replacing any previous file
// atomically.
func (es *ExpectedState) SaveToFile(path string) error {
	buf := make([]byte, stateHeaderSize, stateHeaderSize+4*len(es.values)+4)
	copy(buf[0:4], stateMagic)
	binary.LittleEndian.PutUint32(buf[4:8], stateVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(es.maxKey))
	binary.LittleEndian.PutUint64(buf[16:24], es.seqno.Load())
	for i := range es.values {
		buf = binary.LittleEndian.AppendUint32(buf, es.values[i].Load())
	}
	buf = binary.LittleEndian.AppendUint32(buf, checksum.Value(buf))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFromFile reads an oracle written by SaveToFile. Keys are locked one
// per 2^log2KeysPerLock, as with NewExpectedState.
func LoadFromFile(path string, log2KeysPerLock uint) (*ExpectedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < stateHeaderSize+4 || string(data[0:4]) != stateMagic {
		return nil, errBadStateFile
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != stateVersion {
		return nil, fmt.Errorf("%w: version %d", errBadStateFile, v)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if _, ok := checksum.Verify(body, binary.LittleEndian.Uint32(trailer)); !ok {
		return nil, fmt.Errorf("%w: checksum mismatch", errBadStateFile)
	}
	maxKey := int64(binary.LittleEndian.Uint64(data[8:16]))
	if maxKey <= 0 || int64(len(body)-stateHeaderSize) != 4*maxKey {
		return nil, fmt.Errorf("%w: size does not match %d keys", errBadStateFile, maxKey)
	}

	es := NewExpectedState(maxKey, log2KeysPerLock)
	es.seqno.Store(binary.LittleEndian.Uint64(data[16:24]))
	for i := range es.values {
		off := stateHeaderSize + 4*i
		es.values[i].Store(binary.LittleEndian.Uint32(data[off : off+4]))
	}
	return es, nil
}
