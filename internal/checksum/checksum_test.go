package checksum

import (
	"math/rand"
	"testing"
)

// TestCRC32Basic tests CRC32 against the standard check values.
func TestCRC32Basic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"empty", []byte{}, 0},
		{"a", []byte("a"), 0xe8b7be43},
		{"123456789", []byte("123456789"), 0xcbf43926},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Value(tt.data); got != tt.want {
				t.Errorf("Value(%q) = 0x%08x, want 0x%08x", tt.data, got, tt.want)
			}
		})
	}
}

// TestCRC32Extend tests that Extend(Value(a), b) == Value(a+b).
func TestCRC32Extend(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := range 100 {
		a := make([]byte, rng.Intn(100))
		b := make([]byte, rng.Intn(100))
		rng.Read(a)
		rng.Read(b)

		whole := append(append([]byte{}, a...), b...)
		if got, want := Extend(Value(a), b), Value(whole); got != want {
			t.Fatalf("iteration %d: Extend = 0x%08x, want 0x%08x", i, got, want)
		}
	}
}

func TestVerify(t *testing.T) {
	data := []byte("plexkv record body")
	crc := Value(data)

	if got, ok := Verify(data, crc); !ok || got != crc {
		t.Errorf("Verify(valid) = (0x%08x, %v), want (0x%08x, true)", got, ok, crc)
	}

	data[0] ^= 0x01
	if _, ok := Verify(data, crc); ok {
		t.Error("Verify should fail after a bit flip")
	}
}

func TestKeyHashDeterministic(t *testing.T) {
	keys := []string{"", "a", "user:1", "a much longer key that spans more than one xxh3 stripe......"}
	for _, k := range keys {
		if KeyHash([]byte(k)) != KeyHashString(k) {
			t.Errorf("KeyHash and KeyHashString disagree for %q", k)
		}
		if KeyHashString(k) != KeyHashString(k) {
			t.Errorf("KeyHashString(%q) is not deterministic", k)
		}
		if SecondaryHash([]byte(k)) != SecondaryHashString(k) {
			t.Errorf("SecondaryHash and SecondaryHashString disagree for %q", k)
		}
	}
}

func TestHashesIndependent(t *testing.T) {
	same := 0
	for i := range 1000 {
		k := []byte{byte(i), byte(i >> 8), 'k'}
		if KeyHash(k) == SecondaryHash(k) {
			same++
		}
	}
	if same != 0 {
		t.Errorf("KeyHash equals SecondaryHash for %d keys", same)
	}
}

func TestKeyHashDistribution(t *testing.T) {
	const buckets = 8
	const n = 8000
	var counts [buckets]int
	for i := range n {
		k := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		counts[KeyHash(k)%buckets]++
	}
	for i, c := range counts {
		if c < n/buckets/2 || c > n/buckets*2 {
			t.Errorf("bucket %d has %d keys, expected around %d", i, c, n/buckets)
		}
	}
}
