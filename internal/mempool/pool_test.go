package mempool

import "testing"

func TestPool_GetCapacity(t *testing.T) {
	pool := NewPool()

	for _, size := range []int{0, 100, 500, 2000, 10000, 50000, 1 << 20} {
		buf := pool.Get(size)
		if cap(buf) < size {
			t.Errorf("Get(%d): cap = %d, want >= %d", size, cap(buf), size)
		}
		if len(buf) != 0 {
			t.Errorf("Get(%d): len = %d, want 0", size, len(buf))
		}
		pool.Put(buf)
	}
}

func TestPool_ReusedBufferIsEmpty(t *testing.T) {
	pool := NewPool()

	buf := pool.Get(1000)
	buf = append(buf, make([]byte, 700)...)
	pool.Put(buf)

	for range 10 {
		got := pool.Get(800)
		if len(got) != 0 || cap(got) < 800 {
			t.Fatalf("Get(800) = len %d cap %d", len(got), cap(got))
		}
		pool.Put(got)
	}
}

func TestPool_PutOddSizes(t *testing.T) {
	pool := NewPool()

	// None of these may panic or poison a class.
	pool.Put(nil)
	pool.Put(make([]byte, 0, 10))
	pool.Put(make([]byte, 0, 300))
	pool.Put(make([]byte, 0, 1<<20))

	if buf := pool.Get(256); cap(buf) < 256 {
		t.Errorf("Get(256): cap = %d", cap(buf))
	}
	if buf := pool.Get(1024); cap(buf) < 1024 {
		t.Errorf("Get(1024): cap = %d", cap(buf))
	}
}

func BenchmarkPoolGet(b *testing.B) {
	pool := NewPool()
	for b.Loop() {
		buf := pool.Get(1024)
		pool.Put(buf)
	}
}

func BenchmarkPoolGetParallel(b *testing.B) {
	pool := NewPool()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := pool.Get(1024)
			pool.Put(buf)
		}
	})
}
