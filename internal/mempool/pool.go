// Package mempool recycles the byte slices used to encode segment records.
//
// Buffers are grouped into size classes so a small record never pins a
// large buffer. Oversized requests bypass the pool.
package mempool

import "sync"

// SizeClasses are the buffer capacities the pool keeps.
var SizeClasses = [5]int{
	256,
	1024,
	4 * 1024,
	16 * 1024,
	64 * 1024,
}

// Pool hands out zero-length byte slices with at least a requested capacity.
type Pool struct {
	classes [len(SizeClasses)]sync.Pool
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.classes {
		size := SizeClasses[i]
		p.classes[i].New = func() any {
			buf := make([]byte, 0, size)
			return &buf
		}
	}
	return p
}

// Get returns a zero-length slice with capacity of at least n.
func (p *Pool) Get(n int) []byte {
	class := classFor(n)
	if class < 0 {
		return make([]byte, 0, n)
	}
	bufPtr, ok := p.classes[class].Get().(*[]byte)
	if !ok {
		return make([]byte, 0, SizeClasses[class])
	}
	return (*bufPtr)[:0]
}

// Put returns buf to the pool. Slices that grew past the largest class are
// dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	// A slice goes back to the largest class it can fully serve.
	class := -1
	for i, size := range SizeClasses {
		if cap(buf) >= size {
			class = i
		}
	}
	if class < 0 || cap(buf) > 2*SizeClasses[len(SizeClasses)-1] {
		return
	}
	buf = buf[:0]
	p.classes[class].Put(&buf)
}

func classFor(n int) int {
	for i, size := range SizeClasses {
		if n <= size {
			return i
		}
	}
	return -1
}
