// Package uart drives the raw byte link to the network co-processor:
// a bounded receive ring fed by a reader goroutine, with backpressure
// that pauses reception when the ring nears full.
package uart

import (
	"errors"
	"sync/atomic"
)

// ErrOverflow indicates a byte was pushed into a full ring.
var ErrOverflow = errors.New("rx ring overflow")

// DefaultRingSize is the receive ring capacity in bytes.
const DefaultRingSize = 128

// Ring is a single-producer single-consumer byte FIFO over a fixed
// buffer. Push is called by the reader goroutine only, Pop and Flush
// by the owning goroutine only. Indices advance monotonically; the
// size is rounded up to a power of two so wraparound is a mask.
type Ring struct {
	buf  []byte
	mask uint32
	head uint32 // producer-owned
	tail uint32 // consumer-owned
}

// NewRing creates a Ring with at least the requested size.
func NewRing(size int) *Ring {
	n := 1
	for n < size {
		n <<= 1
	}
	return &Ring{buf: make([]byte, n), mask: uint32(n - 1)}
}

// Size returns the ring capacity.
func (r *Ring) Size() int {
	return len(r.buf)
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	return int(atomic.LoadUint32(&r.head) - atomic.LoadUint32(&r.tail))
}

// Free returns the remaining space.
func (r *Ring) Free() int {
	return len(r.buf) - r.Len()
}

// threshold is the free-space watermark: reception pauses when free
// space drops to it, and resumes only at twice it.
func (r *Ring) threshold() int {
	return len(r.buf) / 10
}

// NearFull reports whether reception should pause.
func (r *Ring) NearFull() bool {
	return r.Free() <= r.threshold()
}

// Resumable reports whether enough space was drained to resume
// reception after a NearFull pause.
func (r *Ring) Resumable() bool {
	return r.Free() >= 2*r.threshold()
}

// Push appends one byte. Producer side only; never blocks.
func (r *Ring) Push(b byte) error {
	head := atomic.LoadUint32(&r.head)
	if head-atomic.LoadUint32(&r.tail) >= uint32(len(r.buf)) {
		return ErrOverflow
	}
	r.buf[head&r.mask] = b
	atomic.StoreUint32(&r.head, head+1)
	return nil
}

// Pop removes one byte. Consumer side only.
func (r *Ring) Pop() (byte, bool) {
	tail := atomic.LoadUint32(&r.tail)
	if atomic.LoadUint32(&r.head) == tail {
		return 0, false
	}
	b := r.buf[tail&r.mask]
	atomic.StoreUint32(&r.tail, tail+1)
	return b, true
}

// Flush discards all buffered bytes. Consumer side only.
func (r *Ring) Flush() {
	atomic.StoreUint32(&r.tail, atomic.LoadUint32(&r.head))
}
