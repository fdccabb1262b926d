package ncp

import (
	"encoding/binary"
	"sync"
	"time"
)

// The message pool is a variable-length allocator carved out of one
// fixed backing array, holding outbound datagrams awaiting
// transmission. Allocations grow from head; an allocation that does
// not fit before the physical end wraps to the start, recording the
// unused tail segment (the end gap) so the tail cursor skips it later.
// At most one gap exists at a time. A message may be freed only while
// it is the oldest or the newest live allocation.

const (
	msgHeaderSize = 8
	msgAlign      = 4
	msgMagic      = 0x6d657367

	// DefaultPoolSize is the backing array size in bytes.
	DefaultPoolSize = 2048
	// DefaultAllocTimeout bounds the wait for free space.
	DefaultAllocTimeout = 2000 * time.Millisecond
)

const (
	msgFlagSecure = 1 << 0
	msgFlagLegacy = 1 << 1
)

// Message is one allocation in the pool: a payload span plus an
// append cursor and a sequential read cursor.
type Message struct {
	pool   *MsgPool
	start  int
	cap    int
	length int
	offset int
	flags  uint32
}

// MsgPool allocates messages out of a fixed backing array.
type MsgPool struct {
	Timeout time.Duration

	buf    []byte
	head   int
	tail   int
	endGap int
	waiter bool
	freeCh chan struct{}
	lock   sync.Mutex
}

// NewMsgPool creates a pool with the given backing size.
func NewMsgPool(size int) *MsgPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &MsgPool{
		Timeout: DefaultAllocTimeout,
		buf:     make([]byte, size),
		endGap:  -1,
		freeCh:  make(chan struct{}, 1),
	}
}

func alignUp(n int) int {
	return (n + msgAlign - 1) &^ (msgAlign - 1)
}

// Alloc claims a message able to hold size payload bytes. When no
// contiguous span is available it waits, up to the pool timeout, for a
// free-space notification; on expiry it fails with ErrNoBufs.
func (p *MsgPool) Alloc(secure, legacy bool, size int) (*Message, error) {
	total := alignUp(msgHeaderSize + size)
	if total > len(p.buf) {
		return nil, ErrNoBufs
	}
	var flags uint32
	if secure {
		flags |= msgFlagSecure
	}
	if legacy {
		flags |= msgFlagLegacy
	}
	deadline := time.Now().Add(p.Timeout)
	for {
		p.lock.Lock()
		start, ok := p.claim(total)
		if ok {
			binary.LittleEndian.PutUint32(p.buf[start:], uint32(total))
			binary.LittleEndian.PutUint32(p.buf[start+4:], msgMagic)
			p.lock.Unlock()
			return &Message{
				pool:  p,
				start: start,
				cap:   total - msgHeaderSize,
				flags: flags,
			}, nil
		}
		p.waiter = true
		p.lock.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrNoBufs
		}
		select {
		case <-p.freeCh:
		case <-time.After(wait):
			return nil, ErrNoBufs
		}
	}
}

// claim finds a span of total bytes, wrapping and recording the end
// gap when needed. Caller holds the lock.
func (p *MsgPool) claim(total int) (int, bool) {
	if p.head >= p.tail {
		if len(p.buf)-p.head >= total {
			start := p.head
			p.head += total
			return start, true
		}
		// Strictly less: head may never meet tail from behind, since
		// head == tail means empty.
		if p.endGap < 0 && total < p.tail {
			p.endGap = p.head
			p.head = total
			return 0, true
		}
		return 0, false
	}
	if total < p.tail-p.head {
		start := p.head
		p.head += total
		return start, true
	}
	return 0, false
}

// free releases a message. Only the oldest or the newest live
// allocation may be freed; anything else is a logic error and panics.
func (p *MsgPool) free(m *Message) {
	total := alignUp(msgHeaderSize + m.cap)
	p.lock.Lock()
	if binary.LittleEndian.Uint32(p.buf[m.start+4:]) != msgMagic ||
		binary.LittleEndian.Uint32(p.buf[m.start:]) != uint32(total) {
		p.lock.Unlock()
		panic("ncp: message already freed or corrupted")
	}
	binary.LittleEndian.PutUint32(p.buf[m.start+4:], 0)
	switch {
	case m.start == p.tail:
		p.tail += total
		if p.endGap >= 0 && p.tail == p.endGap {
			p.tail = 0
			p.endGap = -1
		}
	case m.start+total == p.head:
		p.head -= total
		if p.head == 0 && p.endGap >= 0 {
			p.head = p.endGap
			p.endGap = -1
		}
	default:
		p.lock.Unlock()
		panic("ncp: message freed out of order")
	}
	if p.head == p.tail {
		p.head, p.tail, p.endGap = 0, 0, -1
	}
	notify := p.waiter
	p.waiter = false
	p.lock.Unlock()
	if notify {
		select {
		case p.freeCh <- struct{}{}:
		default:
		}
	}
}

// Empty reports whether the pool is fully reclaimed.
func (p *MsgPool) Empty() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.head == p.tail
}

// Secure reports whether the message must go out on the secure stream.
func (m *Message) Secure() bool {
	return m.flags&msgFlagSecure != 0
}

// Legacy reports whether the message targets the legacy interface.
func (m *Message) Legacy() bool {
	return m.flags&msgFlagLegacy != 0
}

// Len returns the number of appended bytes.
func (m *Message) Len() int {
	return m.length
}

func (m *Message) payload() []byte {
	base := m.start + msgHeaderSize
	return m.pool.buf[base : base+m.length]
}

// Append copies bytes into the message.
func (m *Message) Append(b []byte) error {
	if m.length+len(b) > m.cap {
		return ErrNoBufs
	}
	base := m.start + msgHeaderSize
	copy(m.pool.buf[base+m.length:], b)
	m.length += len(b)
	return nil
}

// Read consumes bytes sequentially from the read cursor.
func (m *Message) Read(b []byte) int {
	n := copy(b, m.payload()[m.offset:])
	m.offset += n
	return n
}

// ResetOffset rewinds the read cursor for another pass.
func (m *Message) ResetOffset() {
	m.offset = 0
}

// Free returns the message to the pool.
func (m *Message) Free() {
	m.pool.free(m)
}
