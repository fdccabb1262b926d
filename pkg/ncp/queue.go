package ncp

import (
	"sync"
)

// DefaultQueueDepth is the outgoing packet queue capacity.
const DefaultQueueDepth = 8

// PacketQueue is a fixed circular queue of messages awaiting
// transmission. A nil slot marks free space: enqueue fails when the
// head slot is occupied, dequeue returns nil when the tail slot is
// empty.
type PacketQueue struct {
	slots []*Message
	head  int
	tail  int
	lock  sync.Mutex
}

// NewPacketQueue creates a queue with the given depth.
func NewPacketQueue(depth int) *PacketQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &PacketQueue{slots: make([]*Message, depth)}
}

// Enqueue appends a message, failing with ErrQueueFull when no slot is
// free. Existing entries are never disturbed.
func (q *PacketQueue) Enqueue(m *Message) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.slots[q.head] != nil {
		return ErrQueueFull
	}
	q.slots[q.head] = m
	q.head = (q.head + 1) % len(q.slots)
	return nil
}

// Dequeue removes the oldest message, or returns nil when empty.
func (q *PacketQueue) Dequeue() *Message {
	q.lock.Lock()
	defer q.lock.Unlock()
	m := q.slots[q.tail]
	if m == nil {
		return nil
	}
	q.slots[q.tail] = nil
	q.tail = (q.tail + 1) % len(q.slots)
	return m
}

// Empty reports whether no messages are queued.
func (q *PacketQueue) Empty() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.slots[q.tail] == nil
}
