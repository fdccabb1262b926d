package ncp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueBackpressure(t *testing.T) {
	p := NewMsgPool(4096)
	q := NewPacketQueue(4)

	require.Nil(t, q.Dequeue())
	require.True(t, q.Empty())

	var msgs []*Message
	for i := 0; i < 4; i++ {
		m, err := p.Alloc(false, false, 8)
		require.NoError(t, err)
		require.NoError(t, m.Append([]byte{byte(i)}))
		require.NoError(t, q.Enqueue(m))
		msgs = append(msgs, m)
	}

	extra, err := p.Alloc(false, false, 8)
	require.NoError(t, err)
	require.Equal(t, ErrQueueFull, q.Enqueue(extra))

	// Existing entries are untouched and come out in order.
	for i := 0; i < 4; i++ {
		m := q.Dequeue()
		require.Equal(t, msgs[i], m)
		out := make([]byte, 1)
		require.Equal(t, 1, m.Read(out))
		require.Equal(t, byte(i), out[0])
	}
	require.Nil(t, q.Dequeue())
}

func TestQueueWrap(t *testing.T) {
	p := NewMsgPool(4096)
	q := NewPacketQueue(2)
	for i := 0; i < 7; i++ {
		m, err := p.Alloc(false, false, 8)
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(m))
		require.Equal(t, m, q.Dequeue())
		m.Free()
	}
	require.True(t, q.Empty())
	require.True(t, p.Empty())
}
