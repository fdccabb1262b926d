package uart

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// blockedStream never delivers a byte; Read blocks until Close.
type blockedStream struct {
	closed chan struct{}
}

func newBlockedStream() *blockedStream {
	return &blockedStream{closed: make(chan struct{})}
}

func (s *blockedStream) Read(p []byte) (int, error) {
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *blockedStream) Write(p []byte) (int, error) {
	return len(p), nil
}

func (s *blockedStream) Close() error {
	close(s.closed)
	return nil
}

func TestRunUnblocksReadOnCancel(t *testing.T) {
	s := newBlockedStream()
	p := NewPort(s)
	p.Enable()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Let the loop park inside Stream.Read on the quiet line.
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("read loop still blocked after cancel")
	}
}

func TestRunUnblocksDisabledParkOnCancel(t *testing.T) {
	s := newBlockedStream()
	// Disabled port: the loop parks on the gate instead of reading.
	p := NewPort(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("read loop still parked after cancel")
	}
}
