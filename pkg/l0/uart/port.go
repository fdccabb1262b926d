package uart

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/robotalks/ncp.go/pkg/framework"
)

// Port pumps bytes from a serial stream into the receive ring and
// posts a deduplicated wake for the owning goroutine. It implements
// framework.Runnable.
type Port struct {
	Stream io.ReadWriter
	Ring   *Ring
	RxWake *framework.Signal

	enabled int32
	gate    chan struct{}
}

// NewPort creates a Port over a stream. The port starts disabled;
// call Enable before expecting bytes.
func NewPort(stream io.ReadWriter) *Port {
	return &Port{
		Stream: stream,
		Ring:   NewRing(DefaultRingSize),
		RxWake: framework.NewSignal(),
		gate:   make(chan struct{}, 1),
	}
}

// Enabled reports whether reception is enabled.
func (p *Port) Enabled() bool {
	return atomic.LoadInt32(&p.enabled) != 0
}

// Enable turns reception on, discarding anything buffered while the
// line was down.
func (p *Port) Enable() {
	p.Ring.Flush()
	atomic.StoreInt32(&p.enabled, 1)
	p.release()
}

// Disable turns reception off and discards buffered bytes.
func (p *Port) Disable() {
	atomic.StoreInt32(&p.enabled, 0)
	p.Ring.Flush()
}

// Resume is called by the consumer after draining; it releases the
// read loop if it paused on backpressure and enough space is free.
func (p *Port) Resume() {
	if p.Enabled() && p.Ring.Resumable() {
		p.release()
	}
}

func (p *Port) release() {
	select {
	case p.gate <- struct{}{}:
	default:
	}
}

// Write sends bytes down the line.
func (p *Port) Write(b []byte) (int, error) {
	return p.Stream.Write(b)
}

// Run reads the stream one byte at a time. It parks while the port is
// disabled or the ring is near full; this is the sole backpressure
// protecting against unbounded decode latency. On cancel the stream is
// closed to unblock a read in progress.
func (p *Port) Run(ctx context.Context) error {
	return framework.RunWithContextCancel(ctx, p.closeStream, func() error {
		return p.readLoop(ctx)
	})
}

func (p *Port) closeStream() {
	if closer, ok := p.Stream.(io.Closer); ok {
		closer.Close()
	}
}

func (p *Port) readLoop(ctx context.Context) error {
	buf := make([]byte, 1)
	for {
		if !p.Enabled() || p.Ring.NearFull() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.gate:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := p.Stream.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if !p.Enabled() {
			continue
		}
		if err = p.Ring.Push(buf[0]); err != nil {
			glog.Warningf("uart: %v, byte dropped", err)
		}
		p.RxWake.Post()
	}
}
