package ncp

import (
	"errors"
	"fmt"

	"github.com/robotalks/ncp.go/pkg/spinel"
)

var (
	// ErrTimeout indicates no matching reply arrived within the
	// deadline.
	ErrTimeout = errors.New("response timeout")
	// ErrInvalidState indicates the operation is not allowed in the
	// current module state.
	ErrInvalidState = errors.New("invalid state")
	// ErrLinkFailed indicates the framing layer detected corruption;
	// the link is unusable until recovery completes.
	ErrLinkFailed = errors.New("link framing failure")
	// ErrQueueFull indicates the outgoing packet queue is full and the
	// datagram was dropped.
	ErrQueueFull = errors.New("outgoing queue full")
	// ErrNoBufs indicates the message pool could not satisfy an
	// allocation within the wait budget; the datagram was dropped.
	ErrNoBufs = errors.New("out of message buffers")
)

// StatusError wraps a failure status reported by the NCP.
type StatusError struct {
	Status spinel.Status
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("ncp status %d", uint32(e.Status))
}
