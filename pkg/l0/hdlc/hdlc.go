// Package hdlc implements the byte-stuffing framing used on the serial
// link to the network co-processor. Frames are delimited by a flag
// byte, reserved bytes are escaped, and a 16-bit frame check sequence
// trails the payload.
package hdlc

import (
	"errors"
)

const (
	flagByte byte = 0x7e
	escByte  byte = 0x7d
	escXOR   byte = 0x20

	fcsInit uint16 = 0xffff
	fcsGood uint16 = 0xf0b8

	// MaxFrameSize bounds the decoded payload plus frame check.
	MaxFrameSize = 1300
)

var (
	// ErrFrameCheck indicates the frame check sequence did not match.
	ErrFrameCheck = errors.New("frame check mismatch")
	// ErrFrameTooShort indicates a frame closed before carrying a
	// frame check sequence.
	ErrFrameTooShort = errors.New("frame too short")
	// ErrFrameTooLong indicates the frame exceeded MaxFrameSize.
	ErrFrameTooLong = errors.New("frame too long")
	// ErrBadEscape indicates an escape immediately followed by a flag.
	ErrBadEscape = errors.New("bad escape sequence")
)

var fcsTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		fcs := uint16(i)
		for b := 0; b < 8; b++ {
			if fcs&1 != 0 {
				fcs = (fcs >> 1) ^ 0x8408
			} else {
				fcs >>= 1
			}
		}
		fcsTable[i] = fcs
	}
}

func fcsUpdate(fcs uint16, b byte) uint16 {
	return (fcs >> 8) ^ fcsTable[byte(fcs)^b]
}

func needsEscape(b byte) bool {
	return b == flagByte || b == escByte
}

func appendEscaped(buf []byte, b byte) []byte {
	if needsEscape(b) {
		return append(buf, escByte, b^escXOR)
	}
	return append(buf, b)
}

// Encode builds the on-wire bytes for a payload, including both
// delimiting flags.
func Encode(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, flagByte)
	fcs := fcsInit
	for _, b := range payload {
		fcs = fcsUpdate(fcs, b)
		buf = appendEscaped(buf, b)
	}
	fcs ^= 0xffff
	buf = appendEscaped(buf, byte(fcs))
	buf = appendEscaped(buf, byte(fcs>>8))
	return append(buf, flagByte)
}

// Result is the outcome of feeding one byte to the Decoder.
type Result struct {
	// Frame holds a complete decoded payload. It borrows the decoder's
	// internal buffer and is valid until the next Decode call.
	Frame []byte
	// Err reports a framing error. Once set, the decoder is failed and
	// emits nothing until Reset.
	Err error
}

// Decoder reassembles frames from a byte stream, one byte at a time.
// A framing error is sticky: the stream can no longer be trusted and
// the owner must recover the link before calling Reset.
type Decoder struct {
	buf    [MaxFrameSize]byte
	n      int
	fcs    uint16
	esc    bool
	open   bool
	failed bool
}

// Failed reports whether a sticky framing error is pending.
func (d *Decoder) Failed() bool {
	return d.failed
}

// Receiving reports whether a partial frame is in progress.
func (d *Decoder) Receiving() bool {
	return d.open && (d.n > 0 || d.esc)
}

// Reset discards any partial frame and clears the sticky failure.
func (d *Decoder) Reset() {
	d.n, d.fcs, d.esc, d.open, d.failed = 0, fcsInit, false, false, false
}

// Decode consumes one byte.
func (d *Decoder) Decode(b byte) (r Result) {
	if d.failed {
		return
	}
	switch {
	case b == flagByte:
		if d.esc {
			return d.fail(ErrBadEscape)
		}
		if !d.open || d.n == 0 {
			// Delimiter between frames, or garbage skipped while
			// closed. Either way a new frame starts here.
			d.open, d.n, d.fcs = true, 0, fcsInit
			return
		}
		if d.n < 2 {
			return d.fail(ErrFrameTooShort)
		}
		if d.fcs != fcsGood {
			return d.fail(ErrFrameCheck)
		}
		r.Frame = d.buf[:d.n-2]
		d.n, d.fcs = 0, fcsInit
	case b == escByte:
		if d.esc {
			return d.fail(ErrBadEscape)
		}
		d.esc = true
	default:
		if d.esc {
			b ^= escXOR
			d.esc = false
		}
		if !d.open {
			// Garbage before the first delimiter.
			return
		}
		if d.n >= len(d.buf) {
			return d.fail(ErrFrameTooLong)
		}
		d.buf[d.n] = b
		d.n++
		d.fcs = fcsUpdate(d.fcs, b)
	}
	return
}

func (d *Decoder) fail(err error) Result {
	d.failed = true
	d.n, d.esc, d.open = 0, false, false
	return Result{Err: err}
}
