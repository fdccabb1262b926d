package spinel

import (
	"encoding/binary"
	"fmt"
)

// Format characters understood by Pack and Unpack:
//
//	C  uint8
//	S  uint16, little endian
//	L  uint32, little endian
//	i  packed unsigned int (7 bits per byte, msb continues)
//	b  bool, one byte
//	U  utf-8 string, nul terminated
//	d  data block prefixed by uint16 length
//	D  data block extending to the end of input
//	E  EUI-64, 8 bytes
//	6  IPv6 address, 16 bytes
//	t  struct blob prefixed by uint16 length
const maxPackedUint = 1<<28 - 1

// PackUint appends v in packed form to buf.
func PackUint(buf []byte, v uint32) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// UnpackUint decodes a packed unsigned int, returning the value and the
// number of bytes consumed.
func UnpackUint(data []byte) (uint32, int, error) {
	var v uint32
	for n := 0; n < len(data); n++ {
		b := data[n]
		v |= uint32(b&0x7f) << uint(7*n)
		if b&0x80 == 0 {
			if v > maxPackedUint {
				return 0, 0, fmt.Errorf("packed uint overflow")
			}
			return v, n + 1, nil
		}
		if 7*(n+1) >= 32 {
			return 0, 0, fmt.Errorf("packed uint overflow")
		}
	}
	return 0, 0, fmt.Errorf("packed uint truncated")
}

func uintArg(arg interface{}) (uint32, bool) {
	switch v := arg.(type) {
	case int:
		return uint32(v), true
	case uint:
		return uint32(v), true
	case byte:
		return uint32(v), true
	case uint16:
		return uint32(v), true
	case uint32:
		return v, true
	case TID:
		return uint32(v), true
	case Command:
		return uint32(v), true
	case Prop:
		return uint32(v), true
	case Status:
		return uint32(v), true
	case NetRole:
		return uint32(v), true
	}
	return 0, false
}

func bytesArg(arg interface{}) ([]byte, bool) {
	switch v := arg.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

// Pack encodes args following the format string.
func Pack(format string, args ...interface{}) ([]byte, error) {
	buf := make([]byte, 0, 16+len(format))
	for i, f := range []byte(format) {
		if i >= len(args) {
			return nil, fmt.Errorf("pack %q: missing argument %d", format, i)
		}
		arg := args[i]
		switch f {
		case 'C':
			v, ok := uintArg(arg)
			if !ok || v > 0xff {
				return nil, packErr(format, i, arg)
			}
			buf = append(buf, byte(v))
		case 'S':
			v, ok := uintArg(arg)
			if !ok || v > 0xffff {
				return nil, packErr(format, i, arg)
			}
			buf = append(buf, byte(v), byte(v>>8))
		case 'L':
			v, ok := uintArg(arg)
			if !ok {
				return nil, packErr(format, i, arg)
			}
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], v)
			buf = append(buf, b[:]...)
		case 'i':
			v, ok := uintArg(arg)
			if !ok || v > maxPackedUint {
				return nil, packErr(format, i, arg)
			}
			buf = PackUint(buf, v)
		case 'b':
			v, ok := arg.(bool)
			if !ok {
				return nil, packErr(format, i, arg)
			}
			if v {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case 'U':
			v, ok := bytesArg(arg)
			if !ok {
				return nil, packErr(format, i, arg)
			}
			buf = append(buf, v...)
			buf = append(buf, 0)
		case 'd', 't':
			v, ok := bytesArg(arg)
			if !ok || len(v) > 0xffff {
				return nil, packErr(format, i, arg)
			}
			buf = append(buf, byte(len(v)), byte(len(v)>>8))
			buf = append(buf, v...)
		case 'D':
			v, ok := bytesArg(arg)
			if !ok {
				return nil, packErr(format, i, arg)
			}
			buf = append(buf, v...)
		case 'E':
			v, ok := bytesArg(arg)
			if !ok || len(v) != 8 {
				return nil, packErr(format, i, arg)
			}
			buf = append(buf, v...)
		case '6':
			v, ok := bytesArg(arg)
			if !ok || len(v) != 16 {
				return nil, packErr(format, i, arg)
			}
			buf = append(buf, v...)
		default:
			return nil, fmt.Errorf("pack %q: unknown format char %q", format, f)
		}
	}
	return buf, nil
}

func packErr(format string, i int, arg interface{}) error {
	return fmt.Errorf("pack %q: bad argument %d (%T)", format, i, arg)
}

// Unpack decodes data following the format string. Decoded values are
// returned in order: byte for C, uint16 for S, uint32 for L and i, bool
// for b, string for U, []byte for d, D, t, E and 6. Bytes past the
// format are ignored.
func Unpack(format string, data []byte) ([]interface{}, error) {
	vals := make([]interface{}, 0, len(format))
	for _, f := range []byte(format) {
		switch f {
		case 'C':
			if len(data) < 1 {
				return nil, unpackErr(format, f)
			}
			vals, data = append(vals, data[0]), data[1:]
		case 'S':
			if len(data) < 2 {
				return nil, unpackErr(format, f)
			}
			vals, data = append(vals, binary.LittleEndian.Uint16(data)), data[2:]
		case 'L':
			if len(data) < 4 {
				return nil, unpackErr(format, f)
			}
			vals, data = append(vals, binary.LittleEndian.Uint32(data)), data[4:]
		case 'i':
			v, n, err := UnpackUint(data)
			if err != nil {
				return nil, err
			}
			vals, data = append(vals, v), data[n:]
		case 'b':
			if len(data) < 1 {
				return nil, unpackErr(format, f)
			}
			vals, data = append(vals, data[0] != 0), data[1:]
		case 'U':
			n := 0
			for ; n < len(data) && data[n] != 0; n++ {
			}
			if n == len(data) {
				return nil, unpackErr(format, f)
			}
			vals, data = append(vals, string(data[:n])), data[n+1:]
		case 'd', 't':
			if len(data) < 2 {
				return nil, unpackErr(format, f)
			}
			n := int(binary.LittleEndian.Uint16(data))
			if len(data) < 2+n {
				return nil, unpackErr(format, f)
			}
			vals, data = append(vals, data[2:2+n]), data[2+n:]
		case 'D':
			vals, data = append(vals, data), nil
		case 'E':
			if len(data) < 8 {
				return nil, unpackErr(format, f)
			}
			vals, data = append(vals, data[:8]), data[8:]
		case '6':
			if len(data) < 16 {
				return nil, unpackErr(format, f)
			}
			vals, data = append(vals, data[:16]), data[16:]
		default:
			return nil, fmt.Errorf("unpack %q: unknown format char %q", format, f)
		}
	}
	return vals, nil
}

func unpackErr(format string, f byte) error {
	return fmt.Errorf("unpack %q: truncated input at %q", format, f)
}
