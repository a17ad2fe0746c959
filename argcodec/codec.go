package argcodec

import (
	"encoding/binary"
	"fmt"
)

// Encode writes v's wire representation to dst, which must be at least
// v.EncodedSize() bytes, and returns the number of bytes written.
func Encode(dst []byte, v Value) (int, error) {
	n := v.EncodedSize()
	if len(dst) < n {
		return 0, fmt.Errorf("argcodec: dst of %d bytes too small for %s value of %d bytes", len(dst), v.Type, n)
	}

	if w, ok := v.Type.FixedWidth(); ok {
		switch w {
		case 1:
			dst[0] = byte(v.lo)
		case 2:
			binary.LittleEndian.PutUint16(dst, uint16(v.lo))
		case 4:
			binary.LittleEndian.PutUint32(dst, uint32(v.lo))
		case 8:
			binary.LittleEndian.PutUint64(dst, v.lo)
		case 16:
			binary.LittleEndian.PutUint64(dst[0:8], v.lo)
			binary.LittleEndian.PutUint64(dst[8:16], v.hi)
		}
		return w, nil
	}

	switch v.Type {
	case String:
		if v.isNullString() {
			binary.LittleEndian.PutUint32(dst, 5)
			copy(dst[4:], "null\x00")
			return 9, nil
		}
		length := uint32(len(v.bytes) + 1)
		binary.LittleEndian.PutUint32(dst, length)
		copy(dst[4:], v.bytes)
		dst[4+len(v.bytes)] = 0
		return n, nil
	case Dump:
		binary.LittleEndian.PutUint32(dst, uint32(len(v.bytes)))
		copy(dst[4:], v.bytes)
		return n, nil
	default:
		return 0, fmt.Errorf("argcodec: cannot encode %s", v.Type)
	}
}

// Decode reads one value of kind t from the front of src, returning the
// value and the number of bytes consumed.
func Decode(src []byte, t Type) (Value, int, error) {
	if w, ok := t.FixedWidth(); ok {
		if len(src) < w {
			return Value{}, 0, fmt.Errorf("argcodec: truncated %s argument (need %d, have %d)", t, w, len(src))
		}
		switch w {
		case 1:
			return Value{Type: t, lo: uint64(src[0])}, 1, nil
		case 2:
			return Value{Type: t, lo: uint64(binary.LittleEndian.Uint16(src))}, 2, nil
		case 4:
			return Value{Type: t, lo: uint64(binary.LittleEndian.Uint32(src))}, 4, nil
		case 8:
			return Value{Type: t, lo: binary.LittleEndian.Uint64(src)}, 8, nil
		case 16:
			return Value{Type: t, lo: binary.LittleEndian.Uint64(src[0:8]), hi: binary.LittleEndian.Uint64(src[8:16])}, 16, nil
		}
	}

	switch t {
	case String, Dump:
		if len(src) < 4 {
			return Value{}, 0, fmt.Errorf("argcodec: truncated %s length prefix", t)
		}
		length := binary.LittleEndian.Uint32(src)
		total := 4 + int(length)
		if len(src) < total {
			return Value{}, 0, fmt.Errorf("argcodec: truncated %s payload (need %d, have %d)", t, total, len(src))
		}
		payload := src[4:total]
		if t == String {
			if length == 0 {
				return Value{}, 0, fmt.Errorf("argcodec: zero-length string is missing its terminator")
			}
			return Value{Type: String, bytes: append([]byte(nil), payload[:length-1]...)}, total, nil
		}
		return Value{Type: Dump, bytes: append([]byte(nil), payload...)}, total, nil
	}

	return Value{}, 0, fmt.Errorf("argcodec: cannot decode %s", t)
}
