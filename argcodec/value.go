package argcodec

import "math"

// Value is one decoded or about-to-be-encoded tracepoint argument. Only the
// fields relevant to Type are meaningful; callers use the constructors
// below rather than populating a Value directly.
type Value struct {
	Type Type

	lo uint64 // integers up to 64 bits, pointer, bit pattern of f32/f64
	hi uint64 // high 64 bits of u128/i128

	bytes []byte // payload for String (without the trailing NUL) and Dump
}

func U8Value(v uint8) Value   { return Value{Type: U8, lo: uint64(v)} }
func I8Value(v int8) Value    { return Value{Type: I8, lo: uint64(uint8(v))} }
func U16Value(v uint16) Value { return Value{Type: U16, lo: uint64(v)} }
func I16Value(v int16) Value  { return Value{Type: I16, lo: uint64(uint16(v))} }
func U32Value(v uint32) Value { return Value{Type: U32, lo: uint64(v)} }
func I32Value(v int32) Value  { return Value{Type: I32, lo: uint64(uint32(v))} }
func U64Value(v uint64) Value { return Value{Type: U64, lo: v} }
func I64Value(v int64) Value  { return Value{Type: I64, lo: uint64(v)} }

// U128Value and I128Value take the value as low/high 64-bit halves,
// little-endian (lo is the least-significant half).
func U128Value(lo, hi uint64) Value { return Value{Type: U128, lo: lo, hi: hi} }
func I128Value(lo, hi uint64) Value { return Value{Type: I128, lo: lo, hi: hi} }

func F32Value(v float32) Value { return Value{Type: F32, lo: uint64(math.Float32bits(v))} }
func F64Value(v float64) Value { return Value{Type: F64, lo: math.Float64bits(v)} }

func PointerValue(p uint64) Value { return Value{Type: Pointer, lo: p} }

// StringValue holds s without its wire-format NUL terminator; EncodedSize
// and Encode add it. A Go nil/empty string still encodes length=1, "\0".
func StringValue(s string) Value { return Value{Type: String, bytes: []byte(s)} }

// NullStringValue is the spec's explicit representation of a NULL C string:
// length=5, bytes="null\0".
func NullStringValue() Value { return Value{Type: String, bytes: []byte("null"), lo: 1} }

func DumpValue(payload []byte) Value { return Value{Type: Dump, bytes: payload} }

func (v Value) isNullString() bool { return v.Type == String && v.lo == 1 }

// AsUint64 returns the low 64 bits of an integer or pointer value: the
// bit pattern of the kind's width, zero-extended (signed kinds are not
// sign-extended, so I8Value(-5) reads back as 251).
func (v Value) AsUint64() uint64 { return v.lo }

// AsUint128 returns the low and high 64-bit halves of a u128/i128 value.
func (v Value) AsUint128() (lo, hi uint64) { return v.lo, v.hi }

func (v Value) AsFloat32() float32 { return math.Float32frombits(uint32(v.lo)) }
func (v Value) AsFloat64() float64 { return math.Float64frombits(v.lo) }

// AsBytes returns the raw payload for String (without its NUL terminator)
// and Dump values.
func (v Value) AsBytes() []byte { return v.bytes }

// EncodedSize returns the number of bytes Encode writes for v, per spec
// §4.5/§4.6: "size of strings = length+1 including terminator; size of
// dump = payload length + 4-byte length header."
func (v Value) EncodedSize() int {
	if w, ok := v.Type.FixedWidth(); ok {
		return w
	}
	switch v.Type {
	case String:
		if v.isNullString() {
			return 4 + 5
		}
		return 4 + len(v.bytes) + 1
	case Dump:
		return 4 + len(v.bytes)
	default:
		return 0
	}
}

// Truncated returns a copy of v whose variable-length payload is cut down
// so EncodedSize fits within maxWire bytes. It is a no-op for fixed-width
// kinds and for values that already fit. The result can still exceed
// maxWire: for maxWire below 4 v is returned unchanged, and a String cut
// to maxWire 4 becomes the empty string, whose encoding takes 5 bytes.
// Used by the emit path's
// truncate-from-the-right rule (spec §4.5 point 4).
func (v Value) Truncated(maxWire int) Value {
	if !v.Type.Variable() || v.EncodedSize() <= maxWire || maxWire < 4 {
		return v
	}
	keep := maxWire - 4
	switch v.Type {
	case String:
		if keep <= 0 {
			return Value{Type: String, bytes: nil}
		}
		return Value{Type: String, bytes: append([]byte(nil), v.bytes[:min(keep-1, len(v.bytes))]...)}
	case Dump:
		if keep < 0 {
			keep = 0
		}
		return Value{Type: Dump, bytes: append([]byte(nil), v.bytes[:min(keep, len(v.bytes))]...)}
	default:
		return v
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
