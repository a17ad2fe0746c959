// Package argcodec implements the closed set of tracepoint argument types
// (spec §4.6), their fixed little-endian wire widths, and the printf
// directive cross-check that ties a catalog entry's format string to the
// argument types its call site actually supplies.
package argcodec

import "fmt"

// Type is one tag from the spec's closed argument-type set. The numeric
// values are part of the on-disk format: catalog.DynamicSource stores each
// argument type as this byte in the unique stack, so reordering the
// constants changes how existing trace files decode.
type Type uint8

const (
	U8 Type = iota
	I8
	U16
	I16
	U32
	I32
	U64
	I64
	U128
	I128
	F32
	F64
	String
	Dump
	Pointer
	Unknown
)

func (t Type) String() string {
	switch t {
	case U8:
		return "u8"
	case I8:
		return "i8"
	case U16:
		return "u16"
	case I16:
		return "i16"
	case U32:
		return "u32"
	case I32:
		return "i32"
	case U64:
		return "u64"
	case I64:
		return "i64"
	case U128:
		return "u128"
	case I128:
		return "i128"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case String:
		return "string"
	case Dump:
		return "dump"
	case Pointer:
		return "pointer"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("argcodec.Type(%d)", uint8(t))
	}
}

// FixedWidth returns the wire width, in bytes, of the kinds with a fixed
// little-endian encoding. It returns ok=false for the variable-length
// kinds (String, Dump), which are prefixed by a 4-byte length instead.
func (t Type) FixedWidth() (width int, ok bool) {
	switch t {
	case U8, I8:
		return 1, true
	case U16, I16:
		return 2, true
	case U32, I32:
		return 4, true
	case U64, I64:
		return 8, true
	case U128, I128:
		return 16, true
	case F32:
		return 4, true
	case F64:
		return 8, true
	case Pointer:
		return 8, true
	default:
		return 0, false
	}
}

// Variable reports whether t is one of the length-prefixed kinds.
func (t Type) Variable() bool {
	return t == String || t == Dump
}
