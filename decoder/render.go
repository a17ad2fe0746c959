package decoder

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/clltk/tracekit/argcodec"
	"github.com/clltk/tracekit/catalog"
)

// render turns entry's format/label plus its decoded arguments into the
// human-readable message stored on an Event, per spec §4.7.
func render(entry catalog.Entry, args []argcodec.Value) string {
	if entry.Kind == catalog.DumpKind {
		return renderDump(entry.FormatOrLabel, args)
	}
	return renderPrintf(entry.FormatOrLabel, args)
}

func renderDump(label string, args []argcodec.Value) string {
	if len(args) == 0 {
		return label
	}
	return fmt.Sprintf("%s: %s", label, hex.EncodeToString(args[0].AsBytes()))
}

func renderPrintf(format string, args []argcodec.Value) string {
	converted := make([]any, len(args))
	for i, a := range args {
		converted[i] = toInterface(a)
	}
	return fmt.Sprintf(translateFormat(format), converted...)
}

func toInterface(v argcodec.Value) any {
	switch v.Type {
	case argcodec.U8:
		return uint8(v.AsUint64())
	case argcodec.I8:
		return int8(v.AsUint64())
	case argcodec.U16:
		return uint16(v.AsUint64())
	case argcodec.I16:
		return int16(v.AsUint64())
	case argcodec.U32:
		return uint32(v.AsUint64())
	case argcodec.I32:
		return int32(v.AsUint64())
	case argcodec.U64:
		return v.AsUint64()
	case argcodec.I64:
		return int64(v.AsUint64())
	case argcodec.U128:
		lo, hi := v.AsUint128()
		return u128ToBig(lo, hi)
	case argcodec.I128:
		lo, hi := v.AsUint128()
		return i128ToBig(lo, hi)
	case argcodec.F32:
		return v.AsFloat32()
	case argcodec.F64:
		return v.AsFloat64()
	case argcodec.String:
		return string(v.AsBytes())
	case argcodec.Dump:
		return hex.EncodeToString(v.AsBytes())
	case argcodec.Pointer:
		return fmt.Sprintf("0x%x", v.AsUint64())
	default:
		return fmt.Sprintf("<%s>", v.Type)
	}
}

func u128ToBig(lo, hi uint64) *big.Int {
	v := new(big.Int).SetUint64(hi)
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(lo))
	return v
}

// i128ToBig interprets (lo, hi) as a two's-complement 128-bit signed value.
func i128ToBig(lo, hi uint64) *big.Int {
	v := u128ToBig(lo, hi)
	if hi&(1<<63) != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), 128)
		v.Sub(v, mod)
	}
	return v
}

// translateFormat rewrites a printf-style format string into one fmt.Sprintf
// accepts: C length modifiers (h, hh, l, ll, L, q, j, z, t) have no Go
// equivalent and are dropped, and 'u'/'i' map onto Go's single '%d'.
func translateFormat(format string) string {
	var b strings.Builder
	runes := []rune(format)

	for i := 0; i < len(runes); i++ {
		if runes[i] != '%' {
			b.WriteRune(runes[i])
			continue
		}
		b.WriteRune('%')
		i++
		if i >= len(runes) {
			break
		}
		if runes[i] == '%' {
			b.WriteRune('%')
			continue
		}

		for i < len(runes) && strings.ContainsRune("-+ #0123456789.*", runes[i]) {
			b.WriteRune(runes[i])
			i++
		}
		if i >= len(runes) {
			break
		}
		for i < len(runes) && strings.ContainsRune("hlLqjzt", runes[i]) {
			i++
		}
		if i >= len(runes) {
			break
		}
		b.WriteRune(goVerb(runes[i]))
	}

	return b.String()
}

func goVerb(c rune) rune {
	switch c {
	case 'u', 'i':
		return 'd'
	case 'p':
		// toInterface already renders Pointer values to a "0x…" string, so
		// the Go verb that prints them is 's', not 'p'.
		return 's'
	case 'd', 's', 'x', 'X', 'f', 'F', 'e', 'E', 'g', 'G', 'c', 'o':
		return c
	default:
		return 'v'
	}
}
