package argcodec

import (
	"fmt"
	"strings"
	"sync"
)

// Directives is the one-time-computed cross-check result for a catalog
// entry: the types the format string's own `%` conversions imply, the
// types the call site actually captured, and whether they disagreed.
//
// Spec §4.6: "the tuple (format-derived types, caller types, flex flag) is
// computed once per catalog entry and cached." On a mismatch the
// format-derived types win, mirroring the C varargs reality that the
// format string is the only reliable source of argument width at a vararg
// call site.
type Directives struct {
	FormatTypes []Type
	CallerTypes []Type
	Flex        bool
}

// EffectiveTypes returns the types the decoder should use to parse
// argument bytes: the caller's own types unless Flex is set, in which case
// the format string's types win.
func (d Directives) EffectiveTypes() []Type {
	if d.Flex {
		return d.FormatTypes
	}
	return d.CallerTypes
}

var directiveCache sync.Map // cacheKey -> Directives

type cacheKey struct {
	format string
	caller string
}

// Resolve returns the cached Directives for (format, callerTypes),
// computing and storing them on first use.
func Resolve(format string, callerTypes []Type) Directives {
	key := cacheKey{format: format, caller: typesKey(callerTypes)}
	if v, ok := directiveCache.Load(key); ok {
		return v.(Directives)
	}

	formatTypes := ParseFormat(format)
	d := Directives{
		FormatTypes: formatTypes,
		CallerTypes: callerTypes,
		Flex:        !typesEqual(formatTypes, callerTypes),
	}
	directiveCache.Store(key, d)
	return d
}

func typesKey(types []Type) string {
	var b strings.Builder
	for i, t := range types {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", uint8(t))
	}
	return b.String()
}

func typesEqual(a, b []Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ParseFormat scans a printf-style format string and returns the argument
// type each non-literal `%` conversion implies, in order. `%%` is a literal
// percent and consumes no argument.
func ParseFormat(format string) []Type {
	var types []Type
	runes := []rune(format)

	for i := 0; i < len(runes); i++ {
		if runes[i] != '%' {
			continue
		}
		i++
		if i >= len(runes) {
			break
		}
		if runes[i] == '%' {
			continue
		}

		// Skip flags, width, precision.
		for i < len(runes) && strings.ContainsRune("-+ #0123456789.*", runes[i]) {
			i++
		}
		if i >= len(runes) {
			break
		}

		length := ""
		for i < len(runes) && strings.ContainsRune("hlLqjzt", runes[i]) {
			length += string(runes[i])
			i++
		}
		if i >= len(runes) {
			break
		}

		types = append(types, conversionType(runes[i], length))
	}

	return types
}

func conversionType(conv rune, length string) Type {
	switch conv {
	case 'd', 'i':
		return lengthedInt(length, true)
	case 'u', 'o', 'x', 'X':
		return lengthedInt(length, false)
	case 'c':
		return I8
	case 's':
		return String
	case 'p':
		return Pointer
	case 'f', 'F', 'e', 'E', 'g', 'G':
		if length == "l" || length == "L" {
			return F64
		}
		return F64
	default:
		return Unknown
	}
}

func lengthedInt(length string, signed bool) Type {
	switch length {
	case "hh":
		if signed {
			return I8
		}
		return U8
	case "h":
		if signed {
			return I16
		}
		return U16
	case "l", "z", "t":
		if signed {
			return I64
		}
		return U64
	case "ll", "q", "j":
		if signed {
			return I64
		}
		return U64
	default:
		if signed {
			return I32
		}
		return U32
	}
}
