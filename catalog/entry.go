// Package catalog implements the metadata catalog (spec §4.4): per-
// tracepoint compile-time metadata describing how to decode and render a
// record, addressed by offset within a per-tracebuffer region.
package catalog

import (
	"fmt"

	"github.com/clltk/tracekit/argcodec"
)

// Kind distinguishes a printf-style tracepoint from a raw dump tracepoint.
type Kind uint8

const (
	Printf Kind = iota
	DumpKind
)

func (k Kind) String() string {
	if k == DumpKind {
		return "dump"
	}
	return "printf"
}

// Entry is one catalog record: `{ magic, entry_size, kind, source_line,
// arg_count, arg_types[], source_file, format_or_label }` per spec §4.4.
type Entry struct {
	Kind       Kind
	SourceFile string
	SourceLine uint32
	ArgTypes   []argcodec.Type

	// FormatOrLabel is the printf format string for Printf entries, or the
	// fixed label for DumpKind entries.
	FormatOrLabel string
}

// Source supplies catalog entries by tracebuffer name and offset. Spec
// §4.4: "conceptually keyed by tracebuffer name... the emit path stores the
// offset within that region in each record."
type Source interface {
	Lookup(tracebuffer string, offset uint32) (Entry, bool)
}

// ErrNotFound is returned by Source implementations that want to
// distinguish "absent" from "malformed"; Lookup's bool return is usually
// sufficient and callers are not required to use this.
var ErrNotFound = fmt.Errorf("catalog: entry not found")
