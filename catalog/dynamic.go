package catalog

import (
	"encoding/binary"
	"fmt"

	"github.com/clltk/tracekit/argcodec"
	"github.com/clltk/tracekit/ustack"
)

const dynamicEntryMagic = '{'

// DynamicSource is the catalog backing for dynamic tracepoints (spec
// §4.4/§4.5): the format string and source file are themselves stored as
// unique-stack entries, and the catalog entry that references them is
// serialized and stored as one more unique-stack entry, with its offset
// handed back as the record's catalog_offset.
type DynamicSource struct {
	stack *ustack.Stack
}

// NewDynamicSource binds a DynamicSource to the unique stack of the
// tracebuffer it synthesizes entries for.
func NewDynamicSource(stack *ustack.Stack) *DynamicSource {
	return &DynamicSource{stack: stack}
}

// Synthesize stores e's source file and format/label strings in the unique
// stack, then serializes and stores the entry itself, returning the offset
// to embed as the record's catalog_offset.
func (d *DynamicSource) Synthesize(e Entry) (uint32, error) {
	sourceFileOff, err := d.stack.Add([]byte(e.SourceFile))
	if err != nil {
		return 0, fmt.Errorf("catalog: store source file: %w", err)
	}
	formatOff, err := d.stack.Add([]byte(e.FormatOrLabel))
	if err != nil {
		return 0, fmt.Errorf("catalog: store format: %w", err)
	}

	argCount := len(e.ArgTypes)
	// arg_types[arg_count+1]: a trailing Unknown sentinel, per spec §4.4's
	// literal field shape.
	fixedLen := 1 + 4 + 1 + 4 + 4 + (argCount + 1) + 4 + 4
	blob := make([]byte, fixedLen)

	blob[0] = dynamicEntryMagic
	binary.LittleEndian.PutUint32(blob[1:5], uint32(fixedLen))
	blob[5] = byte(e.Kind)
	binary.LittleEndian.PutUint32(blob[6:10], e.SourceLine)
	binary.LittleEndian.PutUint32(blob[10:14], uint32(argCount))

	pos := 14
	for _, t := range e.ArgTypes {
		blob[pos] = byte(t)
		pos++
	}
	blob[pos] = byte(argcodec.Unknown) // sentinel
	pos++

	binary.LittleEndian.PutUint32(blob[pos:pos+4], sourceFileOff)
	pos += 4
	binary.LittleEndian.PutUint32(blob[pos:pos+4], formatOff)

	offset, err := d.stack.Add(blob)
	if err != nil {
		return 0, fmt.Errorf("catalog: store synthesized entry: %w", err)
	}
	return offset, nil
}

// Lookup implements Source. The tracebuffer name is ignored: a
// DynamicSource is already scoped to one tracebuffer's unique stack.
func (d *DynamicSource) Lookup(_ string, offset uint32) (Entry, bool) {
	blob, err := d.stack.Lookup(offset)
	if err != nil {
		return Entry{}, false
	}
	if len(blob) < 14 || blob[0] != dynamicEntryMagic {
		return Entry{}, false
	}
	entrySize := binary.LittleEndian.Uint32(blob[1:5])
	if int(entrySize) != len(blob) {
		return Entry{}, false
	}

	kind := Kind(blob[5])
	sourceLine := binary.LittleEndian.Uint32(blob[6:10])
	argCount := binary.LittleEndian.Uint32(blob[10:14])

	pos := 14
	need := int(argCount) + 1 + 8
	if pos+need > len(blob) {
		return Entry{}, false
	}

	argTypes := make([]argcodec.Type, argCount)
	for i := range argTypes {
		argTypes[i] = argcodec.Type(blob[pos])
		pos++
	}
	pos++ // skip sentinel

	sourceFileOff := binary.LittleEndian.Uint32(blob[pos : pos+4])
	pos += 4
	formatOff := binary.LittleEndian.Uint32(blob[pos : pos+4])

	sourceFile, err := d.stack.Lookup(sourceFileOff)
	if err != nil {
		return Entry{}, false
	}
	format, err := d.stack.Lookup(formatOff)
	if err != nil {
		return Entry{}, false
	}

	return Entry{
		Kind:          kind,
		SourceFile:    string(sourceFile),
		SourceLine:    sourceLine,
		ArgTypes:      argTypes,
		FormatOrLabel: string(format),
	}, true
}
