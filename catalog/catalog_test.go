package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clltk/tracekit/argcodec"
	"github.com/clltk/tracekit/ustack"
)

func TestStaticSourceRegisterLookup(t *testing.T) {
	s := NewStaticSource()

	off := s.Register("net.io", Entry{
		Kind:          Printf,
		SourceFile:    "io.c",
		SourceLine:    42,
		ArgTypes:      []argcodec.Type{argcodec.String, argcodec.U32},
		FormatOrLabel: "read %s %u",
	})
	assert.Equal(t, uint32(0), off)

	off2 := s.Register("net.io", Entry{Kind: DumpKind, FormatOrLabel: "payload"})
	assert.Equal(t, uint32(1), off2)

	e, ok := s.Lookup("net.io", off)
	require.True(t, ok)
	assert.Equal(t, "read %s %u", e.FormatOrLabel)

	_, ok = s.Lookup("net.io", 99)
	assert.False(t, ok)

	_, ok = s.Lookup("missing", 0)
	assert.False(t, ok)
}

func TestYAMLSourceLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")

	content := `
tracebuffers:
  net.io:
    - kind: printf
      source_file: io.c
      source_line: 42
      arg_types: [string, u32]
      format: "read %s %u"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := LoadYAMLSource(path)
	require.NoError(t, err)

	e, ok := src.Lookup("net.io", 0)
	require.True(t, ok)
	assert.Equal(t, Printf, e.Kind)
	assert.Equal(t, uint32(42), e.SourceLine)
	assert.Equal(t, []argcodec.Type{argcodec.String, argcodec.U32}, e.ArgTypes)

	_, ok = src.Lookup("net.io", 1)
	assert.False(t, ok)
}

func TestYAMLSourceRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `
tracebuffers:
  bad:
    - kind: printf
      arg_types: [not_a_type]
      format: "x"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadYAMLSource(path)
	assert.Error(t, err)
}

type noopMutex struct{}

func (noopMutex) Lock() error   { return nil }
func (noopMutex) Unlock() error { return nil }

func newTestStack(t *testing.T) *ustack.Stack {
	t.Helper()
	region := make([]byte, ustack.HeaderSize+4096)
	grow := func(newLen int64) ([]byte, error) {
		bigger := make([]byte, newLen)
		return bigger, nil
	}
	s, err := ustack.Init(region, 0, noopMutex{}, grow)
	require.NoError(t, err)
	return s
}

func TestDynamicSourceSynthesizeAndLookup(t *testing.T) {
	stack := newTestStack(t)
	ds := NewDynamicSource(stack)

	want := Entry{
		Kind:          Printf,
		SourceFile:    "module.go",
		SourceLine:    17,
		ArgTypes:      []argcodec.Type{argcodec.String, argcodec.I64},
		FormatOrLabel: "%s took %ld ns",
	}

	offset, err := ds.Synthesize(want)
	require.NoError(t, err)

	got, ok := ds.Lookup("ignored", offset)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestDynamicSourceLookupRejectsBadOffset(t *testing.T) {
	stack := newTestStack(t)
	ds := NewDynamicSource(stack)

	_, ok := ds.Lookup("ignored", 999999)
	assert.False(t, ok)
}

func TestDynamicSourceDedupesRepeatedFormat(t *testing.T) {
	stack := newTestStack(t)
	ds := NewDynamicSource(stack)

	e := Entry{Kind: Printf, SourceFile: "a.go", SourceLine: 1, FormatOrLabel: "hi"}
	off1, err := ds.Synthesize(e)
	require.NoError(t, err)
	off2, err := ds.Synthesize(e)
	require.NoError(t, err)

	// The synthesized entry blob is itself stored in the unique stack, and
	// identical entries produce byte-identical blobs.
	assert.Equal(t, off1, off2)
}
