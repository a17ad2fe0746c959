package decoder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clltk/tracekit/catalog"
	"github.com/clltk/tracekit/internal/osapi"
	"github.com/clltk/tracekit/ringbuf"
	"github.com/clltk/tracekit/tracebuffer"
	"github.com/clltk/tracekit/ustack"
)

// Snapshot is a read-only, point-in-time view of one tracebuffer file: its
// ring buffer header and body, and a read-only handle onto its unique stack
// for resolving dynamic catalog entries (spec §4.7, §6).
//
// A Snapshot never mutates the mapped region. Iterating it twice yields the
// same event sequence (spec §8).
type Snapshot struct {
	Name string
	Path string

	mapping osapi.Mapping
	region  []byte
	header  ringbuf.Header

	stack   *ustack.Stack
	dynamic *catalog.DynamicSource
	source  catalog.Source
}

// NameFromPath strips the tracebuffer file extension from path's base name,
// recovering the name that was originally passed to tracebuffer.Bind.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, "."+tracebuffer.UserExt)
	base = strings.TrimSuffix(base, "."+tracebuffer.KernelExt)
	return base
}

// Open maps path (a shared mapping that the adapter may open read-write;
// the Snapshot itself never writes to it) and validates both its ring-buffer and
// unique-stack headers. source resolves catalog entries for static/compiled
// tracepoints; a Snapshot additionally consults its own file's unique stack
// for dynamic tracepoints, so source may be nil for a file with no static
// tracepoints at all.
func Open(path string, source catalog.Source, adapter osapi.Adapter) (*Snapshot, error) {
	if adapter == nil {
		adapter = osapi.Default
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("decoder: stat %s: %w", path, err)
	}

	mapping, err := adapter.MapFile(path, info.Size(), false)
	if err != nil {
		return nil, fmt.Errorf("decoder: map %s: %w", path, err)
	}

	region := mapping.Bytes()
	header, err := ringbuf.ReadHeader(region)
	if err != nil {
		mapping.Unmap()
		return nil, fmt.Errorf("decoder: %s: %w", path, err)
	}

	stackBase := ringbuf.HeaderSize + int(header.BodySize)
	if stackBase > len(region) {
		mapping.Unmap()
		return nil, fmt.Errorf("decoder: %s: ring body_size overruns file", path)
	}

	stack, err := ustack.OpenReadOnly(region[stackBase:], uint32(stackBase))
	if err != nil {
		mapping.Unmap()
		return nil, fmt.Errorf("decoder: %s: %w", path, err)
	}

	return &Snapshot{
		Name:    NameFromPath(path),
		Path:    path,
		mapping: mapping,
		region:  region,
		header:  header,
		stack:   stack,
		dynamic: catalog.NewDynamicSource(stack),
		source:  source,
	}, nil
}

// Close unmaps the snapshot's file. It does not touch the file itself.
func (s *Snapshot) Close() error {
	return s.mapping.Unmap()
}

// Wrapped, Dropped and Entries mirror the live ring buffer's header
// counters as of the moment the snapshot was opened.
func (s *Snapshot) Wrapped() uint64 { return s.header.Wrapped }
func (s *Snapshot) Dropped() uint64 { return s.header.Dropped }
func (s *Snapshot) Entries() uint64 { return s.header.Entries }
