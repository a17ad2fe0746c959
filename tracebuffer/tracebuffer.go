// Package tracebuffer binds a name to a concrete file holding one ring
// buffer and one unique stack (spec §4.3), and keeps the process-wide
// registry that deduplicates handles within a process.
package tracebuffer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/clltk/tracekit/catalog"
	"github.com/clltk/tracekit/internal/osapi"
	"github.com/clltk/tracekit/ringbuf"
	"github.com/clltk/tracekit/ustack"
)

// File extensions per spec §6.
const (
	UserExt   = "clltk_trace"
	KernelExt = "clltk_ktrace"
)

var nameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,255}$`)

// Options configure a Bind call.
type Options struct {
	Dir     string
	Kernel  bool
	Adapter osapi.Adapter
}

// Option mutates Options; see WithDir, WithKernelExt, WithAdapter.
type Option func(*Options)

func WithDir(dir string) Option            { return func(o *Options) { o.Dir = dir } }
func WithKernelExt() Option                { return func(o *Options) { o.Kernel = true } }
func WithAdapter(a osapi.Adapter) Option   { return func(o *Options) { o.Adapter = a } }

// Tracebuffer is an open, named tracebuffer: a ring buffer and a unique
// stack sharing one file, plus the dynamic catalog source that synthesizes
// entries into that stack.
type Tracebuffer struct {
	Name    string
	Path    string
	Ring    *ringbuf.Handle
	Stack   *ustack.Stack
	Dynamic *catalog.DynamicSource

	adapter      osapi.Adapter
	file         *os.File
	ringBodySize uint64

	mapMu   sync.Mutex
	mapping osapi.Mapping
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Tracebuffer{}
)

// Bind resolves the tracebuffer named name, creating its file when it is
// absent or empty and opening it otherwise. An existing file that is too
// small, whose headers do not validate, or whose ring body size differs
// from ringBodySize is rejected with an error, not recreated. Bind installs it in
// the process-wide registry so subsequent Binds of the same name return the
// same handle (spec §4.3 point 4).
func Bind(name string, ringBodySize uint64, opts ...Option) (*Tracebuffer, error) {
	if !nameRE.MatchString(name) {
		return nil, fmt.Errorf("tracebuffer: invalid name %q", name)
	}

	o := Options{Dir: ".", Adapter: osapi.Default}
	for _, fn := range opts {
		fn(&o)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if tb, ok := registry[name]; ok {
		return tb, nil
	}

	ext := UserExt
	if o.Kernel {
		ext = KernelExt
	}
	path := filepath.Join(o.Dir, name+"."+ext)

	tb, err := openOrCreate(name, path, ringBodySize, o.Adapter)
	if err != nil {
		return nil, err
	}
	registry[name] = tb
	return tb, nil
}

// Lookup returns the already-bound tracebuffer named name, if any, without
// creating it. Dynamic emission uses this (spec §4.5: "look up the
// tracebuffer by name in the registry; no-op if absent").
func Lookup(name string) (*Tracebuffer, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	tb, ok := registry[name]
	return tb, ok
}

// Unbind removes name from the process-wide registry without touching its
// file, for tests that need a clean registry between Bind calls.
func Unbind(name string) {
	registryMu.Lock()
	delete(registry, name)
	registryMu.Unlock()
}

func pageAlign(size int64, page int) int64 {
	if page <= 0 {
		return size
	}
	if rem := size % int64(page); rem != 0 {
		return size + int64(page) - rem
	}
	return size
}

func openOrCreate(name, path string, ringBodySize uint64, adapter osapi.Adapter) (tb *Tracebuffer, err error) {
	minSize := int64(ringbuf.HeaderSize) + int64(ringBodySize) + int64(ustack.HeaderSize)
	declaredSize := pageAlign(minSize, adapter.PageSize())

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tracebuffer: open %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("tracebuffer: stat %s: %w", path, err)
	}

	fresh := info.Size() == 0
	fileSize := info.Size()
	if fresh {
		if err := adapter.ExtendFile(path, declaredSize); err != nil {
			return nil, fmt.Errorf("tracebuffer: extend %s: %w", path, err)
		}
		fileSize = declaredSize
	} else if fileSize < minSize {
		return nil, fmt.Errorf("tracebuffer: %s is %d bytes, too small for a %d-byte ring body", path, fileSize, ringBodySize)
	}

	mapping, err := adapter.MapFile(path, fileSize, false)
	if err != nil {
		return nil, fmt.Errorf("tracebuffer: map %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			mapping.Unmap()
		}
	}()

	tb = &Tracebuffer{
		Name:         name,
		Path:         path,
		adapter:      adapter,
		file:         file,
		mapping:      mapping,
		ringBodySize: ringBodySize,
	}

	region := mapping.Bytes()
	ringRegion := region[:ringbuf.HeaderSize+int(ringBodySize)]
	stackBase := uint32(ringbuf.HeaderSize + int(ringBodySize))
	stackRegion := region[stackBase:]

	ringMu := adapter.NewMutex(file, ringbuf.MutexOffset, ringbuf.MutexLength)
	stackMu := adapter.NewMutex(file, int64(stackBase)+ustack.MutexOffset, ustack.MutexLength)

	if fresh {
		tb.Ring, err = ringbuf.Init(ringRegion, ringMu)
		if err != nil {
			return nil, err
		}
		tb.Stack, err = ustack.Init(stackRegion, stackBase, stackMu, tb.growStack)
		if err != nil {
			return nil, err
		}
	} else {
		tb.Ring, err = ringbuf.Open(ringRegion, ringMu)
		if err != nil {
			return nil, fmt.Errorf("tracebuffer: %s: %w", path, err)
		}
		if tb.Ring.BodySize() != ringBodySize {
			// Open question (spec §9): two opens of the same file with
			// different declared sizes. The later open is rejected.
			return nil, fmt.Errorf("tracebuffer: %s declares ring body_size %d, bind asked for %d", path, tb.Ring.BodySize(), ringBodySize)
		}
		tb.Stack, err = ustack.Open(stackRegion, stackBase, stackMu, tb.growStack)
		if err != nil {
			return nil, fmt.Errorf("tracebuffer: %s: %w", path, err)
		}
	}

	tb.Dynamic = catalog.NewDynamicSource(tb.Stack)
	return tb, nil
}

// growStack extends and remaps the whole file so the unique stack's region
// covers at least newStackRegionLen bytes, page-aligned (spec §4.2/§5),
// then rebinds the ring buffer handle onto the fresh mapping. It is
// installed as the Stack's ustack.GrowFunc.
func (tb *Tracebuffer) growStack(newStackRegionLen int64) ([]byte, error) {
	tb.mapMu.Lock()
	defer tb.mapMu.Unlock()

	stackBase := int64(ringbuf.HeaderSize) + int64(tb.ringBodySize)
	newFileSize := pageAlign(stackBase+newStackRegionLen, tb.adapter.PageSize())

	if err := tb.adapter.ExtendFile(tb.Path, newFileSize); err != nil {
		return nil, fmt.Errorf("tracebuffer: extend %s: %w", tb.Path, err)
	}

	newMapping, err := tb.adapter.MapFile(tb.Path, newFileSize, false)
	if err != nil {
		return nil, fmt.Errorf("tracebuffer: remap %s: %w", tb.Path, err)
	}

	if err := tb.mapping.Unmap(); err != nil {
		newMapping.Unmap()
		return nil, fmt.Errorf("tracebuffer: unmap stale mapping of %s: %w", tb.Path, err)
	}
	tb.mapping = newMapping

	region := newMapping.Bytes()
	if err := tb.Ring.Rebind(region[:ringbuf.HeaderSize+int(tb.ringBodySize)]); err != nil {
		return nil, err
	}
	return region[stackBase:], nil
}

// Reset clears the ring buffer. The unique stack is left intact so format
// strings and other stored payloads remain addressable (spec §4.3).
func (tb *Tracebuffer) Reset() error {
	return tb.Ring.Clear()
}

// Close unmaps the tracebuffer's file and removes it from the process
// registry. It does not delete the file.
func (tb *Tracebuffer) Close() error {
	registryMu.Lock()
	delete(registry, tb.Name)
	registryMu.Unlock()

	tb.mapMu.Lock()
	defer tb.mapMu.Unlock()
	if err := tb.mapping.Unmap(); err != nil {
		tb.file.Close()
		return err
	}
	return tb.file.Close()
}
