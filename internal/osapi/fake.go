package osapi

import (
	"os"
	"sync"
	"sync/atomic"
)

// Fake is an Adapter for unit tests: fixed PID/TID, a controllable clock,
// and plain in-process mutexes. MapFile and ExtendFile are not faked; they
// delegate to Default and work on real files.
type Fake struct {
	clock atomic.Uint64
	pid   uint32
	tid   uint32
}

// NewFake returns a Fake adapter with PID/TID fixed to the given values, so
// assertions on emitted records are deterministic.
func NewFake(pid, tid uint32) *Fake {
	return &Fake{pid: pid, tid: tid}
}

func (f *Fake) SetNowNS(ns uint64) { f.clock.Store(ns) }

func (f *Fake) Advance(deltaNS uint64) { f.clock.Add(deltaNS) }

func (f *Fake) NowNS() uint64 { return f.clock.Load() }

func (f *Fake) PID() uint32 { return f.pid }

func (f *Fake) TID() uint32 { return f.tid }

func (f *Fake) PageSize() int { return 4096 }

func (f *Fake) CacheFlush([]byte) {}

func (f *Fake) MapFile(path string, size int64, create bool) (Mapping, error) {
	return Default.MapFile(path, size, create)
}

func (f *Fake) ExtendFile(path string, newSize int64) error {
	return Default.ExtendFile(path, newSize)
}

// NewMutex returns an in-process-only mutex. It is not cross-process safe;
// it exists so single-process tests don't need real file descriptors.
func (f *Fake) NewMutex(file *os.File, offset, length int64) Mutex {
	return &fakeMutex{}
}

type fakeMutex struct {
	mu sync.Mutex
}

func (m *fakeMutex) Lock() error {
	m.mu.Lock()
	return nil
}

func (m *fakeMutex) Unlock() error {
	m.mu.Unlock()
	return nil
}
