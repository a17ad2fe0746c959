// Package ustack implements the unique stack (spec §3/§4.2): an
// append-only, content-addressed blob store living in the same file as a
// tracebuffer's ring buffer, returning a stable offset for each distinct
// payload and deduplicating on content.
package ustack

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/clltk/tracekit/internal/crc8"
	"github.com/clltk/tracekit/internal/osapi"
)

// Version is the on-disk unique-stack header version this package writes
// and accepts.
const Version = 1

// Wire layout, per spec §6.
const (
	offVersion  = 0
	offMutex    = 8
	mutexWords  = 64
	offReserved = offMutex + mutexWords // 72
	reservedLen = 40
	offBodySize = offReserved + reservedLen // 112

	// HeaderSize is the fixed size, in bytes, of the unique-stack header.
	HeaderSize = offBodySize + 8 // 120

	// entryHeaderSize is the fixed portion of one entry: 16-byte MD5 +
	// 8-byte reserved + 4-byte body size + 1-byte header CRC.
	entryHeaderSize = 16 + 8 + 4 + 1
)

// MutexOffset and MutexLength locate the unique stack's cross-process
// mutex range within its own region, mirroring ringbuf.MutexOffset.
const (
	MutexOffset = offMutex
	MutexLength = mutexWords
)

// GrowFunc extends the backing storage so the stack's region covers at
// least newRegionLen bytes (measured from the stack header's own start,
// not the whole file), returning the refreshed region. It is how the
// unique stack asks its owning tracebuffer to grow the underlying file,
// page-aligned, under the stack's own mutex (spec §4.2, §5).
type GrowFunc func(newRegionLen int64) ([]byte, error)

// Stack is an open unique stack bound to a region of bytes and a
// cross-process mutex guarding it.
type Stack struct {
	region []byte
	base   uint32 // absolute file offset of region[0]
	mu     osapi.Mutex
	grow   GrowFunc

	// index is a process-local MD5 -> candidate body offset cache. It is
	// only ever a fast path: a cache miss always falls back to the
	// on-disk linear scan that is this store's ground truth (spec §4.2).
	index map[[16]byte][]uint32
}

// Init zero-initializes a new, empty unique stack in region, whose first
// byte is at absolute file offset base.
func Init(region []byte, base uint32, mu osapi.Mutex, grow GrowFunc) (*Stack, error) {
	if len(region) < HeaderSize {
		return nil, fmt.Errorf("ustack: region of %d bytes too small for header", len(region))
	}
	for i := range region {
		region[i] = 0
	}
	s := &Stack{region: region, base: base, mu: mu, grow: grow, index: map[[16]byte][]uint32{}}
	s.setU64(offVersion, Version)
	return s, nil
}

// Open reopens a previously initialized unique stack.
func Open(region []byte, base uint32, mu osapi.Mutex, grow GrowFunc) (*Stack, error) {
	if len(region) < HeaderSize {
		return nil, fmt.Errorf("ustack: region of %d bytes too small for header", len(region))
	}
	s := &Stack{region: region, base: base, mu: mu, grow: grow, index: map[[16]byte][]uint32{}}
	if v := s.u64(offVersion); v != Version {
		return nil, fmt.Errorf("ustack: unsupported version %d", v)
	}
	return s, nil
}

// readOnlyMutex satisfies osapi.Mutex for decode-side, read-only stacks
// that never call Add and therefore never need real locking.
type readOnlyMutex struct{}

func (readOnlyMutex) Lock() error   { return nil }
func (readOnlyMutex) Unlock() error { return nil }

// OpenReadOnly opens a unique stack for lookup only; Add always fails on
// it. Used by the decoder, which never appends.
func OpenReadOnly(region []byte, base uint32) (*Stack, error) {
	return Open(region, base, readOnlyMutex{}, nil)
}

// Add returns the absolute file offset of the body of a (possibly
// preexisting) entry whose bytes equal body, appending a new entry only on
// a true miss.
func (s *Stack) Add(body []byte) (uint32, error) {
	if _, readOnly := s.mu.(readOnlyMutex); readOnly {
		return 0, fmt.Errorf("ustack: stack was opened read-only")
	}
	sum := md5.Sum(body)

	if err := s.mu.Lock(); err != nil {
		return 0, fmt.Errorf("ustack: lock: %w", err)
	}
	defer s.mu.Unlock()

	if rel, ok := s.fastPathLocked(sum, body); ok {
		return s.base + rel, nil
	}

	if rel, found, err := s.scanLocked(sum, body); err != nil {
		return 0, err
	} else if found {
		return s.base + rel, nil
	}

	rel, err := s.appendLocked(sum, body)
	if err != nil {
		return 0, err
	}
	return s.base + rel, nil
}

// Lookup reads back the body stored at entryOffset (an absolute file
// offset previously returned by Add), treating the stack as untrusted:
// both the entry header CRC and the body's MD5 are verified before the
// bytes are returned (spec §4.2 point 4).
func (s *Stack) Lookup(entryOffset uint32) ([]byte, error) {
	if err := s.mu.Lock(); err != nil {
		return nil, fmt.Errorf("ustack: lock: %w", err)
	}
	defer s.mu.Unlock()

	if entryOffset < s.base {
		return nil, fmt.Errorf("ustack: offset %d precedes stack base %d", entryOffset, s.base)
	}
	bodyStart := entryOffset - s.base
	if bodyStart < HeaderSize+entryHeaderSize {
		return nil, fmt.Errorf("ustack: offset %d does not land inside the entry region", entryOffset)
	}
	hdrStart := bodyStart - entryHeaderSize

	if int(hdrStart)+entryHeaderSize > len(s.region) {
		return nil, fmt.Errorf("ustack: offset %d out of range", entryOffset)
	}
	hdr := s.region[hdrStart : hdrStart+entryHeaderSize]

	var md5sum [16]byte
	copy(md5sum[:], hdr[0:16])
	bodySize := binary.LittleEndian.Uint32(hdr[24:28])
	headerCRC := hdr[28]

	if crc8.Checksum(hdr[:28]) != headerCRC {
		return nil, fmt.Errorf("ustack: corrupt entry header at offset %d", entryOffset)
	}
	if int(bodyStart)+int(bodySize) > len(s.region) {
		return nil, fmt.Errorf("ustack: entry body at offset %d exceeds mapped region", entryOffset)
	}

	body := s.region[bodyStart : bodyStart+bodySize]
	if md5.Sum(body) != md5sum {
		return nil, fmt.Errorf("ustack: body does not match stored MD5 at offset %d", entryOffset)
	}

	return append([]byte(nil), body...), nil
}

// fastPathLocked returns the relative body offset of an entry matching sum
// from the process-local cache, re-verified against the stored body size
// and the live bytes (so a hash collision between distinct bodies never
// returns the wrong offset).
func (s *Stack) fastPathLocked(sum [16]byte, body []byte) (uint32, bool) {
	for _, rel := range s.index[sum] {
		if int(rel)+len(body) > len(s.region) {
			continue
		}
		if binary.LittleEndian.Uint32(s.region[rel-entryHeaderSize+24:]) != uint32(len(body)) {
			continue
		}
		if bytes.Equal(s.region[rel:rel+uint32(len(body))], body) {
			return rel, true
		}
	}
	return 0, false
}

// scanLocked is the on-disk ground truth: a linear walk of every existing
// entry from the start of the body region, verifying each entry's header
// CRC and populating the process-local cache as it goes (so a
// cold-started process builds its fast path the first time it has to fall
// back to a full scan).
func (s *Stack) scanLocked(target [16]byte, body []byte) (uint32, bool, error) {
	pos := uint32(HeaderSize)
	end := HeaderSize + uint32(s.bodySizeUsedLocked())

	for pos < end {
		if int(pos)+entryHeaderSize > len(s.region) {
			return 0, false, fmt.Errorf("ustack: truncated entry header at %d", pos)
		}
		hdr := s.region[pos : pos+entryHeaderSize]

		var md5sum [16]byte
		copy(md5sum[:], hdr[0:16])
		bodySize := binary.LittleEndian.Uint32(hdr[24:28])
		headerCRC := hdr[28]

		if crc8.Checksum(hdr[:28]) != headerCRC {
			return 0, false, fmt.Errorf("ustack: corrupt entry header at %d", pos)
		}

		bodyStart := pos + entryHeaderSize
		if int(bodyStart)+int(bodySize) > len(s.region) {
			return 0, false, fmt.Errorf("ustack: truncated entry body at %d", bodyStart)
		}
		entryBody := s.region[bodyStart : bodyStart+bodySize]

		s.index[md5sum] = append(s.index[md5sum], bodyStart)

		if md5sum == target && bodySize == uint32(len(body)) && bytes.Equal(entryBody, body) {
			return bodyStart, true, nil
		}

		pos = bodyStart + bodySize
	}

	return 0, false, nil
}

// appendLocked grows the stack (if necessary and possible) and writes a
// new entry for body, returning its relative body offset.
func (s *Stack) appendLocked(sum [16]byte, body []byte) (uint32, error) {
	used := uint32(s.bodySizeUsedLocked())
	neededLen := HeaderSize + used + entryHeaderSize + uint32(len(body))

	if neededLen > uint32(len(s.region)) {
		if s.grow == nil {
			return 0, fmt.Errorf("ustack: region full (%d bytes) and not growable", len(s.region))
		}
		region, err := s.grow(int64(neededLen))
		if err != nil {
			return 0, fmt.Errorf("ustack: grow: %w", err)
		}
		s.region = region
	}

	entry := make([]byte, 0, entryHeaderSize+len(body))
	entry = append(entry, sum[:]...)
	entry = append(entry, make([]byte, 8)...) // reserved
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(body)))
	entry = append(entry, sizeBuf[:]...)
	entry = append(entry, crc8.Checksum(entry)) // header CRC over md5+reserved+size
	entry = append(entry, body...)

	pos := HeaderSize + used
	copy(s.region[pos:], entry)

	bodyStart := pos + entryHeaderSize
	s.index[sum] = append(s.index[sum], bodyStart)

	// body_size only ever grows (spec §4.2 "size monotonicity").
	s.setU64(offBodySize, s.bodySizeUsedLocked()+uint64(entryHeaderSize+uint32(len(body))))

	return bodyStart, nil
}

// Rebind points the stack at a freshly mapped region covering the same
// bytes, used after its owning file has been extended and remapped by a
// GrowFunc that grows the whole tracebuffer file rather than this stack's
// own slice in isolation.
func (s *Stack) Rebind(region []byte) error {
	if len(region) < HeaderSize {
		return fmt.Errorf("ustack: rebind region of %d bytes too small for header", len(region))
	}
	s.region = region
	return nil
}

func (s *Stack) bodySizeUsedLocked() uint64 {
	return s.u64(offBodySize)
}

func (s *Stack) u64(off int) uint64 {
	return binary.LittleEndian.Uint64(s.region[off:])
}

func (s *Stack) setU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(s.region[off:], v)
}

var _ osapi.Mutex = readOnlyMutex{}
