// Package ringbuf implements the fixed-capacity, single-producer /
// multi-reader ring buffer described in spec §3/§4.1: a byte array wrapped
// by a header of counters, storing variable-length CRC-framed records with
// an oldest-drop eviction policy when full.
//
// The header and body live in a caller-supplied byte slice (typically a
// shared file mapping from internal/osapi). Put and Get are not
// allocation-free: Put assembles each record's frame in a freshly
// allocated slice, and every record read (including the scans that Get
// and eviction perform) copies bytes into a new slice.
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/clltk/tracekit/internal/crc8"
	"github.com/clltk/tracekit/internal/osapi"
)

// Version is the on-disk ring-buffer header version this package writes
// and accepts.
const Version = 1

// Wire layout offsets, per spec §6.
const (
	offVersion   = 0
	offMutex     = 8
	mutexWords   = 64
	offBodySize  = offMutex + mutexWords // 72
	offWrapped   = offBodySize + 8       // 80
	offDropped   = offWrapped + 8        // 88
	offEntries   = offDropped + 8        // 96
	offNextFree  = offEntries + 8        // 104
	offLastValid = offNextFree + 8       // 112
	offReserved  = offLastValid + 8      // 120
	reservedLen  = 40

	// HeaderSize is the fixed size, in bytes, of the ring-buffer header.
	HeaderSize = offReserved + reservedLen // 160

	magic byte = 0x7E

	// frameOverhead is the framing cost of one record: 1-byte magic +
	// 2-byte size + 1-byte head CRC + 1-byte trailing body CRC.
	frameOverhead = 5
)

// MutexOffset and MutexLength describe where in the region (and therefore
// in the backing file) the ring buffer's cross-process mutex range lives,
// so a caller constructing an osapi.Mutex over the real file knows which
// byte range to lock.
const (
	MutexOffset = offMutex
	MutexLength = mutexWords
)

// Handle is an open ring buffer bound to a region of bytes (HeaderSize +
// body_size long) and a cross-process mutex guarding that region.
type Handle struct {
	region   []byte
	mu       osapi.Mutex
	bodySize uint64
}

// Init zero-initializes a new ring buffer header in region, sizing the body
// to fill whatever is left after the header. It fails unless region holds
// the header plus at least two body bytes.
func Init(region []byte, mu osapi.Mutex) (*Handle, error) {
	if len(region) <= HeaderSize+1 {
		return nil, fmt.Errorf("ringbuf: region of %d bytes too small (need > %d)", len(region), HeaderSize+1)
	}

	for i := range region {
		region[i] = 0
	}

	h := &Handle{region: region, mu: mu, bodySize: uint64(len(region) - HeaderSize)}
	h.setU64(offVersion, Version)
	h.setU64(offBodySize, h.bodySize)
	return h, nil
}

// Open reopens a previously initialized ring buffer region, validating its
// version and that the declared body_size fits inside region.
func Open(region []byte, mu osapi.Mutex) (*Handle, error) {
	if len(region) <= HeaderSize {
		return nil, fmt.Errorf("ringbuf: region of %d bytes too small to contain a header", len(region))
	}

	h := &Handle{region: region, mu: mu}
	if v := h.u64(offVersion); v != Version {
		return nil, fmt.Errorf("ringbuf: unsupported version %d", v)
	}

	bodySize := h.u64(offBodySize)
	if HeaderSize+bodySize > uint64(len(region)) {
		return nil, fmt.Errorf("ringbuf: body_size %d does not fit in %d-byte region", bodySize, len(region))
	}

	h.bodySize = bodySize
	return h, nil
}

// Put publishes payload as one record. It returns (0, nil) — not an error —
// for every boundary violation spec §4.1/§8 names: empty payload, payload
// too large for the body even when empty, or a length that does not fit in
// 16 bits. Oldest records are evicted as needed to make room.
func (h *Handle) Put(payload []byte) (int, error) {
	if len(payload) == 0 || len(payload) > math.MaxUint16 {
		return 0, nil
	}
	if uint64(len(payload)) > h.bodySize-frameOverhead-1 {
		return 0, nil
	}

	if err := h.mu.Lock(); err != nil {
		return 0, fmt.Errorf("ringbuf: lock: %w", err)
	}
	defer h.mu.Unlock()

	frameTotal := uint64(frameOverhead) + uint64(len(payload))
	for h.availableLocked() < frameTotal {
		if !h.dropOneLocked() {
			return 0, nil
		}
	}

	pos := h.nextFree()
	frame := make([]byte, 0, frameTotal)
	var sizeBuf [2]byte
	binary.LittleEndian.PutUint16(sizeBuf[:], uint16(len(payload)))
	head := append([]byte{magic}, sizeBuf[:]...)
	head = append(head, crc8.Checksum(head))
	frame = append(frame, head...)
	frame = append(frame, payload...)
	frame = append(frame, crc8.Checksum(payload))

	h.writeAt(pos, frame)

	wrapped := pos+frameTotal >= h.bodySize
	h.setNextFree((pos + frameTotal) % h.bodySize)
	if wrapped {
		h.setU64(offWrapped, satAdd(h.u64(offWrapped), 1))
	}
	h.setU64(offEntries, satAdd(h.u64(offEntries), 1))

	return len(payload), nil
}

// Get removes and copies the oldest valid record into dst. It returns
// (0, nil) if the buffer is empty, or if dst is smaller than the next
// record's body — in the latter case the record is left in place.
func (h *Handle) Get(dst []byte) (int, error) {
	if err := h.mu.Lock(); err != nil {
		return 0, fmt.Errorf("ringbuf: lock: %w", err)
	}
	defer h.mu.Unlock()

	size, ok := h.advanceToNextValidLocked()
	if !ok {
		return 0, nil
	}
	if uint64(len(dst)) < uint64(size) {
		return 0, nil
	}

	bodyStart := (h.lastValid() + 4) % h.bodySize
	copy(dst, h.readAt(bodyStart, uint64(size)))

	h.setLastValid((h.lastValid() + frameOverhead + uint64(size)) % h.bodySize)
	return int(size), nil
}

// Clear discards every record currently in the buffer, crediting the
// number of discarded records to the dropped counter.
func (h *Handle) Clear() error {
	if err := h.mu.Lock(); err != nil {
		return fmt.Errorf("ringbuf: lock: %w", err)
	}
	defer h.mu.Unlock()

	n := h.countOccupiedRecordsLocked()
	h.setLastValid(h.nextFree())
	h.setU64(offDropped, satAdd(h.u64(offDropped), n))
	return nil
}

// Capacity is the maximum number of body bytes the buffer can hold
// occupied at once. One byte of body is permanently reserved so that
// next_free == last_valid is an unambiguous "empty" signal (spec §3).
func (h *Handle) Capacity() uint64 {
	return h.bodySize - 1
}

// Occupied returns the number of body bytes currently holding live record
// data.
func (h *Handle) Occupied() (uint64, error) {
	if err := h.mu.Lock(); err != nil {
		return 0, fmt.Errorf("ringbuf: lock: %w", err)
	}
	defer h.mu.Unlock()
	return h.occupiedLocked(), nil
}

// Available returns Capacity() - Occupied().
func (h *Handle) Available() (uint64, error) {
	occ, err := h.Occupied()
	if err != nil {
		return 0, err
	}
	return h.Capacity() - occ, nil
}

// Wrapped, Dropped and Entries return the header's saturating counters.
func (h *Handle) Wrapped() uint64 { return h.u64(offWrapped) }
func (h *Handle) Dropped() uint64 { return h.u64(offDropped) }
func (h *Handle) Entries() uint64 { return h.u64(offEntries) }

// BodySize returns the body region size in bytes.
func (h *Handle) BodySize() uint64 { return h.bodySize }

// FrameOverhead and Magic expose the record-framing constants to read-only
// consumers (the decoder) that parse ring_buffer_body bytes directly rather
// than through a Handle.
const (
	FrameOverhead = frameOverhead
	Magic         = magic
)

// Header is a read-only snapshot of a ring buffer's header fields. It is
// for decode-only consumers that must traverse next_free/last_valid without
// ever mutating them — a live Handle's Get/Put would advance the very
// cursors a repeatable, deterministic decode depends on staying put (spec
// §8: "decoding the same file twice yields the same event sequence").
type Header struct {
	Version   uint64
	BodySize  uint64
	Wrapped   uint64
	Dropped   uint64
	Entries   uint64
	NextFree  uint64
	LastValid uint64
}

// ReadHeader parses region's ring-buffer header without acquiring any
// mutex and without mutating anything.
func ReadHeader(region []byte) (Header, error) {
	if len(region) < HeaderSize {
		return Header{}, fmt.Errorf("ringbuf: region of %d bytes too small to contain a header", len(region))
	}

	h := Header{
		Version:   binary.LittleEndian.Uint64(region[offVersion:]),
		BodySize:  binary.LittleEndian.Uint64(region[offBodySize:]),
		Wrapped:   binary.LittleEndian.Uint64(region[offWrapped:]),
		Dropped:   binary.LittleEndian.Uint64(region[offDropped:]),
		Entries:   binary.LittleEndian.Uint64(region[offEntries:]),
		NextFree:  binary.LittleEndian.Uint64(region[offNextFree:]),
		LastValid: binary.LittleEndian.Uint64(region[offLastValid:]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("ringbuf: unsupported version %d", h.Version)
	}
	if HeaderSize+h.BodySize > uint64(len(region)) {
		return Header{}, fmt.Errorf("ringbuf: body_size %d does not fit in %d-byte region", h.BodySize, len(region))
	}
	return h, nil
}

// Rebind points the handle at a freshly mapped region holding the same
// bytes (e.g. after the owning file was extended and remapped for the
// unique stack's growth). The region must be at least as large as the
// ring buffer's own header+body.
func (h *Handle) Rebind(region []byte) error {
	if uint64(len(region)) < HeaderSize+h.bodySize {
		return fmt.Errorf("ringbuf: rebind region of %d bytes too small for %d-byte buffer", len(region), HeaderSize+h.bodySize)
	}
	h.region = region
	return nil
}

func (h *Handle) occupiedLocked() uint64 {
	return (h.nextFree() - h.lastValid() + h.bodySize) % h.bodySize
}

func (h *Handle) availableLocked() uint64 {
	return h.Capacity() - h.occupiedLocked()
}

// dropOneLocked evicts exactly one well-formed record from the head of the
// buffer, per the drop-oldest algorithm of spec §4.1. It returns false if
// the buffer holds no recoverable record (i.e. it is empty).
func (h *Handle) dropOneLocked() bool {
	size, ok := h.advanceToNextValidLocked()
	if !ok {
		return false
	}
	h.setLastValid((h.lastValid() + frameOverhead + uint64(size)) % h.bodySize)
	h.setU64(offDropped, satAdd(h.u64(offDropped), 1))
	return true
}

// advanceToNextValidLocked runs the SEARCH_MAGIC -> VALIDATE_HEAD_CRC ->
// VALIDATE_BODY_CRC -> ACCEPT state machine starting at last_valid,
// resynchronising (without counting a drop) past any garbage bytes, and
// leaves last_valid sitting exactly at the first well-formed record it
// finds. It returns false if it reaches next_free without finding one.
func (h *Handle) advanceToNextValidLocked() (uint16, bool) {
	for h.lastValid() != h.nextFree() {
		r := h.step(h.lastValid())
		if r.ok {
			return r.size, true
		}
		h.setLastValid(r.next)
	}
	return 0, false
}

// countOccupiedRecordsLocked counts the well-formed records between
// last_valid and next_free without mutating either cursor, for Clear's
// "currently-occupied record count".
func (h *Handle) countOccupiedRecordsLocked() uint64 {
	pos := h.lastValid()
	limit := h.nextFree()
	var n uint64
	for pos != limit {
		r := h.step(pos)
		if r.ok {
			n++
			pos = (pos + frameOverhead + uint64(r.size)) % h.bodySize
			continue
		}
		pos = r.next
	}
	return n
}

type stepResult struct {
	ok   bool
	size uint16
	next uint64 // valid only when ok == false
}

// step examines the record framing starting at pos and classifies it per
// spec §4.1's tie-break rules: a non-magic byte or a bad head CRC resyncs
// one byte forward (not counted as a drop); a valid head with a bad body
// CRC drops the 4-byte head only, leaving the body bytes for the next
// scan; a fully valid frame is ACCEPT.
func (h *Handle) step(pos uint64) stepResult {
	head := h.readAt(pos, 4)
	if head[0] != magic {
		return stepResult{next: (pos + 1) % h.bodySize}
	}
	if crc8.Checksum(head[:3]) != head[3] {
		return stepResult{next: (pos + 1) % h.bodySize}
	}

	size := binary.LittleEndian.Uint16(head[1:3])
	frameTotal := uint64(frameOverhead) + uint64(size)
	if frameTotal > h.bodySize {
		// A corrupt size field can't be trusted even though the head CRC
		// happened to match; resync bytewise rather than trust it.
		return stepResult{next: (pos + 1) % h.bodySize}
	}

	bodyAndCRC := h.readAt((pos+4)%h.bodySize, uint64(size)+1)
	body, bodyCRC := bodyAndCRC[:size], bodyAndCRC[size]
	if crc8.Checksum(body) != bodyCRC {
		return stepResult{next: (pos + 4) % h.bodySize}
	}

	return stepResult{ok: true, size: size}
}

func (h *Handle) u64(off int) uint64 {
	return binary.LittleEndian.Uint64(h.region[off:])
}

func (h *Handle) setU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(h.region[off:], v)
}

func (h *Handle) nextFree() uint64      { return h.u64(offNextFree) }
func (h *Handle) setNextFree(v uint64)  { h.setU64(offNextFree, v) }
func (h *Handle) lastValid() uint64     { return h.u64(offLastValid) }
func (h *Handle) setLastValid(v uint64) { h.setU64(offLastValid, v) }

func (h *Handle) bodyOffset(pos uint64) int {
	return HeaderSize + int(pos)
}

func (h *Handle) writeAt(pos uint64, data []byte) {
	start := pos % h.bodySize
	n := uint64(len(data))
	if start+n <= h.bodySize {
		copy(h.region[h.bodyOffset(start):], data)
		return
	}
	firstLen := h.bodySize - start
	copy(h.region[h.bodyOffset(start):], data[:firstLen])
	copy(h.region[h.bodyOffset(0):], data[firstLen:])
}

func (h *Handle) readAt(pos uint64, n uint64) []byte {
	out := make([]byte, n)
	if n == 0 {
		return out
	}
	start := pos % h.bodySize
	if start+n <= h.bodySize {
		copy(out, h.region[h.bodyOffset(start):h.bodyOffset(start)+int(n)])
		return out
	}
	firstLen := h.bodySize - start
	copy(out[:firstLen], h.region[h.bodyOffset(start):])
	copy(out[firstLen:], h.region[h.bodyOffset(0):h.bodyOffset(0)+int(n-firstLen)])
	return out
}

// satAdd adds delta to v, saturating at math.MaxUint64 instead of
// overflowing (spec §3, §9).
func satAdd(v, delta uint64) uint64 {
	if delta > math.MaxUint64-v {
		return math.MaxUint64
	}
	return v + delta
}
