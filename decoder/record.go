package decoder

import (
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/clltk/tracekit/argcodec"
	"github.com/clltk/tracekit/catalog"
	"github.com/clltk/tracekit/internal/crc8"
	"github.com/clltk/tracekit/ringbuf"
)

// recordHeaderSize mirrors tracepoint.recordHeaderSize: pid(4) + tid(4) +
// timestamp_ns(8) + catalog_offset(4).
const recordHeaderSize = 20

// Iterate walks the snapshot's ring-buffer body from last_valid to
// next_free as it stood when the snapshot was opened, running the
// decoder's own SYNC -> HEAD -> BODY -> EMIT state machine (spec §4.7).
//
// This traversal is deliberately NOT ringbuf.Handle.Get: a live Get/Put
// would advance next_free/last_valid, breaking the "decode the same file
// twice, get the same events" invariant (spec §8), and the decoder's own
// resync rule differs from the ring buffer's live one — on a bad body CRC,
// the ring buffer (serving a live reader) resyncs past the head only and
// reports nothing, while the decoder resyncs to head+1 and counts one
// Error event.
func (s *Snapshot) Iterate() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		bodySize := s.header.BodySize
		pos := s.header.LastValid
		limit := s.header.NextFree
		var ordinal uint64

		for pos != limit {
			head := s.readBody(pos, 4)
			if head[0] != ringbuf.Magic || crc8.Checksum(head[:3]) != head[3] {
				pos = (pos + 1) % bodySize
				continue
			}

			size := binary.LittleEndian.Uint16(head[1:3])
			frameTotal := uint64(ringbuf.FrameOverhead) + uint64(size)
			if frameTotal > bodySize {
				pos = (pos + 1) % bodySize
				continue
			}

			bodyAndCRC := s.readBody((pos+4)%bodySize, uint64(size)+1)
			body, bodyCRC := bodyAndCRC[:size], bodyAndCRC[size]
			if crc8.Checksum(body) != bodyCRC {
				ev := Event{
					Kind:        KindError,
					Tracebuffer: s.Name,
					Ordinal:     ordinal,
					RawBytes:    append([]byte(nil), body...),
				}
				ordinal++
				if !yield(ev) {
					return
				}
				// Spec §4.7: "go back to SYNC at head+1 and count one error
				// event" — a different resync point than the ring buffer's
				// own live head-only skip.
				pos = (pos + 1) % bodySize
				continue
			}

			ev := s.decodeRecord(ordinal, body)
			ordinal++
			if !yield(ev) {
				return
			}
			pos = (pos + frameTotal) % bodySize
		}
	}
}

// readBody copies n bytes starting at the wraparound-relative body offset
// pos out of the snapshot's mapped region.
func (s *Snapshot) readBody(pos, n uint64) []byte {
	out := make([]byte, n)
	bodySize := s.header.BodySize
	for i := range out {
		out[i] = s.region[ringbuf.HeaderSize+int((pos+uint64(i))%bodySize)]
	}
	return out
}

// decodeRecord parses one already CRC-validated record body into an Event,
// resolving its catalog entry and rendering its message. Any shape or
// argument-type mismatch downgrades the result to a KindError event rather
// than failing the whole iteration.
func (s *Snapshot) decodeRecord(ordinal uint64, body []byte) Event {
	if len(body) < recordHeaderSize {
		return Event{
			Kind:        KindError,
			Tracebuffer: s.Name,
			Ordinal:     ordinal,
			RawBytes:    append([]byte(nil), body...),
		}
	}

	pid := binary.LittleEndian.Uint32(body[0:4])
	tid := binary.LittleEndian.Uint32(body[4:8])
	ts := binary.LittleEndian.Uint64(body[8:16])
	catalogOffset := binary.LittleEndian.Uint32(body[16:20])
	argBlob := body[recordHeaderSize:]

	entry, kind, ok := s.lookupEntry(catalogOffset)
	if !ok {
		return Event{
			Kind:        KindError,
			Tracebuffer: s.Name,
			Ordinal:     ordinal,
			TimestampNS: ts,
			PID:         pid,
			TID:         tid,
			RawBytes:    append([]byte(nil), body...),
		}
	}

	args, err := decodeArgs(argBlob, entry.ArgTypes)
	if err != nil {
		return Event{
			Kind:        KindError,
			Tracebuffer: s.Name,
			Ordinal:     ordinal,
			TimestampNS: ts,
			PID:         pid,
			TID:         tid,
			SourceFile:  entry.SourceFile,
			SourceLine:  entry.SourceLine,
			RawBytes:    append([]byte(nil), body...),
		}
	}

	return Event{
		Kind:            kind,
		Tracebuffer:     s.Name,
		Ordinal:         ordinal,
		TimestampNS:     ts,
		PID:             pid,
		TID:             tid,
		SourceFile:      entry.SourceFile,
		SourceLine:      entry.SourceLine,
		RenderedMessage: render(entry, args),
	}
}

// lookupEntry tries the external static/YAML source first, falling back to
// the file's own dynamic catalog (spec §6: "a second source maps dynamic
// catalog offsets into the unique-stack body").
func (s *Snapshot) lookupEntry(offset uint32) (catalog.Entry, Kind, bool) {
	if s.source != nil {
		if e, ok := s.source.Lookup(s.Name, offset); ok {
			return e, KindStatic, true
		}
	}
	if e, ok := s.dynamic.Lookup(s.Name, offset); ok {
		return e, KindDynamic, true
	}
	return catalog.Entry{}, KindError, false
}

func decodeArgs(blob []byte, types []argcodec.Type) ([]argcodec.Value, error) {
	values := make([]argcodec.Value, 0, len(types))
	pos := 0
	for _, t := range types {
		v, n, err := argcodec.Decode(blob[pos:], t)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		pos += n
	}
	if pos != len(blob) {
		return nil, fmt.Errorf("decoder: %d argument bytes left over after %d catalog arguments", len(blob)-pos, len(types))
	}
	return values, nil
}
