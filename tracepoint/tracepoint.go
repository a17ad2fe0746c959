// Package tracepoint implements the static and dynamic record-emission
// paths (spec §4.5): building the fixed record header, sizing and
// truncating arguments, and publishing the result to a tracebuffer's ring
// buffer.
//
// Every function here follows the spec's "emit never surfaces an error"
// rule: a tracebuffer that is unbound, a ring buffer that is full beyond
// recovery, or an oversize payload all result in a silently dropped or
// truncated record rather than a returned error.
package tracepoint

import (
	"encoding/binary"
	"math"

	"github.com/clltk/tracekit/argcodec"
	"github.com/clltk/tracekit/catalog"
	"github.com/clltk/tracekit/internal/osapi"
	"github.com/clltk/tracekit/tracebuffer"
)

// maxRecordBody is UINT16_MAX - 8, the hard ceiling on one record's body
// regardless of the owning ring buffer's own capacity (spec §3).
const maxRecordBody = math.MaxUint16 - 8

// recordHeaderSize is pid(4) + tid(4) + timestamp_ns(8) + catalog_offset(4).
const recordHeaderSize = 20

// EmitPrintf is the static printf emission path. tb may be nil (an
// unbound/not-yet-initialized tracebuffer), in which case the call is a
// no-op, matching spec §4.5 point 1.
func EmitPrintf(tb *tracebuffer.Tracebuffer, catalogOffset uint32, args []argcodec.Value, adapter osapi.Adapter) {
	if tb == nil {
		return
	}
	pid, tid, now := adapter.PID(), adapter.TID(), adapter.NowNS()
	record := encodeRecord(pid, tid, now, catalogOffset, args)
	tb.Ring.Put(record)
}

// EmitDump is the static dump emission path: its payload is a single Dump
// argument (4-byte length + bytes), per spec §4.5 point "emit_dump".
func EmitDump(tb *tracebuffer.Tracebuffer, catalogOffset uint32, payload []byte, adapter osapi.Adapter) {
	EmitPrintf(tb, catalogOffset, []argcodec.Value{argcodec.DumpValue(payload)}, adapter)
}

// EmitDynamic looks up name in the tracebuffer registry, synthesizes a
// catalog entry for (sourceFile, sourceLine, format, arg types) into that
// tracebuffer's unique stack, and emits as for the static path. A nil
// pidOverride/tidOverride uses the calling process/thread's own ids.
func EmitDynamic(name, sourceFile string, sourceLine uint32, pidOverride, tidOverride *uint32, format string, args []argcodec.Value, adapter osapi.Adapter) {
	tb, ok := tracebuffer.Lookup(name)
	if !ok {
		return
	}

	callerTypes := make([]argcodec.Type, len(args))
	for i, a := range args {
		callerTypes[i] = a.Type
	}

	// Resolve the format-vs-caller type cross-check once per (format,
	// caller signature) and store the winning types as entry.ArgTypes
	// (spec §4.6). The arguments themselves are still encoded with the
	// caller's types and no flex flag is stored, so when a format-derived
	// type differs in width from the caller's, the record no longer matches
	// its entry and the decoder reports it as an error event.
	directives := argcodec.Resolve(format, callerTypes)

	entry := catalog.Entry{
		Kind:          catalog.Printf,
		SourceFile:    sourceFile,
		SourceLine:    sourceLine,
		ArgTypes:      directives.EffectiveTypes(),
		FormatOrLabel: format,
	}

	offset, err := tb.Dynamic.Synthesize(entry)
	if err != nil {
		return
	}

	pid, tid := adapter.PID(), adapter.TID()
	if pidOverride != nil {
		pid = *pidOverride
	}
	if tidOverride != nil {
		tid = *tidOverride
	}
	now := adapter.NowNS()

	record := encodeRecord(pid, tid, now, offset, args)
	tb.Ring.Put(record)
}

// encodeRecord serializes the fixed record header and truncated argument
// list into one body buffer, ready for ringbuf.Put.
func encodeRecord(pid, tid uint32, now uint64, catalogOffset uint32, args []argcodec.Value) []byte {
	args = truncateToFit(args)

	size := recordHeaderSize
	for _, a := range args {
		size += a.EncodedSize()
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], pid)
	binary.LittleEndian.PutUint32(buf[4:8], tid)
	binary.LittleEndian.PutUint64(buf[8:16], now)
	binary.LittleEndian.PutUint32(buf[16:20], catalogOffset)

	pos := recordHeaderSize
	for _, a := range args {
		n, err := argcodec.Encode(buf[pos:], a)
		if err != nil {
			continue
		}
		pos += n
	}

	return buf[:pos]
}

// truncateToFit applies spec §4.5 point 4: if the record would exceed
// maxRecordBody, truncate variable-length arguments from the right until it
// fits. No truncation flag is recorded, and a truncated argument is still a
// well-formed length-prefixed value, so the decoder renders it as a shorter
// string or dump and does not detect the truncation.
func truncateToFit(args []argcodec.Value) []argcodec.Value {
	total := recordTotal(args)
	if total <= maxRecordBody {
		return args
	}

	out := append([]argcodec.Value(nil), args...)
	for i := len(out) - 1; i >= 0 && recordTotal(out) > maxRecordBody; i-- {
		if !out[i].Type.Variable() {
			continue
		}
		overBy := recordTotal(out) - maxRecordBody
		budget := out[i].EncodedSize() - overBy
		if budget < 0 {
			budget = 0
		}
		out[i] = out[i].Truncated(budget)
	}
	return out
}

func recordTotal(args []argcodec.Value) int {
	size := recordHeaderSize
	for _, a := range args {
		size += a.EncodedSize()
	}
	return size
}
