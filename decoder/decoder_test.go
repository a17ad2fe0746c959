package decoder

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clltk/tracekit/argcodec"
	"github.com/clltk/tracekit/catalog"
	"github.com/clltk/tracekit/internal/osapi"
	"github.com/clltk/tracekit/ringbuf"
	"github.com/clltk/tracekit/tracebuffer"
	"github.com/clltk/tracekit/tracepoint"
)

func bindAndClose(t *testing.T, name string, ringBodySize uint64, adapter osapi.Adapter, emit func(tb *tracebuffer.Tracebuffer)) string {
	t.Helper()
	dir := t.TempDir()
	tb, err := tracebuffer.Bind(name, ringBodySize, tracebuffer.WithDir(dir), tracebuffer.WithAdapter(adapter))
	require.NoError(t, err)
	emit(tb)
	require.NoError(t, tb.Close())
	return tb.Path
}

func TestIterateDecodesDynamicEvent(t *testing.T) {
	adapter := osapi.NewFake(123, 456)
	adapter.SetNowNS(9000)

	path := bindAndClose(t, "dec_dynamic", 4096, adapter, func(tb *tracebuffer.Tracebuffer) {
		tracepoint.EmitDynamic("dec_dynamic", "main.go", 10, nil, nil, "count=%d", []argcodec.Value{argcodec.I32Value(7)}, adapter)
	})

	snap, err := Open(path, nil, osapi.Default)
	require.NoError(t, err)
	defer snap.Close()

	var events []Event
	for ev := range snap.Iterate() {
		events = append(events, ev)
	}

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, KindDynamic, ev.Kind)
	assert.Equal(t, "dec_dynamic", ev.Tracebuffer)
	assert.Equal(t, uint32(123), ev.PID)
	assert.Equal(t, uint32(456), ev.TID)
	assert.Equal(t, uint64(9000), ev.TimestampNS)
	assert.Equal(t, "main.go", ev.SourceFile)
	assert.Equal(t, uint32(10), ev.SourceLine)
	assert.Equal(t, "count=7", ev.RenderedMessage)
}

func TestIterateDecodesStaticEvent(t *testing.T) {
	adapter := osapi.NewFake(1, 2)
	static := catalog.NewStaticSource()
	offset := static.Register("dec_static", catalog.Entry{
		Kind:          catalog.Printf,
		SourceFile:    "static.go",
		SourceLine:    5,
		ArgTypes:      []argcodec.Type{argcodec.String},
		FormatOrLabel: "hello %s",
	})

	path := bindAndClose(t, "dec_static", 4096, adapter, func(tb *tracebuffer.Tracebuffer) {
		tracepoint.EmitPrintf(tb, offset, []argcodec.Value{argcodec.StringValue("world")}, adapter)
	})

	snap, err := Open(path, static, osapi.Default)
	require.NoError(t, err)
	defer snap.Close()

	var events []Event
	for ev := range snap.Iterate() {
		events = append(events, ev)
	}

	require.Len(t, events, 1)
	assert.Equal(t, KindStatic, events[0].Kind)
	assert.Equal(t, "hello world", events[0].RenderedMessage)
}

func TestIterateDecodesDumpEvent(t *testing.T) {
	adapter := osapi.NewFake(1, 2)
	static := catalog.NewStaticSource()
	offset := static.Register("dec_dump", catalog.Entry{
		Kind:          catalog.DumpKind,
		SourceFile:    "dump.go",
		SourceLine:    1,
		ArgTypes:      []argcodec.Type{argcodec.Dump},
		FormatOrLabel: "packet",
	})

	path := bindAndClose(t, "dec_dump", 4096, adapter, func(tb *tracebuffer.Tracebuffer) {
		tracepoint.EmitDump(tb, offset, []byte{0xde, 0xad, 0xbe, 0xef}, adapter)
	})

	snap, err := Open(path, static, osapi.Default)
	require.NoError(t, err)
	defer snap.Close()

	var events []Event
	for ev := range snap.Iterate() {
		events = append(events, ev)
	}

	require.Len(t, events, 1)
	assert.Equal(t, "packet: deadbeef", events[0].RenderedMessage)
}

func TestIterateEmitsErrorOnCorruptBody(t *testing.T) {
	adapter := osapi.NewFake(1, 2)
	path := bindAndClose(t, "dec_corrupt", 4096, adapter, func(tb *tracebuffer.Tracebuffer) {
		tracepoint.EmitDynamic("dec_corrupt", "f.go", 1, nil, nil, "x=%d", []argcodec.Value{argcodec.I32Value(1)}, adapter)
	})

	// Flip a body byte in place, just past the 4-byte frame head of the
	// first (and only) record, so its body CRC no longer matches.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	bodyByteOffset := int64(ringbuf.HeaderSize) + 4
	var orig [1]byte
	_, err = f.ReadAt(orig[:], bodyByteOffset)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{orig[0] ^ 0xFF}, bodyByteOffset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	snap, err := Open(path, nil, osapi.Default)
	require.NoError(t, err)
	defer snap.Close()

	var events []Event
	for ev := range snap.Iterate() {
		events = append(events, ev)
	}

	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)
	assert.NotEmpty(t, events[0].RawBytes)
}

func TestIterateIsRepeatable(t *testing.T) {
	adapter := osapi.NewFake(1, 2)
	path := bindAndClose(t, "dec_repeat", 4096, adapter, func(tb *tracebuffer.Tracebuffer) {
		tracepoint.EmitDynamic("dec_repeat", "f.go", 1, nil, nil, "a", nil, adapter)
		tracepoint.EmitDynamic("dec_repeat", "f.go", 2, nil, nil, "b", nil, adapter)
	})

	snap, err := Open(path, nil, osapi.Default)
	require.NoError(t, err)
	defer snap.Close()

	first := collect(snap)
	second := collect(snap)
	assert.Equal(t, first, second)
	require.Len(t, first, 2)
}

func TestMergeOrdersByTimestampAcrossSnapshots(t *testing.T) {
	adapterA := osapi.NewFake(1, 1)
	adapterA.SetNowNS(200)
	pathA := bindAndClose(t, "dec_merge.a", 4096, adapterA, func(tb *tracebuffer.Tracebuffer) {
		tracepoint.EmitDynamic("dec_merge.a", "a.go", 1, nil, nil, "late", nil, adapterA)
	})

	adapterB := osapi.NewFake(2, 2)
	adapterB.SetNowNS(100)
	pathB := bindAndClose(t, "dec_merge.b", 4096, adapterB, func(tb *tracebuffer.Tracebuffer) {
		tracepoint.EmitDynamic("dec_merge.b", "b.go", 1, nil, nil, "early", nil, adapterB)
	})

	snapA, err := Open(pathA, nil, osapi.Default)
	require.NoError(t, err)
	defer snapA.Close()
	snapB, err := Open(pathB, nil, osapi.Default)
	require.NoError(t, err)
	defer snapB.Close()

	var merged []Event
	for ev := range Merge([]*Snapshot{snapA, snapB}) {
		merged = append(merged, ev)
	}

	require.Len(t, merged, 2)
	assert.Equal(t, "early", merged[0].RenderedMessage)
	assert.Equal(t, "late", merged[1].RenderedMessage)
}

func collect(s *Snapshot) []Event {
	var out []Event
	for ev := range s.Iterate() {
		out = append(out, ev)
	}
	return out
}
