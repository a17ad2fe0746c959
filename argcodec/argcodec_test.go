package argcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	dst := make([]byte, v.EncodedSize())
	n, err := Encode(dst, v)
	require.NoError(t, err)
	require.Equal(t, len(dst), n)

	got, consumed, err := Decode(dst, v.Type)
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	return got
}

func TestFixedWidthRoundTrip(t *testing.T) {
	assert.Equal(t, uint64(200), roundTrip(t, U8Value(200)).AsUint64())
	assert.Equal(t, uint64(uint8(int8(-5))), roundTrip(t, I8Value(-5)).AsUint64())
	assert.Equal(t, uint64(60000), roundTrip(t, U16Value(60000)).AsUint64())
	assert.Equal(t, uint64(4_000_000_000), roundTrip(t, U32Value(4_000_000_000)).AsUint64())
	assert.Equal(t, uint64(1<<63), roundTrip(t, U64Value(1<<63)).AsUint64())

	got := roundTrip(t, U128Value(0x1122334455667788, 0x99aabbccddeeff00))
	lo, hi := got.AsUint128()
	assert.Equal(t, uint64(0x1122334455667788), lo)
	assert.Equal(t, uint64(0x99aabbccddeeff00), hi)

	assert.InDelta(t, float32(3.5), roundTrip(t, F32Value(3.5)).AsFloat32(), 0)
	assert.InDelta(t, 2.71828, roundTrip(t, F64Value(2.71828)).AsFloat64(), 0)
	assert.Equal(t, uint64(0xdeadbeef), roundTrip(t, PointerValue(0xdeadbeef)).AsUint64())
}

func TestStringRoundTrip(t *testing.T) {
	got := roundTrip(t, StringValue("hello"))
	assert.Equal(t, "hello", string(got.AsBytes()))
	assert.Equal(t, 4+6, StringValue("hello").EncodedSize())
}

func TestNullStringEncodesLiterally(t *testing.T) {
	dst := make([]byte, NullStringValue().EncodedSize())
	n, err := Encode(dst, NullStringValue())
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, []byte{5, 0, 0, 0, 'n', 'u', 'l', 'l', 0}, dst)
}

func TestDumpRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	got := roundTrip(t, DumpValue(payload))
	assert.Equal(t, payload, got.AsBytes())
}

func TestTruncatedStringFitsBudget(t *testing.T) {
	v := StringValue("this is a fairly long string payload")
	truncated := v.Truncated(10)
	assert.LessOrEqual(t, truncated.EncodedSize(), 10)
}

func TestTruncatedDumpFitsBudget(t *testing.T) {
	v := DumpValue(make([]byte, 1000))
	truncated := v.Truncated(64)
	assert.Equal(t, 64, truncated.EncodedSize())
}

func TestTruncatedNoopWhenAlreadyFits(t *testing.T) {
	v := StringValue("short")
	assert.Equal(t, v, v.Truncated(1000))
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	_, _, err := Decode([]byte{10, 0, 0, 0, 'a', 'b'}, String)
	assert.Error(t, err)
}

func TestParseFormatBasic(t *testing.T) {
	got := ParseFormat("hello %s %u and %d%%")
	assert.Equal(t, []Type{String, U32, I32}, got)
}

func TestParseFormatLengthModifiers(t *testing.T) {
	got := ParseFormat("%lld %hhu %lf %p")
	assert.Equal(t, []Type{I64, U8, F64, Pointer}, got)
}

func TestResolveCachesAndDetectsFlex(t *testing.T) {
	d := Resolve("value=%d", []Type{U32})
	assert.True(t, d.Flex, "format wants i32, caller supplied u32")
	assert.Equal(t, []Type{I32}, d.EffectiveTypes())

	d2 := Resolve("value=%d", []Type{I32})
	assert.False(t, d2.Flex)
	assert.Equal(t, []Type{I32}, d2.EffectiveTypes())
}
