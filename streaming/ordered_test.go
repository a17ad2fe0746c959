package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clltk/tracekit/decoder"
)

func ev(name string, ordinal, ts uint64) decoder.Event {
	return decoder.Event{Tracebuffer: name, Ordinal: ordinal, TimestampNS: ts}
}

func TestOrderedBufferReleasesPastWatermarkDelay(t *testing.T) {
	b := NewOrderedBuffer(16, 10, nil)

	b.Push(ev("a", 0, 100))
	b.Push(ev("a", 1, 105))
	assert.Empty(t, b.Ready(), "watermark is 105, delay 10: nothing is older than 95 yet")

	b.Push(ev("a", 2, 120))
	ready := b.Ready()
	require.Len(t, ready, 2)
	assert.Equal(t, uint64(100), ready[0].TimestampNS)
	assert.Equal(t, uint64(105), ready[1].TimestampNS)
}

func TestOrderedBufferDropsOldestWhenFull(t *testing.T) {
	b := NewOrderedBuffer(2, 0, nil)

	b.Push(ev("a", 0, 10))
	b.Push(ev("a", 1, 20))
	b.Push(ev("a", 2, 30))

	assert.Equal(t, uint64(1), b.Dropped())
	remaining := b.Flush()
	require.Len(t, remaining, 2)
	assert.Equal(t, uint64(20), remaining[0].TimestampNS)
	assert.Equal(t, uint64(30), remaining[1].TimestampNS)
}

func TestOrderedBufferFlushReturnsEverythingInOrder(t *testing.T) {
	b := NewOrderedBuffer(16, 1_000_000, nil)
	b.Push(ev("b", 0, 50))
	b.Push(ev("a", 1, 50))
	b.Push(ev("a", 0, 10))

	out := b.Flush()
	require.Len(t, out, 3)
	assert.Equal(t, uint64(10), out[0].TimestampNS)
	assert.Equal(t, "a", out[1].Tracebuffer)
	assert.Equal(t, "b", out[2].Tracebuffer)
	assert.Empty(t, b.Flush())
}

func TestOrderedBufferRunFansInAndFlushesOnCancel(t *testing.T) {
	b := NewOrderedBuffer(16, 0, nil)

	src := make(chan decoder.Event, 4)
	out := make(chan decoder.Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, []<-chan decoder.Event{src}, out, time.Millisecond)
	}()

	src <- ev("a", 0, 1)
	src <- ev("a", 1, 2)

	require.Eventually(t, func() bool { return len(out) >= 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
