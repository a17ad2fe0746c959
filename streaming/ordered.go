// Package streaming implements the optional live-ordering layer spec §4.7
// calls out: an OrderedBuffer that accepts decoder.Event values from
// concurrent readers and releases whichever are at or before
// (watermark - delay), where watermark is the maximum timestamp observed
// across every reader so far. It is bounded, with an oldest-drop policy
// once full, matching the ring buffer's own eviction policy (spec §4.1)
// applied one layer up.
package streaming

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clltk/tracekit/decoder"
)

// OrderedBuffer holds events keyed by timestamp, releasing them once no
// reader can plausibly still produce an older one within DelayNS.
type OrderedBuffer struct {
	mu        sync.Mutex
	heap      orderedHeap
	capacity  int
	delayNS   uint64
	watermark uint64
	dropped   uint64
	log       *zap.SugaredLogger
}

// NewOrderedBuffer returns a buffer holding at most capacity events,
// releasing an event once the watermark has advanced delayNS past it.
// A nil logger defaults to a no-op sink.
func NewOrderedBuffer(capacity int, delayNS uint64, log *zap.SugaredLogger) *OrderedBuffer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &OrderedBuffer{capacity: capacity, delayNS: delayNS, log: log}
}

// Push inserts ev, advancing the watermark if ev.TimestampNS is the newest
// seen so far, and dropping the single oldest buffered event if the push
// would exceed capacity (spec §4.7: "Bounded size with oldest-drop policy
// when full").
func (b *OrderedBuffer) Push(ev decoder.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	heap.Push(&b.heap, ev)
	if ev.TimestampNS > b.watermark {
		b.watermark = ev.TimestampNS
	}

	for len(b.heap) > b.capacity {
		dropped := heap.Pop(&b.heap).(decoder.Event)
		b.dropped++
		b.log.Debugw("streaming: dropped oldest buffered event", "tracebuffer", dropped.Tracebuffer, "ordinal", dropped.Ordinal)
	}
}

// Ready pops and returns, oldest first, every buffered event whose
// timestamp is at or before (watermark - delayNS). Each call returns its
// events in timestamp order; an event pushed after a newer one was already
// released comes out in a later call, after that newer event.
func (b *OrderedBuffer) Ready() []decoder.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := saturatingSub(b.watermark, b.delayNS)
	var out []decoder.Event
	for len(b.heap) > 0 && b.heap[0].TimestampNS <= cutoff {
		out = append(out, heap.Pop(&b.heap).(decoder.Event))
	}
	return out
}

// Flush releases every remaining buffered event in order, ignoring the
// watermark delay. Spec §4.7: "Finalising the reader flushes all
// remaining events in order."
func (b *OrderedBuffer) Flush() []decoder.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]decoder.Event, 0, len(b.heap))
	for len(b.heap) > 0 {
		out = append(out, heap.Pop(&b.heap).(decoder.Event))
	}
	return out
}

// Dropped returns the number of events evicted so far for exceeding
// capacity.
func (b *OrderedBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Run fans sources in concurrently (one goroutine per source, matching the
// teacher's runReaders/spawnWakers shape in modules/pdump/controlplane/ring.go),
// pushes every received event into b, and on each tick drains b.Ready()
// into out. On ctx cancellation it stops accepting new events, flushes
// whatever remains, and returns.
func (b *OrderedBuffer) Run(ctx context.Context, sources []<-chan decoder.Event, out chan<- decoder.Event, tick time.Duration) error {
	wg, gctx := errgroup.WithContext(ctx)

	for _, src := range sources {
		src := src
		wg.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev, ok := <-src:
					if !ok {
						return nil
					}
					b.Push(ev)
				}
			}
		})
	}

	wg.Go(func() error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				for _, ev := range b.Flush() {
					select {
					case out <- ev:
					case <-ctx.Done():
					}
				}
				return nil
			case <-ticker.C:
				for _, ev := range b.Ready() {
					select {
					case out <- ev:
					case <-gctx.Done():
						return nil
					}
				}
			}
		}
	})

	return wg.Wait()
}

// orderedHeap is a min-heap of decoder.Event ordered by timestamp, with
// ties broken the same way decoder.Merge breaks them: tracebuffer name,
// then ordinal.
type orderedHeap []decoder.Event

func (h orderedHeap) Len() int { return len(h) }

func (h orderedHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.TimestampNS != b.TimestampNS {
		return a.TimestampNS < b.TimestampNS
	}
	if a.Tracebuffer != b.Tracebuffer {
		return a.Tracebuffer < b.Tracebuffer
	}
	return a.Ordinal < b.Ordinal
}

func (h orderedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *orderedHeap) Push(x any) { *h = append(*h, x.(decoder.Event)) }

func (h *orderedHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}
