package decoder

import (
	"container/heap"
	"iter"
)

// Merge returns a totally timestamp-ordered stream of events across
// snapshots, with ties broken by (tracebuffer name, ordinal) (spec §4.7:
// "Live streaming" and offline merge share this ordering rule). Each
// snapshot's own events stay in their original relative order.
func Merge(snapshots []*Snapshot) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		h := make(mergeHeap, 0, len(snapshots))
		stops := make([]func(), 0, len(snapshots))
		defer func() {
			for _, stop := range stops {
				stop()
			}
		}()

		for _, s := range snapshots {
			next, stop := iter.Pull(s.Iterate())
			stops = append(stops, stop)
			if ev, ok := next(); ok {
				heap.Push(&h, &mergeItem{ev: ev, next: next})
			} else {
				stop()
			}
		}
		heap.Init(&h)

		for h.Len() > 0 {
			item := heap.Pop(&h).(*mergeItem)
			if !yield(item.ev) {
				return
			}
			if ev, ok := item.next(); ok {
				item.ev = ev
				heap.Push(&h, item)
			}
		}
	}
}

type mergeItem struct {
	ev   Event
	next func() (Event, bool)
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].ev, h[j].ev
	if a.TimestampNS != b.TimestampNS {
		return a.TimestampNS < b.TimestampNS
	}
	if a.Tracebuffer != b.Tracebuffer {
		return a.Tracebuffer < b.Tracebuffer
	}
	return a.Ordinal < b.Ordinal
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
