// Time-ordered event queue; ties are broken by insertion sequence
package sim

import (
	"container/heap"
	"time"
)

type eventKind int

const (
	eventWake eventKind = iota
	eventStart
	eventFunc
)

func (k eventKind) String() string {
	switch k {
	case eventWake:
		return "wake"
	case eventStart:
		return "start"
	default:
		return "func"
	}
}

// event is a single scheduled occurrence. Wake events carry the park generation of
// their task; a wake whose generation no longer matches is stale and skipped.
type event struct {
	at    time.Time
	seq   uint64
	kind  eventKind
	task  *task
	gen   uint64
	label string
	fn    func()
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

type eventQueue struct {
	h   eventHeap
	seq uint64
}

func (q *eventQueue) push(ev *event) {
	q.seq++
	ev.seq = q.seq
	heap.Push(&q.h, ev)
}

func (q *eventQueue) pop() (*event, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*event), true
}

func (q *eventQueue) len() int { return len(q.h) }
