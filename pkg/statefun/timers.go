package statefun

import (
	"container/heap"
	"sync"
	"time"
)

type timer struct {
	seq     uint64
	due     time.Time
	message Message
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timer)) }

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// timerQueue holds the delayed messages of one activation, ordered by
// due time and then by scheduling order.
type timerQueue struct {
	mutex sync.Mutex
	limit int
	seq   uint64
	heap  timerHeap
}

func newTimerQueue(limit int) *timerQueue {
	return &timerQueue{limit: limit}
}

// push schedules the whole batch or none of it.
func (q *timerQueue) push(batch []delayedMessage) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.heap)+len(batch) > q.limit {
		return ErrTimerQueueFull
	}

	for _, d := range batch {
		q.seq++
		heap.Push(&q.heap, &timer{seq: q.seq, due: d.due, message: d.message})
	}

	return nil
}

// next returns the earliest due time, if any.
func (q *timerQueue) next() (time.Time, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].due, true
}

// popDue removes and returns every timer due at or before now, in firing order.
func (q *timerQueue) popDue(now time.Time) []*timer {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var due []*timer
	for len(q.heap) > 0 && !q.heap[0].due.After(now) {
		due = append(due, heap.Pop(&q.heap).(*timer))
	}
	return due
}

func (q *timerQueue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.heap)
}

// free reports how many more timers the queue accepts.
func (q *timerQueue) free() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.limit - len(q.heap)
}

// clear drops every pending timer and reports how many were dropped.
func (q *timerQueue) clear() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	n := len(q.heap)
	q.heap = nil
	return n
}
