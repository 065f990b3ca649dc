package queue

import (
	"container/heap"
	"time"
)

// Wake is a pending fire time for one job. Gen identifies the arm that
// produced it so a superseded wake can be recognized after it pops.
type Wake struct {
	JobID string
	At    time.Time
	Gen   uint64
}

// index to track
type wakeItem struct {
	wake  Wake
	index int
}

// actual container
type wakeHeap []*wakeItem

func (h wakeHeap) Len() int           { return len(h) }
func (h wakeHeap) Less(i, j int) bool { return h[i].wake.At.Before(h[j].wake.At) } // earliest first

func (h wakeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wakeHeap) Push(x any) {
	item := x.(*wakeItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)

	item := old[n-1]
	old[n-1] = nil
	item.index = -1

	*h = old[:n-1]
	return item
}

// WakeQueue orders wakes by deadline and holds at most one wake per job id.
// It is not safe for concurrent use; the scheduler guards it.
type WakeQueue struct {
	h    wakeHeap
	byID map[string]*wakeItem
}

// Constructor
func NewWakeQueue() *WakeQueue {
	q := &WakeQueue{byID: make(map[string]*wakeItem)}
	heap.Init(&q.h)
	return q
}

// Set arms w, replacing any wake already held for w.JobID.
func (q *WakeQueue) Set(w Wake) {
	if item, ok := q.byID[w.JobID]; ok {
		item.wake = w
		heap.Fix(&q.h, item.index)
		return
	}
	item := &wakeItem{wake: w}
	heap.Push(&q.h, item)
	q.byID[w.JobID] = item
}

// Remove drops the wake for id and reports whether one existed.
func (q *WakeQueue) Remove(id string) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, item.index)
	delete(q.byID, id)
	return true
}

// Get returns the wake held for id.
func (q *WakeQueue) Get(id string) (Wake, bool) {
	item, ok := q.byID[id]
	if !ok {
		return Wake{}, false
	}
	return item.wake, true
}

// Next returns the earliest wake without removing it.
func (q *WakeQueue) Next() (Wake, bool) {
	if q.h.Len() == 0 {
		return Wake{}, false
	}
	return q.h[0].wake, true
}

// PopDue removes and returns every wake due at or before now, earliest first.
func (q *WakeQueue) PopDue(now time.Time) []Wake {
	var due []Wake
	for q.h.Len() > 0 && !q.h[0].wake.At.After(now) {
		item := heap.Pop(&q.h).(*wakeItem)
		delete(q.byID, item.wake.JobID)
		due = append(due, item.wake)
	}
	return due
}

func (q *WakeQueue) Len() int { return q.h.Len() }
