// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"container/heap"
	"time"
)

type timer struct {
	handle Handle
	when   time.Time
	seq    uint64
	fn     func()
	index  int
}

// timerHeap orders by deadline, then by registration order so timers due
// at the same instant run first-in first-out.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue is the bookkeeping shared by Loop and Manual. It is not
// safe for concurrent use; callers hold their own lock.
type timerQueue struct {
	heap   timerHeap
	byID   map[Handle]*timer
	nextID Handle
	seq    uint64
}

func newTimerQueue() timerQueue {
	return timerQueue{byID: make(map[Handle]*timer)}
}

func (q *timerQueue) add(when time.Time, fn func()) Handle {
	q.nextID++
	q.seq++
	t := &timer{handle: q.nextID, when: when, seq: q.seq, fn: fn}
	heap.Push(&q.heap, t)
	q.byID[t.handle] = t
	return t.handle
}

func (q *timerQueue) cancel(h Handle) bool {
	t, ok := q.byID[h]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, t.index)
	delete(q.byID, h)
	return true
}

// popDue removes and returns the earliest timer due at or before now.
func (q *timerQueue) popDue(now time.Time) (func(), bool) {
	if len(q.heap) == 0 || q.heap[0].when.After(now) {
		return nil, false
	}
	t := heap.Pop(&q.heap).(*timer)
	delete(q.byID, t.handle)
	return t.fn, true
}

func (q *timerQueue) next() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].when, true
}

func (q *timerQueue) deadlines() []time.Time {
	out := make([]time.Time, 0, len(q.heap))
	for _, t := range q.heap {
		out = append(out, t.when)
	}
	return out
}
