package scheduler

import (
	"container/heap"
	"sync"
)

// keyHeap is a min-heap of bucket keys. Keys of emptied buckets may linger and
// are skipped when popped.
type keyHeap []int64

func (h keyHeap) Len() int           { return len(h) }
func (h keyHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h keyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *keyHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *keyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Queue orders tasks by next call time, grouped into buckets of resolution
// ticks. A bucket becomes due at key*resolution, which is never before any
// of its tasks' call times.
type Queue struct {
	mu         sync.Mutex
	resolution int64
	buckets    map[int64][]*Task
	keys       keyHeap
	where      map[*Task]int64
}

func NewQueue(resolution int64) *Queue {
	if resolution < 1 {
		resolution = 1
	}
	return &Queue{
		resolution: resolution,
		buckets:    make(map[int64][]*Task),
		where:      make(map[*Task]int64),
	}
}

func (q *Queue) keyFor(callTime int64) int64 {
	if callTime <= 0 {
		return 0
	}
	return (callTime + q.resolution - 1) / q.resolution
}

// Add queues t, moving it to QUEUED.
func (q *Queue) Add(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := t.setQueued(); err != nil {
		return err
	}
	key := q.keyFor(t.NextCallTime())
	b, ok := q.buckets[key]
	if !ok {
		heap.Push(&q.keys, key)
	}
	q.buckets[key] = append(b, t)
	q.where[t] = key
	return nil
}

// Remove takes t out of the queue and reports whether it was queued.
func (q *Queue) Remove(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, ok := q.where[t]
	if !ok {
		return false
	}
	delete(q.where, t)
	b := q.buckets[key]
	for i, x := range b {
		if x == t {
			b = append(b[:i], b[i+1:]...)
			break
		}
	}
	if len(b) == 0 {
		delete(q.buckets, key)
	} else {
		q.buckets[key] = b
	}
	t.setUnqueued()
	return true
}

// Poll removes and returns every task due at or before now, earliest bucket
// first. Returned tasks are UNQUEUED unless they died meanwhile.
func (q *Queue) Poll(now int64) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for q.keys.Len() > 0 && q.keys[0]*q.resolution <= now {
		key := heap.Pop(&q.keys).(int64)
		b, ok := q.buckets[key]
		if !ok {
			continue
		}
		delete(q.buckets, key)
		for _, t := range b {
			delete(q.where, t)
			t.setUnqueued()
			out = append(out, t)
		}
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.where)
}

func (q *Queue) Contains(t *Task) bool {
	q.mu.Lock()
	_, ok := q.where[t]
	q.mu.Unlock()
	return ok
}

// Tasks returns the queued tasks in no particular order.
func (q *Queue) Tasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.where))
	for t := range q.where {
		out = append(out, t)
	}
	return out
}
