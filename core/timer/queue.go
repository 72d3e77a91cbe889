package timer

import (
	"sync"
	"time"
)

// Queue is a Heap guarded by a mutex. Expired callbacks run outside the
// lock so they may call back into the queue (for example to Erase).
type Queue[K comparable] struct {
	mu   sync.Mutex
	heap *Heap[K]
}

// NewQueue creates an empty queue.
func NewQueue[K comparable]() *Queue[K] {
	return &Queue[K]{heap: NewHeap[K]()}
}

// Add registers or replaces the timer for key.
func (q *Queue[K]) Add(key K, deadline time.Time, cb Callback) {
	q.mu.Lock()
	q.heap.Push(key, deadline, cb)
	q.mu.Unlock()
}

// Adjust resets the deadline of an existing timer.
func (q *Queue[K]) Adjust(key K, deadline time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Adjust(key, deadline)
}

// Erase removes the timer for key.
func (q *Queue[K]) Erase(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Erase(key)
}

// Len returns the number of pending timers.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Next returns the earliest deadline.
func (q *Queue[K]) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.heap.Top()
	if err != nil {
		return time.Time{}, false
	}
	return t.Deadline, true
}

// Expire removes every timer due at or before now and then runs their
// callbacks in deadline order. It returns the number of expired timers.
func (q *Queue[K]) Expire(now time.Time) int {
	var due []Timer[K]

	q.mu.Lock()
	for q.heap.Len() > 0 {
		top, _ := q.heap.Top()
		if top.Deadline.After(now) {
			break
		}
		q.heap.Pop()
		due = append(due, top)
	}
	q.mu.Unlock()

	for _, t := range due {
		if t.Callback != nil {
			t.Callback()
		}
	}
	return len(due)
}
