package timer

import (
	"errors"
	"time"
)

// ErrEmpty is returned by Top and Pop on an empty heap.
var ErrEmpty = errors.New("timer: heap is empty")

// Callback runs when a timer expires.
type Callback func()

// Timer is a single heap entry.
type Timer[K comparable] struct {
	Key      K
	Deadline time.Time
	Callback Callback
}

// Heap is a binary min-heap ordered by deadline with a key->index map, so
// any entry (not only the root) can be moved or removed in O(log n).
//
// Heap is not synchronized; callers serialize access.
type Heap[K comparable] struct {
	items []Timer[K]
	index map[K]int
}

// NewHeap creates an empty heap.
func NewHeap[K comparable]() *Heap[K] {
	return &Heap[K]{index: make(map[K]int)}
}

// Len returns the number of timers.
func (h *Heap[K]) Len() int { return len(h.items) }

// Contains reports whether key has a timer.
func (h *Heap[K]) Contains(key K) bool {
	_, ok := h.index[key]
	return ok
}

// Deadline returns the deadline registered for key.
func (h *Heap[K]) Deadline(key K) (time.Time, bool) {
	i, ok := h.index[key]
	if !ok {
		return time.Time{}, false
	}
	return h.items[i].Deadline, true
}

// Push inserts a timer, or updates deadline and callback in place when the
// key already exists.
func (h *Heap[K]) Push(key K, deadline time.Time, cb Callback) {
	if i, ok := h.index[key]; ok {
		h.items[i].Deadline = deadline
		h.items[i].Callback = cb
		h.fix(i)
		return
	}
	h.items = append(h.items, Timer[K]{Key: key, Deadline: deadline, Callback: cb})
	n := len(h.items) - 1
	h.index[key] = n
	h.up(n)
}

// Adjust moves an existing timer to a new deadline. Unknown keys are
// ignored; it reports whether the key was present.
func (h *Heap[K]) Adjust(key K, deadline time.Time) bool {
	i, ok := h.index[key]
	if !ok {
		return false
	}
	h.items[i].Deadline = deadline
	h.fix(i)
	return true
}

// Top returns the earliest timer.
func (h *Heap[K]) Top() (Timer[K], error) {
	if len(h.items) == 0 {
		return Timer[K]{}, ErrEmpty
	}
	return h.items[0], nil
}

// Pop removes and returns the earliest timer.
func (h *Heap[K]) Pop() (Timer[K], error) {
	if len(h.items) == 0 {
		return Timer[K]{}, ErrEmpty
	}
	t := h.items[0]
	h.remove(0)
	return t, nil
}

// Erase removes the timer for key, reporting whether it existed.
func (h *Heap[K]) Erase(key K) bool {
	i, ok := h.index[key]
	if !ok {
		return false
	}
	h.remove(i)
	return true
}

// Clear drops every timer.
func (h *Heap[K]) Clear() {
	clear(h.items)
	h.items = h.items[:0]
	clear(h.index)
}

// remove swaps i with the last entry, shrinks, and re-sifts i.
func (h *Heap[K]) remove(i int) {
	last := len(h.items) - 1
	if i != last {
		h.swap(i, last)
	}
	delete(h.index, h.items[last].Key)
	h.items[last] = Timer[K]{}
	h.items = h.items[:last]
	if i < last {
		h.fix(i)
	}
}

// fix restores order at i: down first, up if nothing moved.
func (h *Heap[K]) fix(i int) {
	if !h.down(i) {
		h.up(i)
	}
}

func (h *Heap[K]) less(i, j int) bool {
	return h.items[i].Deadline.Before(h.items[j].Deadline)
}

func (h *Heap[K]) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].Key] = i
	h.index[h.items[j].Key] = j
}

func (h *Heap[K]) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

// down reports whether the entry moved.
func (h *Heap[K]) down(i int) bool {
	start := i
	n := len(h.items)
	for {
		child := 2*i + 1
		if child >= n {
			break
		}
		if r := child + 1; r < n && h.less(r, child) {
			child = r
		}
		if !h.less(child, i) {
			break
		}
		h.swap(i, child)
		i = child
	}
	return i > start
}
