// Package ring provides the bounded, keep-most-recent buffer that backs the
// engine's local record store.
//
// # Design
//
// Buffer is a fixed-capacity circular slice. Push overwrites the oldest
// element once the buffer is full, so the buffer always holds the most
// recent min(pushed, capacity) elements in push order. Push and eviction
// happen under one lock, so readers never observe a half-evicted state.
//
// # What this package must NOT do
//
//   - Import the root package or any sibling internal package.
//   - Allocate on Push once the backing slice has reached capacity.
package ring

import "sync"

// Buffer is a goroutine-safe ring buffer.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the oldest element once full
	size  int
	cap   int
}

// New returns an empty buffer holding at most capacity elements. A
// capacity below 1 is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	initial := capacity
	if initial > 1024 {
		initial = 1024
	}
	return &Buffer[T]{
		items: make([]T, 0, initial),
		cap:   capacity,
	}
}

// Push appends v. When the buffer is full the oldest element is dropped
// and returned with evicted=true.
func (b *Buffer[T]) Push(v T) (dropped T, evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < b.cap {
		b.items = append(b.items, v)
		b.size++
		return dropped, false
	}

	dropped = b.items[b.head]
	b.items[b.head] = v
	b.head = (b.head + 1) % b.cap
	return dropped, true
}

// Len returns the number of buffered elements.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the configured capacity.
func (b *Buffer[T]) Cap() int {
	return b.cap
}

// Snapshot copies the buffer oldest-first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, 0, b.size)
	b.each(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Filter copies, oldest-first, the elements keep accepts.
func (b *Buffer[T]) Filter(keep func(T) bool) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []T
	b.each(func(v T) bool {
		if keep(v) {
			out = append(out, v)
		}
		return true
	})
	return out
}

// Range calls fn oldest-first until it returns false. fn runs under the
// read lock and must not call back into the buffer.
func (b *Buffer[T]) Range(fn func(T) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.each(fn)
}

func (b *Buffer[T]) each(fn func(T) bool) {
	for i := 0; i < b.size; i++ {
		if !fn(b.items[(b.head+i)%len(b.items)]) {
			return
		}
	}
}
