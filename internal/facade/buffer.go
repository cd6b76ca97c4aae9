package facade

import "sync"

// ChangeBuffer is a thread-safe ring buffer that doubles its capacity when
// it reaches 70% full, so a slow consumer backs up memory instead of
// blocking the producer.
type ChangeBuffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int
	tail     int
	count    int
	capacity int
	closed   bool

	totalIn  int64
	totalOut int64
	resizes  int
}

// NewChangeBuffer creates a buffer with the given initial capacity.
func NewChangeBuffer[T any](initialCapacity int) *ChangeBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	b := &ChangeBuffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends an item, growing the buffer when near capacity. Returns false
// once the buffer is closed.
func (b *ChangeBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalIn++

	b.cond.Signal()
	return true
}

// Receive blocks until an item is available or the buffer is closed. The
// second return is false only when the buffer is closed and drained.
func (b *ChangeBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.count == 0 {
		var zero T
		return zero, false
	}

	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalOut++
	return item, true
}

// Close wakes all receivers; remaining items can still be drained.
func (b *ChangeBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of buffered items.
func (b *ChangeBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// grow doubles capacity. Caller must hold the lock.
func (b *ChangeBuffer[T]) grow() {
	bigger := make([]T, b.capacity*2)
	if b.count > 0 {
		if b.head < b.tail {
			copy(bigger, b.buf[b.head:b.tail])
		} else {
			n := copy(bigger, b.buf[b.head:])
			copy(bigger[n:], b.buf[:b.tail])
		}
	}
	b.buf = bigger
	b.head = 0
	b.tail = b.count
	b.capacity *= 2
	b.resizes++
}
