package connwatch

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO of connections. When full, Push evicts the oldest
// entry so the detector always works on the freshest events.
type Queue struct {
	mu      sync.Mutex
	buf     []Connection
	head    int
	size    int
	evicted uint64
	notify  chan struct{}
}

// NewQueue creates a queue holding at most capacity connections.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]Connection, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends c, evicting the oldest entry when the queue is full. It
// reports whether an eviction happened.
func (q *Queue) Push(c Connection) bool {
	q.mu.Lock()
	evicted := false
	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.evicted++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = c
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// TryPop removes the oldest entry without blocking.
func (q *Queue) TryPop() (Connection, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Connection{}, false
	}
	c := q.buf[q.head]
	q.buf[q.head] = Connection{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return c, true
}

// Pop blocks until an entry is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Connection, error) {
	for {
		if c, ok := q.TryPop(); ok {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return Connection{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued connections.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Evicted returns how many connections were dropped because the queue was full.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
