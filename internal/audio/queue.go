package audio

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned by Push when the consumer is behind; the block
	// is dropped and counted.
	ErrQueueFull = errors.New("audio: queue full")
	// ErrQueueClosed is returned by Push after Close.
	ErrQueueClosed = errors.New("audio: queue closed")
)

// Queue is the bounded single-producer/single-consumer handoff between the
// device callback and the processing goroutine. Push never blocks; Pop blocks
// until a block arrives or the queue is closed and drained.
type Queue struct {
	items   chan Block
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewQueue returns a queue holding at most capacity blocks (minimum 1).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make(chan Block, capacity),
		done:  make(chan struct{}),
	}
}

// Push enqueues b without blocking.
func (q *Queue) Push(b Block) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.items <- b:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Pop returns the next block in FIFO order. ok is false once the queue has
// been closed and every block pushed before Close has been returned.
func (q *Queue) Pop() (Block, bool) {
	select {
	case b := <-q.items:
		return b, true
	case <-q.done:
		select {
		case b := <-q.items:
			return b, true
		default:
			return Block{}, false
		}
	}
}

// Close stops accepting blocks and wakes a blocked Pop. Safe to call more
// than once and from any goroutine.
func (q *Queue) Close() {
	q.closed.Store(true)
	q.once.Do(func() { close(q.done) })
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool { return q.closed.Load() }

// Len is the number of blocks currently buffered.
func (q *Queue) Len() int { return len(q.items) }

// Cap is the configured capacity.
func (q *Queue) Cap() int { return cap(q.items) }

// Dropped counts Push calls rejected because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
