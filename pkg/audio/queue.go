package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueCapacity holds ten seconds of 50 ms blocks.
const DefaultQueueCapacity = 200

// FrameQueue is a bounded FIFO hand-off between the realtime capture callback
// and the decode loop. When full, Push evicts the oldest buffered frame, so a
// slow consumer can never block the producer or grow memory past the
// configured capacity.
//
// Push and Pop are safe to call from different goroutines. The critical
// section is a fixed number of slice index operations.
type FrameQueue struct {
	mu    sync.Mutex
	ring  [][]byte
	head  int // index of the oldest element
	count int
	bytes int

	// ready holds at most one pending wake-up for Pop.
	ready chan struct{}

	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// NewFrameQueue returns a FrameQueue holding at most capacity frames.
// A non-positive capacity falls back to [DefaultQueueCapacity].
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{
		ring:  make([][]byte, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends frame to the queue without blocking. It reports whether the
// oldest frame had to be evicted to make room. The queue takes ownership of
// frame; callers must not modify it afterwards.
func (q *FrameQueue) Push(frame []byte) (dropped bool) {
	q.mu.Lock()
	if q.count == len(q.ring) {
		q.bytes -= len(q.ring[q.head])
		q.ring[q.head] = nil
		q.head = (q.head + 1) % len(q.ring)
		q.count--
		dropped = true
	}
	q.ring[(q.head+q.count)%len(q.ring)] = frame
	q.count++
	q.bytes += len(frame)
	q.mu.Unlock()

	q.pushed.Add(1)
	if dropped {
		q.dropped.Add(1)
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop removes and returns the oldest frame, or reports false if the queue
// is empty.
func (q *FrameQueue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	frame := q.ring[q.head]
	q.bytes -= len(frame)
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return frame, true
}

// Pop waits up to timeout for a frame. It returns false if the timeout
// elapses or ctx is cancelled while the queue is empty. Pop never spins: it
// parks on the queue's wake-up channel between attempts.
func (q *FrameQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	if frame, ok := q.TryPop(); ok {
		return frame, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.ready:
			if frame, ok := q.TryPop(); ok {
				return frame, true
			}
		case <-timer.C:
			return q.TryPop()
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Bytes returns the total payload size of the buffered frames.
func (q *FrameQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Cap returns the maximum number of buffered frames.
func (q *FrameQueue) Cap() int { return len(q.ring) }

// Dropped returns how many frames were evicted because the queue was full.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

// Pushed returns how many frames were ever pushed.
func (q *FrameQueue) Pushed() uint64 { return q.pushed.Load() }
