package scheduler

import (
	"sync"
	"time"

	"github.com/pbateman/ggufserve/types"
)

// pendingRequest pairs a caller's payload with the promise it awaits.
// Once enqueued the payload is never mutated.
type pendingRequest struct {
	id         string
	params     *types.GenerationParams
	promise    *Promise
	enqueuedAt time.Time
}

// RequestQueue is an unbounded FIFO of pending requests, safe for any
// number of producers and a single consumer.
type RequestQueue struct {
	mu     sync.Mutex
	items  []*pendingRequest
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newRequestQueue() *RequestQueue {
	return &RequestQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue appends to the tail without blocking. It fails only when the
// queue has been closed for shutdown.
func (q *RequestQueue) Enqueue(req *pendingRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.NewError(types.ErrShuttingDown, "request queue closed")
	}
	q.items = append(q.items, req)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the head, blocking the consumer up to
// timeout. ok is false when the wait timed out or the queue closed empty;
// that is an "empty" signal, not an error.
func (q *RequestQueue) Dequeue(timeout time.Duration) (req *pendingRequest, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			req = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return req, true
		}
		closed := q.closed
		done := q.done
		q.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-q.wake:
		case <-done:
		case <-timer.C:
			return nil, false
		}
	}
}

// Len reports the current queue depth.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues and wakes a blocked consumer. Items
// already queued remain until drained.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Reopen accepts enqueues again after a Close, for scheduler restart. The
// caller must guarantee no consumer is blocked in Dequeue.
func (q *RequestQueue) Reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		return
	}
	q.closed = false
	q.done = make(chan struct{})
}

// Drain removes and returns everything still queued.
func (q *RequestQueue) Drain() []*pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
