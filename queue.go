package main

import (
	"errors"
	"sync"
)

var errQueueClosed = errors.New("outbound queue closed")

// outQueue is the unbounded per-connection outbound buffer. Producers never
// block; the write pump drains batches as the socket keeps up.
type outQueue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
	closed bool
}

func newOutQueue() *outQueue {
	return &outQueue{signal: make(chan struct{}, 1)}
}

// Push appends a frame for delivery. Frames pushed after Close are rejected.
func (q *outQueue) Push(frame []byte) error {
	if q == nil {
		return errQueueClosed
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	q.items = append(q.items, frame)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Drain removes every buffered frame. The second return reports whether the
// queue is still open; a closed queue with drained items signals the write
// pump to flush and exit.
func (q *outQueue) Drain() ([][]byte, bool) {
	if q == nil {
		return nil, false
	}
	q.mu.Lock()
	items := q.items
	q.items = nil
	open := !q.closed
	q.mu.Unlock()
	return items, open
}

// Close rejects further pushes. Already-buffered frames stay drainable.
func (q *outQueue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Wait exposes the wakeup channel the write pump blocks on.
func (q *outQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *outQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
