package discord

import (
	"sync/atomic"
	"time"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

// BoundedQueue buffers normalized messages between the gateway worker
// (the only producer) and HandleWebhook drains. Overflow drops the oldest
// queued message so the newest traffic wins; every drop is counted, never
// silently ignored and never blocking.
type BoundedQueue struct {
	ch      chan platform.Message
	dropped atomic.Uint64
}

// NewBoundedQueue constructs a queue with the given capacity.
func NewBoundedQueue(capacity int) *BoundedQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &BoundedQueue{
		ch: make(chan platform.Message, capacity),
	}
}

// Push enqueues a message, evicting the oldest entry when full.
func (q *BoundedQueue) Push(msg platform.Message) {
	for {
		select {
		case q.ch <- msg:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Drain pulls up to max queued messages, waiting at most wait for the
// first one. An empty queue yields nil, not an error.
func (q *BoundedQueue) Drain(max int, wait time.Duration) []platform.Message {
	if max <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []platform.Message
	select {
	case msg := <-q.ch:
		out = append(out, msg)
	case <-timer.C:
		return nil
	}

	for len(out) < max {
		select {
		case msg := <-q.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

// Len returns the current queue depth.
func (q *BoundedQueue) Len() int {
	return len(q.ch)
}

// Dropped returns the total number of evicted messages.
func (q *BoundedQueue) Dropped() uint64 {
	return q.dropped.Load()
}
