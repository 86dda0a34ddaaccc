// Package msgqueue provides the bounded multi-producer message queue used
// by each reactor thread. FIFO per sender and linearizable in enqueue
// order overall; producers block while the queue is full.
package msgqueue

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is a bounded FIFO safe for concurrent producers and consumers.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	ring     *queue.Queue
	capacity int
	closed   bool
}

// New returns a queue holding at most capacity items.
func New(capacity int) *Queue {
	q := &Queue{
		ring:     queue.New(),
		capacity: capacity,
	}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put enqueues v, blocking while the queue is full. It returns false when
// the queue has been closed.
func (q *Queue) Put(v any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.ring.Length() >= q.capacity {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.ring.Add(v)
	return true
}

// TryGet dequeues the oldest item without blocking.
func (q *Queue) TryGet() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ring.Length() == 0 {
		return nil, false
	}
	v := q.ring.Remove()
	q.notFull.Signal()
	return v, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Length()
}

// Close rejects further Puts and wakes blocked producers. Queued items stay
// readable through TryGet.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notFull.Broadcast()
}
