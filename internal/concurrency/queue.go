// File: internal/concurrency/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded multi-producer/multi-consumer FIFO used as the hand-off between
// the reactor goroutine and the worker pool.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-ftp/api"
)

// DefaultQueueCapacity is the number of in-flight tasks the reactor may hand
// off before PushBack starts blocking.
const DefaultQueueCapacity = 64

// BlockingQueue is a fixed-capacity FIFO. PushBack blocks while full and
// PopFront blocks while empty.
type BlockingQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    *queue.Queue
	capacity int
	closed   bool
}

// NewBlockingQueue creates a queue holding at most capacity items.
// Capacities below one are raised to one.
func NewBlockingQueue[T any](capacity int) *BlockingQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &BlockingQueue[T]{
		items:    queue.New(),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// PushBack appends v, waiting for room. Returns api.ErrQueueClosed once the
// queue is closed.
func (q *BlockingQueue[T]) PushBack(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return api.ErrQueueClosed
	}
	q.items.Add(v)
	q.notEmpty.Signal()
	return nil
}

// TryPushBack appends v only if there is room right now.
func (q *BlockingQueue[T]) TryPushBack(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.items.Length() >= q.capacity {
		return false
	}
	q.items.Add(v)
	q.notEmpty.Signal()
	return true
}

// PopFront removes the oldest item, waiting for one. After Close it keeps
// returning queued items and then reports ok == false.
func (q *BlockingQueue[T]) PopFront() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.items.Length() == 0 {
		return item, false
	}
	item = q.items.Remove().(T)
	q.notFull.Signal()
	return item, true
}

// Close wakes every blocked producer and consumer. Idempotent.
func (q *BlockingQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the number of queued items.
func (q *BlockingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Cap returns the capacity.
func (q *BlockingQueue[T]) Cap() int {
	return q.capacity
}
