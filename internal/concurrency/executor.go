// File: internal/concurrency/executor.go
// Package concurrency implements the worker pool behind the task queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pool runs a fixed number of worker goroutines, each popping one item at a
// time from a shared BlockingQueue.

package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-ftp/internal/logging"
)

// TaskFunc processes one item popped from the queue.
type TaskFunc[T any] func(ctx context.Context, item T)

// PoolOption configures a Pool.
type PoolOption[T any] func(*Pool[T])

// WithPanicHandler is called with the recovered value whenever a task panics.
func WithPanicHandler[T any](fn func(v any)) PoolOption[T] {
	return func(p *Pool[T]) { p.onPanic = fn }
}

// Pool manages the worker goroutines.
type Pool[T any] struct {
	size    int
	queue   *BlockingQueue[T]
	task    TaskFunc[T]
	onPanic func(v any)
	log     logr.Logger

	mu      sync.Mutex
	group   *errgroup.Group
	started bool

	// statistics
	completed atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool of size workers. A size of zero is valid: nothing
// will consume the queue.
func NewPool[T any](size int, q *BlockingQueue[T], task TaskFunc[T], log logr.Logger, opts ...PoolOption[T]) *Pool[T] {
	if size < 0 {
		size = 0
	}
	p := &Pool[T]{
		size:  size,
		queue: q,
		task:  task,
		log:   log.WithName("workers"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Pool[T]) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	if p.size == 0 {
		p.log.Info("Worker pool is empty, queued requests will not be processed")
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			p.run(gctx, id)
			return nil
		})
	}
	p.group = g
	p.log.V(logging.VERBOSE).Info("Worker pool started", "size", p.size)
}

func (p *Pool[T]) run(ctx context.Context, id int) {
	log := p.log.WithValues("worker", id)
	ctx = logr.NewContext(ctx, log)
	for {
		item, ok := p.queue.PopFront()
		if !ok {
			log.V(logging.TRACE).Info("Worker exiting")
			return
		}
		p.execute(ctx, log, item)
	}
}

// execute runs the task and keeps the worker alive if it panics.
func (p *Pool[T]) execute(ctx context.Context, log logr.Logger, item T) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Error(fmt.Errorf("%v", r), "Task panicked")
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.completed.Add(1)
	}()
	p.task(ctx, item)
}

// Stop closes the queue, lets workers drain what is left and waits for them.
func (p *Pool[T]) Stop() {
	p.queue.Close()
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

// Size returns the configured number of workers.
func (p *Pool[T]) Size() int {
	return p.size
}

// Stats returns basic pool metrics.
func (p *Pool[T]) Stats() map[string]int64 {
	return map[string]int64{
		"completed_tasks": p.completed.Load(),
		"panicked_tasks":  p.panics.Load(),
		"pending_tasks":   int64(p.queue.Len()),
		"num_workers":     int64(p.size),
	}
}
