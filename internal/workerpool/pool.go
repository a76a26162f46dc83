// Package workerpool runs jobs on a fixed set of goroutines fed by a bounded queue.
package workerpool

import (
	"context"
	"sync"
)

// Pool is a fixed-size goroutine pool with a bounded input queue. Submit
// never blocks: a full queue rejects the job.
type Pool[T any] struct {
	queue   chan T
	process func(ctx context.Context, t T) error
	onError func(t T, err error)
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates and starts a pool with n goroutines and queue capacity cap.
// onError may be nil.
func New[T any](ctx context.Context, n, cap int, fn func(context.Context, T) error, onError func(T, error)) *Pool[T] {
	if n <= 0 {
		n = 1
	}
	if cap < 0 {
		cap = 0
	}
	p := &Pool[T]{
		queue:   make(chan T, cap),
		process: fn,
		onError: onError,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *Pool[T]) run(ctx context.Context) {
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.process(ctx, j); err != nil && p.onError != nil {
				p.onError(j, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a job without blocking (returns false if full or drained).
func (p *Pool[T]) Submit(t T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Drain closes the queue and waits for the workers to finish what is queued.
// It is safe to call more than once.
func (p *Pool[T]) Drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *Pool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *Pool[T]) QueueCap() int {
	return cap(p.queue)
}
