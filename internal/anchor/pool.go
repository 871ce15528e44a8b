package anchor

import (
	"context"
	"sync"
)

// workerPool is a fixed-size goroutine pool with a bounded input queue.
type workerPool[T any] struct {
	queue   chan T
	process func(ctx context.Context, t T)
	wg      sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity size.
func newWorkerPool[T any](ctx context.Context, n, size int, fn func(context.Context, T)) *workerPool[T] {
	if n < 1 {
		n = 1
	}
	p := &workerPool[T]{
		queue:   make(chan T, size),
		process: fn,
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

func (p *workerPool[T]) run(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// submit enqueues a job without blocking (returns false if full).
func (p *workerPool[T]) submit(t T) bool {
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// drain closes the queue and waits for all workers to finish.
func (p *workerPool[T]) drain() {
	close(p.queue)
	p.wg.Wait()
}
