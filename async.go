package livecache

import (
	"context"
	"sync"
	"time"
)

// Task is a handle to an operation running on the async worker pool.
type Task[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed when the task completes.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Wait blocks until the task completes or ctx is cancelled.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Async is the non-blocking view of a Cache. It is a thin adapter: every
// method runs the corresponding blocking call on a bounded worker pool and
// hands back a Task, so the core logic exists exactly once. When all workers
// are busy submissions overflow onto fresh goroutines rather than blocking
// the caller.
type Async struct {
	cache *Cache
	jobs  chan func()

	closeOnce sync.Once
}

// Async returns the task-based view of the cache, starting the worker pool
// on first use.
func (c *Cache) Async() *Async {
	c.asyncOnce.Do(func() {
		a := &Async{cache: c, jobs: make(chan func(), 4*c.cfg.workers)}
		for range c.cfg.workers {
			go a.worker()
		}
		c.async = a
	})
	return c.async
}

func (a *Async) worker() {
	for job := range a.jobs {
		job()
	}
}

func (a *Async) close() {
	a.closeOnce.Do(func() { close(a.jobs) })
}

func run[T any](a *Async, fn func() (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	job := func() {
		t.val, t.err = fn()
		close(t.done)
	}
	defer func() {
		// Submitting to a closed pool lands here; the cache is stopped, so
		// the blocking call will fail fast with ErrStopped on a goroutine.
		if recover() != nil {
			go job()
		}
	}()
	select {
	case a.jobs <- job:
	default:
		go job()
	}
	return t
}

func errTask(a *Async, fn func() error) *Task[struct{}] {
	return run(a, func() (struct{}, error) { return struct{}{}, fn() })
}

// Set stores value under key in the default bucket.
func (a *Async) Set(ctx context.Context, key string, value []byte, ttl time.Duration) *Task[struct{}] {
	return errTask(a, func() error { return a.cache.Set(ctx, key, value, ttl) })
}

// SetIn stores value under bucket/key.
func (a *Async) SetIn(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) *Task[struct{}] {
	return errTask(a, func() error { return a.cache.SetIn(ctx, bucket, key, value, ttl) })
}

// Get reads key from the default bucket.
func (a *Async) Get(ctx context.Context, key string) *Task[[]byte] {
	return run(a, func() ([]byte, error) { return a.cache.Get(ctx, key) })
}

// GetIn reads bucket/key.
func (a *Async) GetIn(ctx context.Context, bucket, key string) *Task[Value] {
	return run(a, func() (Value, error) { return a.cache.GetIn(ctx, bucket, key) })
}

// Delete removes key from the default bucket.
func (a *Async) Delete(ctx context.Context, key string) *Task[struct{}] {
	return errTask(a, func() error { return a.cache.Delete(ctx, key) })
}

// DeleteIn removes bucket/key.
func (a *Async) DeleteIn(ctx context.Context, bucket, key string) *Task[struct{}] {
	return errTask(a, func() error { return a.cache.DeleteIn(ctx, bucket, key) })
}

// Touch replaces the TTL of key in the default bucket.
func (a *Async) Touch(ctx context.Context, key string, ttl time.Duration) *Task[struct{}] {
	return errTask(a, func() error { return a.cache.Touch(ctx, key, ttl) })
}

// Lock acquires the advisory lock for key.
func (a *Async) Lock(ctx context.Context, key string, timeout time.Duration) *Task[struct{}] {
	return errTask(a, func() error { return a.cache.Lock(ctx, key, timeout) })
}
