// Package future provides a single-assignment result holder with completion
// listeners. It is used for asynchronous hand-offs between the prepare
// coordinator, the node-local prepare handler and callers waiting on a verdict.
package future

import (
	"context"
	"sync"
)

// Future holds a value or an error that is assigned exactly once.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	val       T
	err       error
	listeners []func(T, error)
}

// New returns an incomplete future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that is already completed with v and err.
func Completed[T any](v T, err error) *Future[T] {
	f := New[T]()
	f.Complete(v, err)
	return f
}

// Complete assigns the result. Only the first call has an effect; it reports
// whether this call completed the future. Listeners run on the calling goroutine.
func (f *Future[T]) Complete(v T, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.val, f.err = v, err
	close(f.done)
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(v, err)
	}
	return true
}

// Listen registers fn to run once the future completes. If it has already
// completed, fn runs immediately on the calling goroutine.
func (f *Future[T]) Listen(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.val, f.err
		f.mu.Unlock()
		fn(v, err)
		return
	default:
	}
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future completes or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
