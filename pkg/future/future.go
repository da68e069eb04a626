// Package future provides a settle once result shared between the issuer of
// an asynchronous operation and its waiters.
package future

import (
	"context"
	"sync"

	epyq "github.com/epcpower/goepyq"
)

// Future is resolved with a value or rejected with an error, the first
// settle wins and later ones are ignored.
type Future[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	value    T
	err      error
	settled  bool
	callback []func(T, error)
	cancel   func()
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns an already resolved future
func Resolved[T any](value T) *Future[T] {
	f := New[T]()
	f.Resolve(value)
	return f
}

// Rejected returns an already rejected future
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with value, returns false if already settled
func (f *Future[T]) Resolve(value T) bool {
	return f.settle(value, nil)
}

// Reject settles the future with err, returns false if already settled
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(value T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	callbacks := f.callback
	f.callback = nil
	f.cancel = nil
	close(f.done)
	f.mu.Unlock()

	for _, callback := range callbacks {
		callback(value, err)
	}
	return true
}

// Done is closed once the future is settled
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a result
func (f *Future[T]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Result returns the settled result, only meaningful once Done is closed
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait blocks until the future settles or ctx ends
// Ending ctx does not cancel the operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnSettled runs callback once settled, immediately if already settled
func (f *Future[T]) OnSettled(callback func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callback = append(f.callback, callback)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	callback(value, err)
}

// SetCanceler installs the hook run by Cancel
// The hook is expected to reject the future.
func (f *Future[T]) SetCanceler(cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		f.cancel = cancel
	}
}

// Cancel discards the operation result, waiters see [epyq.ErrCanceled]
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.Reject(epyq.ErrCanceled)
}

// Then chains a transformation of the resolved value
// Cancelling the returned future cancels f.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := New[U]()
	next.SetCanceler(f.Cancel)
	f.OnSettled(func(value T, err error) {
		if err != nil {
			next.Reject(err)
			return
		}
		result, err := fn(value)
		if err != nil {
			next.Reject(err)
			return
		}
		next.Resolve(result)
	})
	return next
}

// Catch gives fn a chance to recover from a rejection
func Catch[T any](f *Future[T], fn func(error) (T, error)) *Future[T] {
	next := New[T]()
	next.SetCanceler(f.Cancel)
	f.OnSettled(func(value T, err error) {
		if err == nil {
			next.Resolve(value)
			return
		}
		value, err = fn(err)
		if err != nil {
			next.Reject(err)
			return
		}
		next.Resolve(value)
	})
	return next
}

// Canceler is implemented by futures of any type
type Canceler interface {
	Cancel()
}

// Waiter is implemented by futures of any type
type Waiter interface {
	Done() <-chan struct{}
}
