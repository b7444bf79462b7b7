// Package future provides a small generic promise type.
//
// A Future is settled exactly once, either with a value or an error.
// Completion callbacks run synchronously on the goroutine that settles the
// future, so futures settled on the event loop run their callbacks on the
// event loop. Waiting methods are safe to call from any goroutine.
package future

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrCanceled = errors.New("future: canceled")
)

type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     T
	err       error
	callbacks []func(T, error)
	canceler  func()
	canceled  bool
}

func New[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It reports false if the future was
// already settled.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with err.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	if err == nil {
		err = errors.New("future: rejected with nil error")
	}
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.canceler = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future is settled.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait blocks until the future is settled or ctx is done. Giving up on the
// wait does not cancel the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run when the future settles. If it already has,
// fn runs immediately on the calling goroutine.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if f.settled {
		v, err := f.value, f.err
		f.mu.Unlock()
		fn(v, err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// SetCanceler installs the hook Cancel invokes. The hook owns any decision
// to reject the future.
func (f *Future[T]) SetCanceler(fn func()) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	if f.canceled {
		f.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	f.canceler = fn
	f.mu.Unlock()
}

// Cancel asks the producer of the future to stop. It is best effort and a
// no-op once the future has settled. The canceler runs at most once.
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	if f.settled || f.canceled {
		f.mu.Unlock()
		return
	}
	f.canceled = true
	fn := f.canceler
	f.canceler = nil
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Map returns a future settled with fn applied to f's value. Errors pass
// through untouched and cancelling the result cancels f.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	out.SetCanceler(f.Cancel)
	f.OnComplete(func(v T, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(u)
	})
	return out
}

// Then chains an asynchronous step after f. Cancelling the result cancels
// whichever of f or the inner future is currently outstanding.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := New[U]()

	var mu sync.Mutex
	var inner *Future[U]

	out.SetCanceler(func() {
		mu.Lock()
		cur := inner
		mu.Unlock()
		if cur != nil {
			cur.Cancel()
			return
		}
		f.Cancel()
	})

	f.OnComplete(func(v T, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		next := fn(v)
		mu.Lock()
		inner = next
		mu.Unlock()
		next.OnComplete(func(u U, err error) {
			if err != nil {
				out.Reject(err)
				return
			}
			out.Resolve(u)
		})
	})
	return out
}

// Catch lets fn replace an error with a value or a different error.
func Catch[T any](f *Future[T], fn func(error) (T, error)) *Future[T] {
	out := New[T]()
	out.SetCanceler(f.Cancel)
	f.OnComplete(func(v T, err error) {
		if err == nil {
			out.Resolve(v)
			return
		}
		v, err = fn(err)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(v)
	})
	return out
}
