package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbirk/robolink/pkg/future"
)

const (
	// DefaultTimeout bounds Run.
	DefaultTimeout = 10 * time.Second

	// Indefinite makes Wait block until the future settles.
	Indefinite time.Duration = 0
)

var (
	ErrTimeout   = errors.New("loop: timed out waiting for result")
	ErrPanicked  = errors.New("loop: task panicked")
	ErrNilFuture = errors.New("loop: task returned no future")
)

var (
	shared      atomic.Pointer[Loop]
	sharedMu    sync.Mutex
	sharedStart atomic.Int32
)

// Shared returns the process-wide loop, starting it on first use. The
// shared loop lives for the rest of the process.
func Shared() *Loop {
	if l := shared.Load(); l != nil {
		return l
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if l := shared.Load(); l != nil {
		return l
	}
	l := New(Config{Name: "shared"})
	sharedStart.Add(1)
	shared.Store(l)
	return l
}

// Task is work that starts on the loop and finishes when its future
// settles. ctx is cancelled when the caller cancels the scheduled future.
type Task[T any] func(ctx context.Context) *future.Future[T]

// Schedule posts task to l and returns immediately. The returned future is
// settled on the loop; cancelling it cancels task's context and its future.
func Schedule[T any](l *Loop, task Task[T]) *future.Future[T] {
	out := future.New[T]()
	ctx, cancel := context.WithCancel(context.Background())

	// inner is only read and written on the loop.
	var inner *future.Future[T]

	out.SetCanceler(func() {
		l.Post(func() {
			cancel()
			if inner != nil {
				inner.Cancel()
			}
		})
	})

	l.Post(func() {
		if ctx.Err() != nil {
			out.Reject(future.ErrCanceled)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				cancel()
				out.Reject(fmt.Errorf("%w: %v", ErrPanicked, r))
				panic(r)
			}
		}()
		inner = task(ctx)
		if inner == nil {
			cancel()
			out.Reject(ErrNilFuture)
			return
		}
		inner.OnComplete(func(v T, err error) {
			cancel()
			if err != nil {
				out.Reject(err)
				return
			}
			out.Resolve(v)
		})
	})
	return out
}

// Wait blocks the calling goroutine until f settles or timeout elapses. On
// timeout f is cancelled, best effort, and an error matching ErrTimeout is
// returned; f may still settle later and that result is discarded. A
// timeout of Indefinite waits forever. Never call Wait on the loop.
func Wait[T any](f *future.Future[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return f.Result()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.Done():
		return f.Result()
	case <-timer.C:
		f.Cancel()
		var zero T
		return zero, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}

// Run schedules task on l and waits up to DefaultTimeout.
func Run[T any](l *Loop, task Task[T]) (T, error) {
	return Wait(Schedule(l, task), DefaultTimeout)
}

// RunTimeout schedules task on l and waits up to timeout.
func RunTimeout[T any](l *Loop, task Task[T], timeout time.Duration) (T, error) {
	return Wait(Schedule(l, task), timeout)
}
