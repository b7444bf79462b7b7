// Package loop runs the single scheduler goroutine that owns every proxy,
// relay and race state transition, and bridges ordinary goroutines onto it.
//
// Work posted to a Loop runs serially in posting order. Blocking operations
// never run on the loop itself: they are offloaded to helper goroutines whose
// results are posted back.
package loop

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/log"
)

type Loop struct {
	name   string
	logger log.Logger
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	quit   chan struct{}
	closed bool
	done   chan struct{}
}

type Config struct {
	Name   string
	Logger log.Logger
}

// New starts a private loop. Most callers want Shared.
func New(conf Config) *Loop {
	l := &Loop{
		name:   conf.Name,
		logger: conf.Logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) logError(msg string) {
	if l.logger != nil {
		l.logger.Error(msg)
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
		case <-l.quit:
			return
		}
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				l.exec(fn)
			}
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logError(fmt.Sprintf("loop %s: task panicked: %v\n%s", l.name, r, debug.Stack()))
		}
	}()
	fn()
}

// Post queues fn to run on the loop. It never blocks and is safe from any
// goroutine, including the loop itself. Posts to a closed loop are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Exec runs fn on the loop and blocks until it returns. It must not be
// called from the loop goroutine.
func (l *Loop) Exec(fn func()) {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
	case <-l.done:
	}
}

// After runs fn on the loop once d has elapsed. The returned stop function
// prevents the callback if it has not been posted yet.
func (l *Loop) After(d time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t.Stop
}

// Close stops a private loop. Queued work is discarded. The shared loop is
// never closed.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	close(l.quit)
	<-l.done
}

func (l *Loop) Name() string {
	return l.name
}

// Sleep returns a future that resolves on the loop after d, or rejects with
// ctx's error if ctx ends first. It is the loop's only way to pause.
func Sleep(l *Loop, ctx context.Context, d time.Duration) *future.Future[struct{}] {
	f := future.New[struct{}]()
	stopTimer := l.After(d, func() {
		f.Resolve(struct{}{})
	})
	stopCtx := context.AfterFunc(ctx, func() {
		l.Post(func() {
			stopTimer()
			f.Reject(ctx.Err())
		})
	})
	f.SetCanceler(func() {
		l.Post(func() {
			stopTimer()
			f.Reject(future.ErrCanceled)
		})
	})
	f.OnComplete(func(struct{}, error) {
		stopCtx()
	})
	return f
}

// Offload runs a blocking fn on a helper goroutine and settles the returned
// future on the loop.
func Offload[T any](l *Loop, fn func() (T, error)) *future.Future[T] {
	f := future.New[T]()
	go func() {
		v, err := fn()
		l.Post(func() {
			if err != nil {
				f.Reject(err)
				return
			}
			f.Resolve(v)
		})
	}()
	return f
}
