// Package negotiate races connection procedures against a shared deadline
// and keeps the first one that succeeds.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/rpc"
)

var (
	ErrCouldNotConnect = errors.New("negotiate: could not connect")
)

// Candidate is one way of establishing a session. Start runs on the loop and
// must stop work, releasing anything it already holds, once ctx is done. ctx
// also ends as soon as the candidate completes, so the session must not be
// bound to it.
type Candidate[S any] struct {
	Name  string
	Start func(ctx context.Context) *future.Future[S]
}

type Config[S any] struct {
	// Timeout bounds the whole race. Zero means no deadline beyond the
	// caller's context.
	Timeout time.Duration
	// Release disposes of a session produced by a candidate that lost.
	Release func(S)
	Logger  log.Logger
}

// Failure is the outcome of one candidate that did not win.
type Failure struct {
	Candidate string
	Err       error
}

// ConnectError reports a race that produced no session. It matches
// ErrCouldNotConnect, rpc.ErrConnectTimeout when the deadline elapsed, and
// whatever the most informative failure matches.
type ConnectError struct {
	Failures []Failure
	TimedOut bool
}

func (e *ConnectError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrCouldNotConnect.Error())
	if e.TimedOut {
		sb.WriteString(" (timed out)")
	}
	for i, f := range e.Failures {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %v", f.Candidate, f.Err)
	}
	return sb.String()
}

func (e *ConnectError) Is(target error) bool {
	if target == ErrCouldNotConnect {
		return true
	}
	return e.TimedOut && target == rpc.ErrConnectTimeout
}

func (e *ConnectError) Unwrap() error {
	return e.Cause()
}

// Cause returns the failure that says the most about why the race was lost:
// an answer from the remote side beats a broken session, which beats a
// transport that could not be reached at all.
func (e *ConnectError) Cause() error {
	var best error
	bestRank := -1
	for _, f := range e.Failures {
		if r := rank(f.Err); r > bestRank {
			best, bestRank = f.Err, r
		}
	}
	return best
}

func rank(err error) int {
	if errors.Is(err, future.ErrCanceled) || errors.Is(err, context.Canceled) {
		return 0
	}
	switch rpc.KindOf(err) {
	case rpc.KindRemote, rpc.KindAddressResolutionFailed:
		return 4
	case rpc.KindProtocolDecode, rpc.KindUnknownAddress:
		return 3
	case rpc.KindSessionClosed, rpc.KindRelayUnavailable, rpc.KindCallTimeout:
		return 2
	default:
		return 1
	}
}

type entry[S any] struct {
	name   string
	fut    *future.Future[S]
	cancel context.CancelFunc
	done   bool
}

type race[S any] struct {
	loop      *loop.Loop
	conf      Config[S]
	out       *future.Future[S]
	entries   []*entry[S]
	failures  []Failure
	settled   bool
	stopTimer func() bool
	stopCtx   func() bool
}

func (r *race[S]) logDebug(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Debug(msg)
	}
}

func (r *race[S]) logInfo(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Info(msg)
	}
}

// Race starts every candidate at once and resolves with the first session
// that succeeds. The others are cancelled, and any of them that succeeds
// anyway is passed to Release. Race must be called on l, and completions
// are re-posted to l so the first one the loop observes wins.
func Race[S any](l *loop.Loop, ctx context.Context, conf Config[S], candidates ...Candidate[S]) *future.Future[S] {
	r := &race[S]{
		loop: l,
		conf: conf,
		out:  future.New[S](),
	}
	if len(candidates) == 0 {
		r.out.Reject(&ConnectError{})
		return r.out
	}

	for i, c := range candidates {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("candidate-%d", i)
		}
		cctx, cancel := context.WithCancel(ctx)
		e := &entry[S]{name: name, cancel: cancel}
		r.entries = append(r.entries, e)

		r.logDebug("Starting " + name)
		e.fut = c.Start(cctx)
		e.fut.OnComplete(func(v S, err error) {
			l.Post(func() {
				r.complete(e, v, err)
			})
		})
	}

	if conf.Timeout > 0 {
		r.stopTimer = l.After(conf.Timeout, r.expire)
	}
	r.stopCtx = context.AfterFunc(ctx, func() {
		l.Post(func() {
			r.abandon(ctx.Err())
		})
	})
	r.out.SetCanceler(func() {
		l.Post(func() {
			r.abandon(future.ErrCanceled)
		})
	})
	return r.out
}

func (r *race[S]) release(e *entry[S], v S) {
	r.logInfo("Releasing session from " + e.name)
	if r.conf.Release != nil {
		r.conf.Release(v)
	}
}

func (r *race[S]) complete(e *entry[S], v S, err error) {
	if e.done {
		return
	}
	e.done = true
	e.cancel()

	if r.settled {
		if err == nil {
			r.release(e, v)
		}
		return
	}

	if err == nil {
		r.logInfo(e.name + " won")
		r.stop()
		r.cancelPending()
		r.out.Resolve(v)
		return
	}

	r.logDebug(fmt.Sprintf("%s failed: %v", e.name, err))
	r.failures = append(r.failures, Failure{Candidate: e.name, Err: err})
	for _, other := range r.entries {
		if !other.done {
			return
		}
	}
	r.stop()
	r.out.Reject(&ConnectError{Failures: r.failures})
}

func (r *race[S]) expire() {
	if r.settled {
		return
	}
	r.stop()
	failures := r.failures
	for _, e := range r.entries {
		if !e.done {
			failures = append(failures, Failure{
				Candidate: e.name,
				Err:       fmt.Errorf("%w after %v", rpc.ErrConnectTimeout, r.conf.Timeout),
			})
		}
	}
	r.cancelPending()
	r.out.Reject(&ConnectError{Failures: failures, TimedOut: true})
}

func (r *race[S]) abandon(cause error) {
	if r.settled {
		return
	}
	r.stop()
	r.cancelPending()
	r.out.Reject(fmt.Errorf("%w: %w", ErrCouldNotConnect, cause))
}

func (r *race[S]) stop() {
	r.settled = true
	if r.stopTimer != nil {
		r.stopTimer()
	}
	if r.stopCtx != nil {
		r.stopCtx()
	}
}

// cancelPending cancels every candidate that has not completed. Their
// completions still arrive through complete, which releases late winners.
func (r *race[S]) cancelPending() {
	for _, e := range r.entries {
		if !e.done {
			r.logDebug("Cancelling " + e.name)
			e.cancel()
			e.fut.Cancel()
		}
	}
}
