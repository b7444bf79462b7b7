package negotiate_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/negotiate"
	"github.com/kbirk/robolink/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type session struct {
	name      string
	closed    atomic.Bool
	cancelled atomic.Bool
	produced  atomic.Bool
}

func newTestLoop(t *testing.T) *loop.Loop {
	l := loop.New(loop.Config{Name: t.Name()})
	t.Cleanup(l.Close)
	return l
}

// after succeeds with s once d has elapsed, unless ctx ends first.
func after(l *loop.Loop, d time.Duration, s *session) negotiate.Candidate[*session] {
	return negotiate.Candidate[*session]{
		Name: s.name,
		Start: func(ctx context.Context) *future.Future[*session] {
			context.AfterFunc(ctx, func() {
				s.cancelled.Store(true)
			})
			return future.Map(loop.Sleep(l, ctx, d), func(struct{}) (*session, error) {
				s.produced.Store(true)
				return s, nil
			})
		},
	}
}

// stubborn succeeds with s after d and ignores cancellation.
func stubborn(l *loop.Loop, d time.Duration, s *session) negotiate.Candidate[*session] {
	return negotiate.Candidate[*session]{
		Name: s.name,
		Start: func(ctx context.Context) *future.Future[*session] {
			f := future.New[*session]()
			l.After(d, func() {
				f.Resolve(s)
			})
			return f
		},
	}
}

func failing(l *loop.Loop, d time.Duration, name string, err error) negotiate.Candidate[*session] {
	return negotiate.Candidate[*session]{
		Name: name,
		Start: func(ctx context.Context) *future.Future[*session] {
			return future.Then(loop.Sleep(l, ctx, d), func(struct{}) *future.Future[*session] {
				return future.Rejected[*session](err)
			})
		},
	}
}

func never(name string, cancelled *atomic.Bool) negotiate.Candidate[*session] {
	return negotiate.Candidate[*session]{
		Name: name,
		Start: func(ctx context.Context) *future.Future[*session] {
			f := future.New[*session]()
			context.AfterFunc(ctx, func() {
				cancelled.Store(true)
			})
			return f
		},
	}
}

func release(s *session) {
	s.closed.Store(true)
}

func race(t *testing.T, l *loop.Loop, conf negotiate.Config[*session], candidates ...negotiate.Candidate[*session]) (*session, error) {
	return loop.RunTimeout(l, func(ctx context.Context) *future.Future[*session] {
		return negotiate.Race(l, ctx, conf, candidates...)
	}, 5*time.Second)
}

func TestFastestCandidateWins(t *testing.T) {
	l := newTestLoop(t)
	fast := &session{name: "fast"}
	slow := &session{name: "slow"}

	s, err := race(t, l, negotiate.Config[*session]{Timeout: time.Second, Release: release},
		after(l, 50*time.Millisecond, slow),
		after(l, 10*time.Millisecond, fast))
	require.NoError(t, err)
	assert.Same(t, fast, s)

	require.Eventually(t, slow.cancelled.Load, time.Second, time.Millisecond)

	// past the slow candidate's deadline it still has not produced a session
	time.Sleep(80 * time.Millisecond)
	assert.True(t, fast.produced.Load())
	assert.False(t, slow.produced.Load())
	assert.False(t, fast.closed.Load())
	assert.False(t, slow.closed.Load())
}

func TestLateLoserIsReleased(t *testing.T) {
	l := newTestLoop(t)
	fast := &session{name: "fast"}
	slow := &session{name: "slow"}

	s, err := race(t, l, negotiate.Config[*session]{Timeout: time.Second, Release: release},
		stubborn(l, 10*time.Millisecond, fast),
		stubborn(l, 50*time.Millisecond, slow))
	require.NoError(t, err)
	assert.Same(t, fast, s)

	require.Eventually(t, slow.closed.Load, time.Second, 5*time.Millisecond)
	assert.False(t, fast.closed.Load())
}

func TestFailureDoesNotEndRace(t *testing.T) {
	l := newTestLoop(t)
	ok := &session{name: "ok"}

	s, err := race(t, l, negotiate.Config[*session]{Timeout: time.Second},
		failing(l, time.Millisecond, "broken", errors.New("connection refused")),
		after(l, 20*time.Millisecond, ok))
	require.NoError(t, err)
	assert.Same(t, ok, s)
}

func TestAllCandidatesFail(t *testing.T) {
	l := newTestLoop(t)
	refused := errors.New("connection refused")
	remote := &rpc.RemoteError{Method: "handshake", Message: "unsupported generation"}

	_, err := race(t, l, negotiate.Config[*session]{Timeout: time.Second},
		failing(l, time.Millisecond, "direct", refused),
		failing(l, 5*time.Millisecond, "legacy", remote))
	require.Error(t, err)

	assert.ErrorIs(t, err, negotiate.ErrCouldNotConnect)
	assert.NotErrorIs(t, err, rpc.ErrConnectTimeout)

	var connectErr *negotiate.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Len(t, connectErr.Failures, 2)
	assert.Equal(t, error(remote), connectErr.Cause())
	assert.Contains(t, err.Error(), "direct: connection refused")

	var remoteErr *rpc.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "handshake", remoteErr.Method)
}

func TestRaceTimesOut(t *testing.T) {
	l := newTestLoop(t)
	var cancelledA, cancelledB atomic.Bool

	start := time.Now()
	_, err := race(t, l, negotiate.Config[*session]{Timeout: 30 * time.Millisecond},
		never("a", &cancelledA),
		never("b", &cancelledB))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.ErrorIs(t, err, negotiate.ErrCouldNotConnect)
	assert.ErrorIs(t, err, rpc.ErrConnectTimeout)
	assert.Equal(t, rpc.KindConnectTimeout, rpc.KindOf(err))

	require.Eventually(t, func() bool {
		return cancelledA.Load() && cancelledB.Load()
	}, time.Second, 5*time.Millisecond)
}

func TestCancellingRaceCancelsCandidates(t *testing.T) {
	l := newTestLoop(t)
	var cancelled atomic.Bool

	f := loop.Schedule(l, func(ctx context.Context) *future.Future[*session] {
		return negotiate.Race(l, ctx, negotiate.Config[*session]{}, never("a", &cancelled))
	})
	time.Sleep(10 * time.Millisecond)
	f.Cancel()

	_, err := loop.Wait(f, time.Second)
	assert.ErrorIs(t, err, negotiate.ErrCouldNotConnect)
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestRaceWithoutCandidates(t *testing.T) {
	l := newTestLoop(t)
	_, err := race(t, l, negotiate.Config[*session]{})
	assert.ErrorIs(t, err, negotiate.ErrCouldNotConnect)
}
