package client

import (
	"context"

	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/negotiate"
	"github.com/kbirk/robolink/pkg/relay"
	"github.com/kbirk/robolink/pkg/rpc"
)

// session is what a successful candidate produces. relay is nil for the
// direct generation.
type session struct {
	generation Generation
	proxy      *rpc.Proxy
	relay      *relay.Relay
	handshake  any
}

// close drains the device session, then drops the relay link if there is
// one.
func (s *session) close() *future.Future[struct{}] {
	if s.relay == nil {
		return s.proxy.Close()
	}
	return future.Then(s.proxy.Close(), func(struct{}) *future.Future[struct{}] {
		return s.relay.Close()
	})
}

// guard tracks what a candidate has opened so far and closes it if the
// candidate fails or is cancelled before it succeeds. Only touched on the
// loop.
type guard struct {
	held []func()
	won  bool
}

func (g *guard) hold(fn func()) {
	g.held = append(g.held, fn)
}

func (g *guard) release() {
	held := g.held
	g.held = nil
	for i := len(held) - 1; i >= 0; i-- {
		held[i]()
	}
}

func (g *guard) watch(l *loop.Loop, ctx context.Context, f *future.Future[*session]) {
	f.OnComplete(func(_ *session, err error) {
		if err != nil {
			g.release()
			return
		}
		g.won = true
	})
	context.AfterFunc(ctx, func() {
		l.Post(func() {
			if !g.won {
				g.release()
			}
		})
	})
}

// withHandshake copies methods and adds HandshakeMethod, leaving the
// caller's registry untouched.
func withHandshake(methods *rpc.Registry) *rpc.Registry {
	if methods == nil {
		return nil
	}
	return rpc.NewRegistry(append(methods.Names(), HandshakeMethod)...)
}

func handshake(p *rpc.Proxy, s *session) *future.Future[*session] {
	f, err := p.Call(HandshakeMethod, nil)
	if err != nil {
		return future.Rejected[*session](err)
	}
	return future.Map(f, func(v any) (*session, error) {
		s.handshake = v
		return s, nil
	})
}

// legacyCandidate dials the daemon, performs the relay handshake, resolves
// the device and handshakes with it through the relay.
func legacyCandidate(l *loop.Loop, conf Config) negotiate.Candidate[*session] {
	lc := conf.Legacy
	logger := log.Named(conf.Logger, "legacy")

	return negotiate.Candidate[*session]{
		Name: GenerationLegacy.String(),
		Start: func(ctx context.Context) *future.Future[*session] {
			g := &guard{}
			rconf := relay.Config{
				Codec:        lc.Codec,
				Wrapper:      lc.Wrapper,
				DrainTimeout: conf.DrainTimeout,
				ErrHandler:   conf.ErrHandler,
				Logger:       logger,
			}
			out := future.Then(relay.Dial(ctx, l, lc.Transport, rconf), func(r *relay.Relay) *future.Future[*session] {
				g.hold(func() {
					r.Close()
				})
				s := &session{generation: GenerationLegacy, relay: r}

				hello := future.Then(loop.Sleep(l, ctx, conf.SettleDelay), func(struct{}) *future.Future[any] {
					return r.Hello()
				})
				device := future.Then(hello, func(any) *future.Future[*rpc.Proxy] {
					return r.Open(lc.DeviceID, rpc.ProxyConfig{
						Codec:        lc.Codec,
						Methods:      withHandshake(lc.Methods),
						DrainTimeout: conf.DrainTimeout,
						ErrHandler:   conf.ErrHandler,
						Logger:       logger,
					})
				})
				return future.Then(device, func(p *rpc.Proxy) *future.Future[*session] {
					s.proxy = p
					return handshake(p, s)
				})
			})
			g.watch(l, ctx, out)
			return out
		},
	}
}

// directCandidate opens a session on the device itself and handshakes.
func directCandidate(l *loop.Loop, conf Config) negotiate.Candidate[*session] {
	dc := conf.Direct
	logger := log.Named(conf.Logger, "direct")

	return negotiate.Candidate[*session]{
		Name: GenerationDirect.String(),
		Start: func(ctx context.Context) *future.Future[*session] {
			g := &guard{}
			pconf := rpc.ProxyConfig{
				Codec:        dc.Codec,
				Methods:      withHandshake(dc.Methods),
				DrainTimeout: conf.DrainTimeout,
				ErrHandler:   conf.ErrHandler,
				Logger:       logger,
			}
			out := future.Then(rpc.Open(ctx, l, dc.Transport, pconf), func(p *rpc.Proxy) *future.Future[*session] {
				g.hold(func() {
					p.Abort(ErrAbandoned)
				})
				s := &session{generation: GenerationDirect, proxy: p}
				return future.Then(loop.Sleep(l, ctx, conf.SettleDelay), func(struct{}) *future.Future[*session] {
					return handshake(p, s)
				})
			})
			g.watch(l, ctx, out)
			return out
		},
	}
}
