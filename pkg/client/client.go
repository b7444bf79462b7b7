// Package client is the synchronous face of the module. Connect finds out
// which protocol generation a robot speaks and every Robot method blocks the
// calling goroutine while the work runs on the loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kbirk/robolink/pkg/codec"
	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/negotiate"
	"github.com/kbirk/robolink/pkg/relay"
	"github.com/kbirk/robolink/pkg/rpc"
)

const (
	// HandshakeMethod is the first call made on a device session.
	HandshakeMethod = "handshake"

	DefaultConnectTimeout = 10 * time.Second
	DefaultSettleDelay    = 50 * time.Millisecond
)

var (
	ErrNoCandidates = errors.New("client: no connection method configured")
	ErrAbandoned    = errors.New("client: connection attempt abandoned")
)

// Generation identifies the protocol a robot was reached with.
type Generation int

const (
	GenerationUnknown Generation = iota
	// GenerationLegacy reaches the device through a relay daemon.
	GenerationLegacy
	// GenerationDirect talks to the device itself.
	GenerationDirect
)

func (g Generation) String() string {
	switch g {
	case GenerationLegacy:
		return "legacy"
	case GenerationDirect:
		return "direct"
	default:
		return "unknown"
	}
}

type LegacyConfig struct {
	// Transport reaches the daemon.
	Transport rpc.ClientTransport
	DeviceID  string
	// Codec defaults to the binary codec.
	Codec   rpc.Codec
	Wrapper relay.Wrapper
	// Methods, when set, limits the calls the session may make.
	// HandshakeMethod is always allowed.
	Methods *rpc.Registry
}

type DirectConfig struct {
	// Transport reaches the device.
	Transport rpc.ClientTransport
	// Codec defaults to the JSON codec.
	Codec rpc.Codec
	// Methods, when set, limits the calls the session may make.
	// HandshakeMethod is always allowed.
	Methods *rpc.Registry
}

type Config struct {
	// Loop defaults to loop.Shared().
	Loop *loop.Loop
	// Legacy and Direct are the candidates Connect races. At least one is
	// required.
	Legacy *LegacyConfig
	Direct *DirectConfig

	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	// SettleDelay is the pause between opening a link and the first
	// handshake message.
	SettleDelay  time.Duration
	DrainTimeout time.Duration
	ErrHandler   func(error)
	Logger       log.Logger
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		CallTimeout:    loop.DefaultTimeout,
		SettleDelay:    DefaultSettleDelay,
	}
}

func (c *Config) validate() error {
	if c.Legacy == nil && c.Direct == nil {
		return ErrNoCandidates
	}
	if c.Legacy != nil {
		if c.Legacy.Transport == nil {
			return fmt.Errorf("client: legacy transport is required")
		}
		if c.Legacy.DeviceID == "" {
			return fmt.Errorf("client: legacy device id is required")
		}
		if c.Legacy.Codec == nil {
			c.Legacy.Codec = codec.NewBinary()
		}
	}
	if c.Direct != nil {
		if c.Direct.Transport == nil {
			return fmt.Errorf("client: direct transport is required")
		}
		if c.Direct.Codec == nil {
			c.Direct.Codec = codec.NewJSON()
		}
	}
	if c.Loop == nil {
		c.Loop = loop.Shared()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = loop.DefaultTimeout
	}
	return nil
}

// Robot is a connected device session. Its methods are safe to call from
// any goroutine, but never from the loop.
type Robot struct {
	loop *loop.Loop
	conf Config
	sess *session
}

// Connect races the configured generations and returns a Robot for the
// first one whose handshake succeeds.
func Connect(ctx context.Context, conf Config) (*Robot, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	l := conf.Loop

	var candidates []negotiate.Candidate[*session]
	if conf.Legacy != nil {
		candidates = append(candidates, legacyCandidate(l, conf))
	}
	if conf.Direct != nil {
		candidates = append(candidates, directCandidate(l, conf))
	}

	raceConf := negotiate.Config[*session]{
		Timeout: conf.ConnectTimeout,
		Release: func(s *session) {
			s.close()
		},
		Logger: log.Named(conf.Logger, "negotiate"),
	}
	s, err := loop.Wait(loop.Schedule(l, func(context.Context) *future.Future[*session] {
		return negotiate.Race(l, ctx, raceConf, candidates...)
	}), loop.Indefinite)
	if err != nil {
		return nil, err
	}

	if conf.Logger != nil {
		conf.Logger.Info(fmt.Sprintf("Connected to %s over %s", s.proxy.Name(), s.generation))
	}
	return &Robot{loop: l, conf: conf, sess: s}, nil
}

func (r *Robot) Generation() Generation {
	return r.sess.generation
}

// Handshake returns the device's answer to HandshakeMethod, as decoded by
// the generation's codec.
func (r *Robot) Handshake() any {
	return r.sess.handshake
}

func (r *Robot) call(method string, args any) loop.Task[any] {
	return func(context.Context) *future.Future[any] {
		f, err := r.sess.proxy.Call(method, args)
		if err != nil {
			return future.Rejected[any](err)
		}
		return f
	}
}

// Invoke calls method and waits up to the configured CallTimeout.
func (r *Robot) Invoke(method string, args any) (any, error) {
	return r.InvokeTimeout(method, args, r.conf.CallTimeout)
}

// InvokeTimeout calls method and waits up to timeout. A timed out call
// stays pending until its reply arrives or the session closes.
func (r *Robot) InvokeTimeout(method string, args any, timeout time.Duration) (any, error) {
	return loop.RunTimeout(r.loop, r.call(method, args), timeout)
}

// InvokeWait calls method and waits for as long as it takes.
func (r *Robot) InvokeWait(method string, args any) (any, error) {
	return loop.Wait(loop.Schedule(r.loop, r.call(method, args)), loop.Indefinite)
}

// InvokeNoWait sends method and returns once it is queued.
func (r *Robot) InvokeNoWait(method string, args any) error {
	var err error
	r.loop.Exec(func() {
		err = r.sess.proxy.Notify(method, args)
	})
	return err
}

// On replaces the handler for a device event. Handlers run on the loop and
// must not block. A nil handler clears the subscription.
func (r *Robot) On(event string, handler rpc.EventHandler) {
	r.loop.Exec(func() {
		r.sess.proxy.On(event, handler)
	})
}

// Pending returns the number of calls still waiting for a reply.
func (r *Robot) Pending() int {
	var n int
	r.loop.Exec(func() {
		n = r.sess.proxy.Pending()
	})
	return n
}

// Done is closed once the session has closed, for whatever reason.
func (r *Robot) Done() <-chan struct{} {
	return r.sess.proxy.Closed().Done()
}

// Close drains outstanding calls and closes the session.
func (r *Robot) Close() error {
	_, err := loop.Run(r.loop, func(context.Context) *future.Future[struct{}] {
		return r.sess.close()
	})
	return err
}
