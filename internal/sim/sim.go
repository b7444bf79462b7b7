// Package sim simulates robots for the CLI and the integration tests: a
// relay daemon fronting legacy devices, and devices that speak the direct
// generation themselves.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kbirk/robolink/pkg/client"
	"github.com/kbirk/robolink/pkg/codec"
	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/relay"
	"github.com/kbirk/robolink/pkg/rpc"
	"golang.org/x/sync/errgroup"
)

const (
	PingMethod  = "ping"
	EchoMethod  = "echo"
	StallMethod = "stall"
	BuzzMethod  = "buzz"

	// TickEvent is emitted to every client while ticking is enabled.
	TickEvent = "tick"
	// BuzzedEvent is emitted back to the caller of BuzzMethod.
	BuzzedEvent = "buzzed"

	DefaultStall = 200 * time.Millisecond
)

// Device describes one simulated robot.
type Device struct {
	ID string
	// Address routes the device behind a daemon. Unused for direct devices.
	Address string
	// Stall is how long StallMethod blocks. Defaults to DefaultStall.
	Stall time.Duration
}

// Methods is the client-side registry of what a simulated device serves.
func Methods() *rpc.Registry {
	return DeviceMux(Device{}, nil).Registry()
}

// DeviceMux returns the handlers every simulated device serves.
func DeviceMux(dev Device, logger log.Logger) *rpc.Mux {
	stall := dev.Stall
	if stall <= 0 {
		stall = DefaultStall
	}

	mux := rpc.NewMux()
	mux.Use(func(ctx context.Context, args any, next rpc.Handler) (any, error) {
		if logger != nil {
			logger.Debug(fmt.Sprintf("%s: %s", dev.ID, rpc.MethodFromContext(ctx)))
		}
		return next(ctx, args)
	})
	mux.Handle(client.HandshakeMethod, func(ctx context.Context, args any) (any, error) {
		return dev.ID, nil
	})
	mux.Handle(PingMethod, func(ctx context.Context, args any) (any, error) {
		return "pong", nil
	})
	mux.Handle(EchoMethod, func(ctx context.Context, args any) (any, error) {
		return args, nil
	})
	mux.Handle(StallMethod, func(ctx context.Context, args any) (any, error) {
		time.Sleep(stall)
		return "done", nil
	})
	mux.Handle(BuzzMethod, func(ctx context.Context, args any) (any, error) {
		emitter, ok := rpc.EmitterFromContext(ctx)
		if !ok {
			return nil, errors.New("no caller to buzz")
		}
		if err := emitter.Emit(BuzzedEvent, dev.ID); err != nil {
			return nil, err
		}
		return "ok", nil
	})
	return mux
}

// Daemon is a relay daemon with simulated legacy devices behind it.
type Daemon struct {
	*relay.Daemon
	devices []Device
}

func NewDaemon(t rpc.ServerTransport, logger log.Logger, devices ...Device) (*Daemon, error) {
	d := relay.NewDaemon(relay.DaemonConfig{
		Name:      "robolink-sim",
		Transport: t,
		Codec:     codec.NewBinary(),
		Logger:    logger,
	})
	devices = append([]Device(nil), devices...)
	for i, dev := range devices {
		if dev.Address == "" {
			dev.Address = fmt.Sprintf("sim-%d", i)
			devices[i] = dev
		}
		if err := d.AddDevice(dev.ID, dev.Address, DeviceMux(dev, logger)); err != nil {
			return nil, err
		}
	}
	return &Daemon{Daemon: d, devices: devices}, nil
}

// Tick emits TickEvent on behalf of every device.
func (d *Daemon) Tick(n int) error {
	var first error
	for _, dev := range d.devices {
		if err := d.Emit(dev.Address, TickEvent, fmt.Sprint(n)); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DirectDevice is a device that speaks the direct generation.
type DirectDevice struct {
	*rpc.Server
	Device Device
}

func NewDirectDevice(t rpc.ServerTransport, logger log.Logger, dev Device) *DirectDevice {
	return &DirectDevice{
		Server: rpc.NewServer(rpc.ServerConfig{
			Transport: t,
			Codec:     codec.NewJSON(),
			Mux:       DeviceMux(dev, logger),
			Logger:    logger,
		}),
		Device: dev,
	}
}

// Tick emits TickEvent to every connected client.
func (d *DirectDevice) Tick(n int) error {
	return d.Broadcast(TickEvent, n)
}

type server interface {
	Listen() error
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type ticker interface {
	Tick(n int) error
}

// Sim runs a set of simulated servers together.
type Sim struct {
	Daemons      []*Daemon
	Directs      []*DirectDevice
	TickInterval time.Duration
	Logger       log.Logger

	mu      sync.Mutex
	started bool
}

func (s *Sim) servers() []server {
	out := make([]server, 0, len(s.Daemons)+len(s.Directs))
	for _, d := range s.Daemons {
		out = append(out, d)
	}
	for _, d := range s.Directs {
		out = append(out, d)
	}
	return out
}

func (s *Sim) tickers() []ticker {
	out := make([]ticker, 0, len(s.Daemons)+len(s.Directs))
	for _, d := range s.Daemons {
		out = append(out, d)
	}
	for _, d := range s.Directs {
		out = append(out, d)
	}
	return out
}

// Listen binds every server, so clients can connect once it returns.
func (s *Sim) Listen() error {
	for _, srv := range s.servers() {
		if err := srv.Listen(); err != nil {
			return err
		}
	}
	return nil
}

// Run serves until ctx ends or a server fails, then shuts everything down.
func (s *Sim) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("sim: already running")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range s.servers() {
		g.Go(srv.ListenAndServe)
	}
	if s.TickInterval > 0 {
		g.Go(func() error {
			return s.tick(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range s.servers() {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Sim) tick(ctx context.Context) error {
	t := time.NewTicker(s.TickInterval)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, tk := range s.tickers() {
				if err := tk.Tick(n); err != nil && s.Logger != nil {
					s.Logger.Warn("Tick failed: " + err.Error())
				}
			}
		}
	}
}
