// Package relay lets one transport link carry the rpc traffic of many
// device sessions. Every frame on the link is wrapped with the address of
// the session it belongs to; the empty address belongs to the relay's own
// proxy, which speaks to the daemon itself.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/rpc"
)

const (
	// ResolveMethod asks the daemon for the Endpoint of a device id.
	ResolveMethod = "resolve_device"
	// HelloMethod is the relay handshake. The daemon answers with its name.
	HelloMethod = "hello"
)

var (
	ErrRelayUnavailable        = rpc.ErrRelayUnavailable
	ErrUnknownAddress          = rpc.ErrUnknownAddress
	ErrAddressAlreadyBound     = rpc.ErrAddressAlreadyBound
	ErrAddressResolutionFailed = rpc.ErrAddressResolutionFailed
	ErrRelayClosed             = errors.New("relay: closed")
)

type Config struct {
	// Codec is used by the relay's own proxy.
	Codec rpc.Codec
	// Wrapper defaults to BinaryWrapper.
	Wrapper      Wrapper
	DrainTimeout time.Duration
	ErrHandler   func(error)
	Logger       log.Logger
}

// Relay multiplexes sessions over one link. Every method must be called on
// the relay's loop.
type Relay struct {
	id        uuid.UUID
	conf      Config
	loop      *loop.Loop
	link      *rpc.Link
	connected bool
	proxy     *rpc.Proxy
	sessions  map[string]*rpc.Proxy
	closed    *future.Future[struct{}]
	done      bool
}

// addressSender is the Sender a relayed proxy writes through.
type addressSender struct {
	relay   *Relay
	address string
}

func (s *addressSender) Send(data []byte) error {
	return s.relay.Send(s.address, data)
}

func (s *addressSender) Close() error {
	if s.address != "" {
		s.relay.Unregister(s.address)
	}
	return nil
}

func New(l *loop.Loop, conf Config) *Relay {
	if conf.Wrapper == nil {
		conf.Wrapper = BinaryWrapper{}
	}
	r := &Relay{
		id:       uuid.New(),
		conf:     conf,
		loop:     l,
		sessions: make(map[string]*rpc.Proxy),
		closed:   future.New[struct{}](),
	}
	r.proxy = rpc.NewProxy(l, rpc.ProxyConfig{
		Name:         "relay",
		Codec:        conf.Codec,
		DrainTimeout: conf.DrainTimeout,
		ErrHandler:   conf.ErrHandler,
		Logger:       conf.Logger,
	})
	return r
}

func (r *Relay) logDebug(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Debug(msg)
	}
}

func (r *Relay) logInfo(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Info(msg)
	}
}

func (r *Relay) logWarn(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Warn(msg)
	}
}

func (r *Relay) recover(err error) {
	r.logWarn("Dropping relayed frame: " + err.Error())
	if r.conf.ErrHandler != nil {
		r.conf.ErrHandler(err)
	}
}

func (r *Relay) ID() uuid.UUID {
	return r.id
}

// Proxy is the relay's own session, bound to the empty address.
func (r *Relay) Proxy() *rpc.Proxy {
	return r.proxy
}

func (r *Relay) Loop() *loop.Loop {
	return r.loop
}

// Connected reports whether the shared link is up.
func (r *Relay) Connected() bool {
	return r.connected
}

// Attach makes conn the shared link and connects the relay's own proxy.
func (r *Relay) Attach(conn rpc.Connection) error {
	if r.link != nil || r.done {
		conn.Close()
		return fmt.Errorf("relay: already attached")
	}
	r.link = rpc.NewLink(r.loop, conn, rpc.LinkConfig{
		OnFrame:  r.handleInbound,
		OnClosed: r.handleClosed,
		Logger:   r.conf.Logger,
	})
	if err := r.proxy.SetTransport(&addressSender{relay: r}); err != nil {
		conn.Close()
		return err
	}
	r.connected = true
	r.link.Start()
	r.logInfo("Relay link up")
	return nil
}

// Dial connects t and attaches the connection to a new relay. It must be
// called on l.
func Dial(ctx context.Context, l *loop.Loop, t rpc.ClientTransport, conf Config) *future.Future[*Relay] {
	return future.Map(rpc.Dial(ctx, l, t), func(conn rpc.Connection) (*Relay, error) {
		r := New(l, conf)
		if err := r.Attach(conn); err != nil {
			return nil, err
		}
		return r, nil
	})
}

// Register binds p to address and connects it. p must be freshly created.
func (r *Relay) Register(address string, p *rpc.Proxy) error {
	if !r.connected {
		return ErrRelayUnavailable
	}
	if address == "" {
		return fmt.Errorf("%w: the empty address is reserved", ErrAddressAlreadyBound)
	}
	if _, ok := r.sessions[address]; ok {
		return fmt.Errorf("%w: %s", ErrAddressAlreadyBound, address)
	}
	if err := p.SetTransport(&addressSender{relay: r, address: address}); err != nil {
		return err
	}
	r.sessions[address] = p
	r.logDebug("Registered session at " + address)
	return nil
}

// Unregister removes the session bound to address, if any. It does not
// close that session.
func (r *Relay) Unregister(address string) {
	if _, ok := r.sessions[address]; !ok {
		return
	}
	delete(r.sessions, address)
	r.logDebug("Unregistered session at " + address)
}

// Session returns the proxy bound to address.
func (r *Relay) Session(address string) (*rpc.Proxy, bool) {
	p, ok := r.sessions[address]
	return p, ok
}

// Addresses lists the bound addresses in order.
func (r *Relay) Addresses() []string {
	out := make([]string, 0, len(r.sessions))
	for address := range r.sessions {
		out = append(out, address)
	}
	sort.Strings(out)
	return out
}

// Send wraps data for address and queues it on the shared link. Nothing is
// buffered when the link is down.
func (r *Relay) Send(address string, data []byte) error {
	if !r.connected {
		return ErrRelayUnavailable
	}
	if address != "" {
		if _, ok := r.sessions[address]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
		}
	}
	outer, err := r.conf.Wrapper.Wrap(address, data)
	if err != nil {
		return err
	}
	if err := r.link.Send(outer); err != nil {
		return fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	return nil
}

func (r *Relay) handleInbound(raw []byte) {
	address, inner, err := r.conf.Wrapper.Unwrap(raw)
	if err != nil {
		r.recover(fmt.Errorf("%w: %w", rpc.ErrProtocolDecode, err))
		return
	}
	if address == "" {
		r.proxy.Deliver(inner)
		return
	}
	p, ok := r.sessions[address]
	if !ok {
		// sessions may be torn down while traffic for them is in flight
		r.logDebug(fmt.Sprintf("Dropping frame: %v: %s", ErrUnknownAddress, address))
		return
	}
	p.Deliver(inner)
}

// handleClosed tears down every session as soon as the link reports
// closure, since nothing more can be delivered to them.
func (r *Relay) handleClosed(err error) {
	if r.done {
		return
	}
	r.teardown(fmt.Errorf("%w: %w", ErrRelayUnavailable, err))
}

func (r *Relay) teardown(cause error) {
	r.done = true
	r.connected = false

	sessions := make([]*rpc.Proxy, 0, len(r.sessions))
	for _, p := range r.sessions {
		sessions = append(sessions, p)
	}
	r.sessions = make(map[string]*rpc.Proxy)

	for _, p := range sessions {
		p.Abort(cause)
	}
	r.proxy.Abort(cause)

	if r.link != nil {
		r.link.Close()
	}
	r.logInfo(fmt.Sprintf("Relay closed, %d sessions torn down: %v", len(sessions), cause))
	r.closed.Resolve(struct{}{})
}

// Close tears the relay down locally. Every session is closed with an error
// matching ErrRelayClosed.
func (r *Relay) Close() *future.Future[struct{}] {
	if !r.done {
		r.teardown(ErrRelayClosed)
	}
	return r.closed
}

// Closed resolves once the relay has torn down.
func (r *Relay) Closed() *future.Future[struct{}] {
	return r.closed
}

// Resolve asks the daemon where deviceID lives. Remote failures and
// negative answers reject with ErrAddressResolutionFailed; session failures
// pass through unchanged.
func (r *Relay) Resolve(deviceID string) *future.Future[Endpoint] {
	f, err := r.proxy.Call(ResolveMethod, deviceID)
	if err != nil {
		return future.Rejected[Endpoint](err)
	}
	resolved := future.Map(f, func(payload any) (Endpoint, error) {
		ep, err := DecodeEndpoint(payload)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %s: %w", ErrAddressResolutionFailed, deviceID, err)
		}
		if ep.Address == "" {
			return Endpoint{}, fmt.Errorf("%w: %s is unknown", ErrAddressResolutionFailed, deviceID)
		}
		return ep, nil
	})
	return future.Catch(resolved, func(err error) (Endpoint, error) {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			return Endpoint{}, fmt.Errorf("%w: %s: %w", ErrAddressResolutionFailed, deviceID, err)
		}
		return Endpoint{}, err
	})
}

// Hello performs the relay handshake.
func (r *Relay) Hello() *future.Future[any] {
	f, err := r.proxy.Call(HelloMethod, nil)
	if err != nil {
		return future.Rejected[any](err)
	}
	return f
}

// Open resolves deviceID and registers a new session for it.
func (r *Relay) Open(deviceID string, conf rpc.ProxyConfig) *future.Future[*rpc.Proxy] {
	if conf.Name == "" {
		conf.Name = deviceID
	}
	return future.Then(r.Resolve(deviceID), func(ep Endpoint) *future.Future[*rpc.Proxy] {
		p := rpc.NewProxy(r.loop, conf)
		if err := r.Register(ep.Address, p); err != nil {
			return future.Rejected[*rpc.Proxy](err)
		}
		return future.Resolved(p)
	})
}
