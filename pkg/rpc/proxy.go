package rpc

import (
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kbirk/robolink/pkg/future"
	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/loop"
)

// DefaultDrainTimeout is how long Close waits for outstanding calls.
const DefaultDrainTimeout = 500 * time.Millisecond

type State int32

const (
	StateCreated State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// EventHandler receives the payload of one named event, on the loop.
type EventHandler func(payload any)

type ProxyConfig struct {
	// Name labels the session in logs.
	Name  string
	Codec Codec
	// Methods, when set, restricts Call to the registered names.
	Methods *Registry
	// DrainTimeout bounds the Closing state. Zero means DefaultDrainTimeout,
	// a negative value skips the drain.
	DrainTimeout time.Duration
	// FirstRequestID overrides the random starting request id. Zero is
	// reserved to mean unset: no call is ever sent with request id 0.
	FirstRequestID uint64
	// ErrHandler sees errors that are recovered locally.
	ErrHandler func(error)
	Logger     log.Logger
}

// Proxy is one logical session: it correlates calls with replies by request
// id and dispatches events to handlers. Except for State and ID, every
// method must be called on the proxy's loop.
type Proxy struct {
	id         uuid.UUID
	conf       ProxyConfig
	loop       *loop.Loop
	state      atomic.Int32
	sender     Sender
	requestID  uint64
	pending    map[uint64]pendingCall
	handlers   map[string]EventHandler
	closeHooks []func(error)
	closed     *future.Future[struct{}]
	stopDrain  func() bool
	cause      error
}

type pendingCall struct {
	method string
	fut    *future.Future[any]
}

func seedRequestID() uint64 {
	for {
		if id := uint64(rand.Uint32())<<32 + uint64(rand.Uint32()); id != 0 {
			return id
		}
	}
}

func NewProxy(l *loop.Loop, conf ProxyConfig) *Proxy {
	if conf.DrainTimeout == 0 {
		conf.DrainTimeout = DefaultDrainTimeout
	}
	requestID := conf.FirstRequestID
	if requestID == 0 {
		requestID = seedRequestID()
	}
	p := &Proxy{
		id:        uuid.New(),
		conf:      conf,
		loop:      l,
		requestID: requestID,
		pending:   make(map[uint64]pendingCall),
		handlers:  make(map[string]EventHandler),
		closed:    future.New[struct{}](),
	}
	p.state.Store(int32(StateCreated))
	return p
}

func (p *Proxy) logDebug(msg string) {
	if p.conf.Logger != nil {
		p.conf.Logger.Debug(p.label() + msg)
	}
}

func (p *Proxy) logInfo(msg string) {
	if p.conf.Logger != nil {
		p.conf.Logger.Info(p.label() + msg)
	}
}

func (p *Proxy) logWarn(msg string) {
	if p.conf.Logger != nil {
		p.conf.Logger.Warn(p.label() + msg)
	}
}

func (p *Proxy) label() string {
	if p.conf.Name != "" {
		return "[" + p.conf.Name + "] "
	}
	return ""
}

// recover logs an error that is handled by dropping the frame.
func (p *Proxy) recover(err error) {
	p.logWarn("Dropping frame: " + err.Error())
	if p.conf.ErrHandler != nil {
		p.conf.ErrHandler(err)
	}
}

func (p *Proxy) ID() uuid.UUID {
	return p.id
}

func (p *Proxy) Name() string {
	return p.conf.Name
}

// State is safe to read from any goroutine.
func (p *Proxy) State() State {
	return State(p.state.Load())
}

func (p *Proxy) setState(s State) {
	p.state.Store(int32(s))
}

// Loop returns the loop the proxy lives on.
func (p *Proxy) Loop() *loop.Loop {
	return p.loop
}

// SetTransport attaches the outbound sender and moves the proxy to
// Connected.
func (p *Proxy) SetTransport(s Sender) error {
	if st := p.State(); st != StateCreated {
		return fmt.Errorf("rpc: cannot attach transport in state %s", st)
	}
	p.sender = s
	p.setState(StateConnected)
	p.logDebug("Connected")
	return nil
}

// On replaces the handler for name. A nil handler clears it.
func (p *Proxy) On(name string, handler EventHandler) {
	if handler == nil {
		delete(p.handlers, name)
		return
	}
	p.handlers[name] = handler
}

// OnClose registers fn to run when the proxy reaches Closed. cause is nil
// for a local Close.
func (p *Proxy) OnClose(fn func(cause error)) {
	if p.State() == StateClosed {
		fn(p.cause)
		return
	}
	p.closeHooks = append(p.closeHooks, fn)
}

func (p *Proxy) unusableError() error {
	switch p.State() {
	case StateCreated:
		return ErrNotConnected
	case StateClosing:
		return ErrSessionClosing
	case StateClosed:
		if p.cause != nil {
			return fmt.Errorf("%w: %w", ErrSessionClosed, p.cause)
		}
		return ErrSessionClosed
	}
	return nil
}

// Call sends method with args and returns a future for the reply. On any
// synchronous failure nothing is registered and an error is returned.
func (p *Proxy) Call(method string, args any) (*future.Future[any], error) {
	if err := p.unusableError(); err != nil {
		return nil, err
	}
	if p.conf.Methods != nil && !p.conf.Methods.Has(method) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	requestID := p.requestID
	bs, err := p.conf.Codec.Serialize(method, args, requestID)
	if err != nil {
		return nil, fmt.Errorf("rpc: serialize %s: %w", method, err)
	}
	p.requestID++
	if p.requestID == 0 {
		p.requestID = 1
	}

	fut := future.New[any]()
	p.pending[requestID] = pendingCall{method: method, fut: fut}

	if err := p.sender.Send(bs); err != nil {
		delete(p.pending, requestID)
		return nil, err
	}
	p.logDebug(fmt.Sprintf("Sent %s request %d", method, requestID))
	return fut, nil
}

// Notify sends method without keeping a handle on the reply. A reply that
// does arrive still clears the pending entry.
func (p *Proxy) Notify(method string, args any) error {
	_, err := p.Call(method, args)
	return err
}

// Deliver feeds one inbound frame to the proxy. It never fails: frames that
// cannot be decoded or matched are logged and dropped.
func (p *Proxy) Deliver(raw []byte) {
	if p.State() == StateClosed {
		p.logDebug("Dropping frame for closed session")
		return
	}

	env, err := p.conf.Codec.Parse(raw)
	if err != nil {
		p.recover(fmt.Errorf("%w: %w", ErrProtocolDecode, err))
		return
	}

	switch env.Kind {
	case EnvelopeReply:
		call, ok := p.pending[env.RequestID]
		if !ok {
			p.logWarn(fmt.Sprintf("Spurious reply for request %d", env.RequestID))
			return
		}
		delete(p.pending, env.RequestID)
		if env.Err != "" {
			call.fut.Reject(&RemoteError{
				Method:    call.method,
				RequestID: env.RequestID,
				Message:   env.Err,
			})
		} else {
			call.fut.Resolve(env.Payload)
		}
		p.maybeFinishDrain()

	case EnvelopeEvent:
		handler, ok := p.handlers[env.Name]
		if !ok {
			p.logDebug("No handler for event " + env.Name)
			return
		}
		handler(env.Payload)

	default:
		p.recover(fmt.Errorf("%w: unexpected envelope kind %d", ErrProtocolDecode, env.Kind))
	}
}

// Pending returns the number of outstanding calls.
func (p *Proxy) Pending() int {
	return len(p.pending)
}

// HasPending reports whether requestID is still outstanding.
func (p *Proxy) HasPending(requestID uint64) bool {
	_, ok := p.pending[requestID]
	return ok
}

// Close moves to Closing, gives outstanding calls up to DrainTimeout to
// finish, then fails whatever is left and moves to Closed. The returned
// future resolves once Closed is reached.
func (p *Proxy) Close() *future.Future[struct{}] {
	switch p.State() {
	case StateClosing, StateClosed:
		return p.closed
	case StateCreated:
		p.finish(nil)
		return p.closed
	}

	p.setState(StateClosing)
	p.logDebug("Closing")

	if len(p.pending) == 0 || p.conf.DrainTimeout < 0 {
		p.finish(nil)
		return p.closed
	}
	p.stopDrain = p.loop.After(p.conf.DrainTimeout, func() {
		p.finish(nil)
	})
	return p.closed
}

// Closed resolves when the proxy reaches Closed.
func (p *Proxy) Closed() *future.Future[struct{}] {
	return p.closed
}

// TransportClosed is the closed notification of the underlying transport.
// No reply can arrive any more, so the proxy closes without draining.
func (p *Proxy) TransportClosed(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	p.Abort(fmt.Errorf("transport closed: %w", err))
}

// Abort closes the proxy immediately, failing every outstanding call with
// an error that matches both ErrSessionClosed and cause.
func (p *Proxy) Abort(cause error) {
	if p.State() == StateClosed {
		return
	}
	p.finish(cause)
}

func (p *Proxy) maybeFinishDrain() {
	if p.State() == StateClosing && len(p.pending) == 0 {
		p.finish(nil)
	}
}

func (p *Proxy) finish(cause error) {
	if p.State() == StateClosed {
		return
	}
	p.setState(StateClosed)
	p.cause = cause
	if p.stopDrain != nil {
		p.stopDrain()
		p.stopDrain = nil
	}

	failure := ErrSessionClosed
	if cause != nil {
		failure = fmt.Errorf("%w: %w", ErrSessionClosed, cause)
	}

	pending := p.pending
	p.pending = make(map[uint64]pendingCall)
	for requestID, call := range pending {
		call.fut.Reject(fmt.Errorf("%s request %d: %w", call.method, requestID, failure))
	}
	p.handlers = make(map[string]EventHandler)

	if p.sender != nil {
		if err := p.sender.Close(); err != nil && !errors.Is(err, ErrConnectionClosed) {
			p.logDebug("Closing transport: " + err.Error())
		}
	}

	if cause != nil {
		p.logInfo(fmt.Sprintf("Closed with %d calls outstanding: %v", len(pending), cause))
	} else {
		p.logInfo(fmt.Sprintf("Closed with %d calls outstanding", len(pending)))
	}

	hooks := p.closeHooks
	p.closeHooks = nil
	for _, hook := range hooks {
		hook(cause)
	}
	p.closed.Resolve(struct{}{})
}

// Attach wraps conn in a Link feeding p and makes it p's transport. It must
// be called on p's loop.
func Attach(p *Proxy, conn Connection) (*Link, error) {
	link := NewLink(p.loop, conn, LinkConfig{
		OnFrame:  p.Deliver,
		OnClosed: p.TransportClosed,
		Logger:   p.conf.Logger,
	})
	if err := p.SetTransport(link); err != nil {
		conn.Close()
		return nil, err
	}
	link.Start()
	return link, nil
}
