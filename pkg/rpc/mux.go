package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler serves one method. args is whatever the ServerCodec decoded.
type Handler func(ctx context.Context, args any) (any, error)

// Middleware wraps every handler registered in its group and below.
type Middleware func(ctx context.Context, args any, next Handler) (any, error)

func buildHandlerFunction(middleware []Middleware, final Handler) Handler {
	chain := final

	// loop backwards so the first middleware ends up outermost
	for i := len(middleware) - 1; i >= 0; i-- {
		m := middleware[i]
		next := chain
		chain = func(ctx context.Context, args any) (any, error) {
			return m(ctx, args, next)
		}
	}
	return chain
}

// ApplyHandlerChain runs final behind middleware.
func ApplyHandlerChain(ctx context.Context, args any, middleware []Middleware, final Handler) (any, error) {
	return buildHandlerFunction(middleware, final)(ctx, args)
}

type muxGroup struct {
	middleware []Middleware
	parent     *muxGroup
}

type route struct {
	handler Handler
	group   *muxGroup
}

// Mux maps method names to handlers. Registration is expected up front;
// dispatch is safe for concurrent use.
type Mux struct {
	mu          sync.RWMutex
	routes      map[string]route
	activeGroup *muxGroup
}

func NewMux() *Mux {
	return &Mux{
		routes:      make(map[string]route),
		activeGroup: &muxGroup{},
	}
}

// Group scopes middleware registered inside fn to the handlers registered
// inside fn.
func (m *Mux) Group(fn func(*Mux)) {
	m.mu.Lock()
	g := &muxGroup{parent: m.activeGroup}
	m.activeGroup = g
	m.mu.Unlock()

	fn(m)

	m.mu.Lock()
	m.activeGroup = g.parent
	m.mu.Unlock()
}

func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeGroup.middleware = append(m.activeGroup.middleware, mw)
}

func (m *Mux) Handle(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[method]; ok {
		panic(fmt.Sprintf("handler for method %s already registered", method))
	}
	m.routes[method] = route{handler: h, group: m.activeGroup}
}

func (m *Mux) Has(method string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.routes[method]
	return ok
}

// Methods lists the registered method names in order.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.routes))
	for name := range m.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry returns a client-side registry of the mux's methods.
func (m *Mux) Registry() *Registry {
	return NewRegistry(m.Methods()...)
}

func (m *Mux) middlewareFor(g *muxGroup) []Middleware {
	var groups []*muxGroup
	for ; g != nil; g = g.parent {
		groups = append(groups, g)
	}

	// build from root to leaf
	var middleware []Middleware
	for i := len(groups) - 1; i >= 0; i-- {
		middleware = append(middleware, groups[i].middleware...)
	}
	return middleware
}

// Dispatch runs the handler for method behind its middleware.
func (m *Mux) Dispatch(ctx context.Context, method string, args any) (any, error) {
	m.mu.RLock()
	r, ok := m.routes[method]
	var middleware []Middleware
	if ok {
		middleware = m.middlewareFor(r.group)
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return ApplyHandlerChain(withMethod(ctx, method), args, middleware, r.handler)
}

type contextKey int

const (
	methodKey contextKey = iota
	peerKey
)

func withMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, methodKey, method)
}

// MethodFromContext returns the method being dispatched, for middleware.
func MethodFromContext(ctx context.Context) string {
	method, _ := ctx.Value(methodKey).(string)
	return method
}

// Emitter sends named events back to whoever made the current call.
type Emitter interface {
	Emit(name string, payload any) error
}

// WithEmitter attaches e to ctx for handlers.
func WithEmitter(ctx context.Context, e Emitter) context.Context {
	return context.WithValue(ctx, peerKey, e)
}

// EmitterFromContext returns the caller's emitter, if the server set one.
func EmitterFromContext(ctx context.Context) (Emitter, bool) {
	e, ok := ctx.Value(peerKey).(Emitter)
	return e, ok
}
