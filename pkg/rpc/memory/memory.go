// Package memory provides in-process connections for tests and the
// simulator. Listeners register under a name; clients dial that name.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbirk/robolink/pkg/rpc"
)

// Connection is one end of an in-memory pipe.
type Connection struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	peer   *Connection
	once   sync.Once
}

const pipeBufferSize = 256

// Pipe returns two connected ends.
func Pipe() (*Connection, *Connection) {
	ab := make(chan []byte, pipeBufferSize)
	ba := make(chan []byte, pipeBufferSize)
	a := &Connection{in: ba, out: ab, closed: make(chan struct{})}
	b := &Connection{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *Connection) Send(data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case <-c.closed:
		return rpc.ErrConnectionClosed
	case <-c.peer.closed:
		return rpc.ErrConnectionClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return rpc.ErrConnectionClosed
	case <-c.peer.closed:
		return rpc.ErrConnectionClosed
	}
}

// Receive drains frames already queued before reporting closure.
func (c *Connection) Receive() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, rpc.ErrConnectionClosed
	case <-c.peer.closed:
		select {
		case data := <-c.in:
			return data, nil
		default:
		}
		return nil, rpc.ErrConnectionClosed
	}
}

func (c *Connection) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}

var (
	registryMu sync.Mutex
	listeners  = make(map[string]*ServerTransport)
)

// ServerTransport implements ServerTransport for in-memory connections
type ServerTransport struct {
	Name   string
	connCh chan rpc.Connection
	mu     sync.Mutex
	closed bool
}

func NewServerTransport(name string) *ServerTransport {
	return &ServerTransport{
		Name:   name,
		connCh: make(chan rpc.Connection, 16),
	}
}

func (t *ServerTransport) Listen() error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := listeners[t.Name]; ok {
		return fmt.Errorf("memory: %s is already listening", t.Name)
	}
	listeners[t.Name] = t
	return nil
}

func (t *ServerTransport) deliver(conn rpc.Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("memory: %s: %w", t.Name, rpc.ErrTransportClosed)
	}
	select {
	case t.connCh <- conn:
		return nil
	default:
		return fmt.Errorf("memory: %s is not accepting", t.Name)
	}
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	conn, ok := <-t.connCh
	if !ok {
		return nil, rpc.ErrTransportClosed
	}
	return conn, nil
}

func (t *ServerTransport) Close() error {
	registryMu.Lock()
	if listeners[t.Name] == t {
		delete(listeners, t.Name)
	}
	registryMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.connCh)
	return nil
}

// ClientTransport dials a named in-memory listener.
type ClientTransport struct {
	Name string
}

func NewClientTransport(name string) *ClientTransport {
	return &ClientTransport{Name: name}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	registryMu.Lock()
	listener, ok := listeners[t.Name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory: no listener named %s", t.Name)
	}

	client, server := Pipe()
	if err := listener.deliver(server); err != nil {
		return nil, err
	}
	return client, nil
}

// ClientFunc adapts a function to rpc.ClientTransport, for tests that need
// to control when and how connecting finishes.
type ClientFunc func(ctx context.Context) (rpc.Connection, error)

func (f ClientFunc) Connect(ctx context.Context) (rpc.Connection, error) {
	return f(ctx)
}
