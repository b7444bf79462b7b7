package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/kbirk/robolink/pkg/rpc"
)

// setNoDelay sets the TCP_NODELAY option on a TCP connection
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

// Connection carries u32 big-endian length-prefixed frames over any stream
// connection. The unix transport reuses it.
type Connection struct {
	conn               net.Conn
	mu                 sync.Mutex
	maxSendMessageSize uint32
	maxRecvMessageSize uint32
}

// NewConnection frames conn. A zero size limit means no limit.
func NewConnection(conn net.Conn, maxSend, maxRecv uint32) *Connection {
	return &Connection{
		conn:               conn,
		maxSendMessageSize: maxSend,
		maxRecvMessageSize: maxRecv,
	}
}

func closedError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", rpc.ErrConnectionClosed, err)
	}
	return err
}

func (c *Connection) Send(data []byte) error {
	if c.maxSendMessageSize > 0 && uint32(len(data)) > c.maxSendMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), c.maxSendMessageSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := c.conn.Write(frame); err != nil {
		return closedError(err)
	}
	return nil
}

func (c *Connection) Receive() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, closedError(err)
	}
	length := binary.BigEndian.Uint32(header)
	if c.maxRecvMessageSize > 0 && length > c.maxRecvMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", length, c.maxRecvMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, closedError(err)
	}
	return data, nil
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// Listener turns a net.Listener into an rpc.ServerTransport. The tcp, tls
// and unix server transports embed it.
type Listener struct {
	listener net.Listener
	connCh   chan rpc.Connection
	mu       sync.Mutex
	closed   bool
	wrap     func(net.Conn) (rpc.Connection, error)
}

func (t *Listener) start(l net.Listener, wrap func(net.Conn) (rpc.Connection, error)) {
	t.listener = l
	t.wrap = wrap
	t.connCh = make(chan rpc.Connection, 16)
	go t.acceptLoop()
}

// Serve accepts from l until Close. wrap adapts each accepted conn.
func (t *Listener) Serve(l net.Listener, wrap func(net.Conn) (rpc.Connection, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}
	if t.closed {
		return rpc.ErrTransportClosed
	}
	t.start(l, wrap)
	return nil
}

func (t *Listener) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			// Check if closed
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		c, err := t.wrap(conn)
		if err != nil {
			conn.Close()
			continue
		}

		t.mu.Lock()
		if !t.closed {
			select {
			case t.connCh <- c:
			default:
				conn.Close()
			}
		} else {
			conn.Close()
		}
		t.mu.Unlock()
	}
}

func (t *Listener) Accept() (rpc.Connection, error) {
	t.mu.Lock()
	ch := t.connCh
	t.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("transport is not listening")
	}
	conn, ok := <-ch
	if !ok {
		return nil, rpc.ErrTransportClosed
	}
	return conn, nil
}

// Addr is the bound address, or nil before Listen.
func (t *Listener) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Listener) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.connCh != nil {
		close(t.connCh)
	}

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// ServerTransport implements ServerTransport for TCP
type ServerTransport struct {
	Listener
	Host               string
	Port               int
	NoDelay            bool
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ServerTransportConfig struct {
	Host               string // Bind host, empty for all interfaces
	Port               int    // Zero picks a free port, see Port()
	NoDelay            bool   // Disable Nagle's algorithm for better latency
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		Host:               config.Host,
		Port:               config.Port,
		NoDelay:            config.NoDelay,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ServerTransport) Listen() error {
	l, err := net.Listen("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return err
	}
	err = t.Serve(l, func(conn net.Conn) (rpc.Connection, error) {
		if err := setNoDelay(conn, t.NoDelay); err != nil {
			return nil, err
		}
		return NewConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize), nil
	})
	if err != nil {
		l.Close()
	}
	return err
}

// BoundPort returns the port actually listened on, which differs from Port
// when Port is zero.
func (t *ServerTransport) BoundPort() int {
	if addr, ok := t.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return t.Port
}

// ClientTransport implements ClientTransport for TCP
type ClientTransport struct {
	Host               string
	Port               int
	NoDelay            bool
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ClientTransportConfig struct {
	Host               string
	Port               int
	NoDelay            bool // Disable Nagle's algorithm for better latency
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		Host:               config.Host,
		Port:               config.Port,
		NoDelay:            config.NoDelay,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return nil, err
	}

	// Set TCP_NODELAY option
	if err := setNoDelay(conn, t.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return NewConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize), nil
}
