package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kbirk/robolink/pkg/rpc"
)

// DefaultPath is where devices serve their websocket endpoint.
const DefaultPath = "/rpc"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Connection implements the Connection interface for WebSocket. Each frame
// is one binary message.
type Connection struct {
	conn               *websocket.Conn
	mu                 sync.Mutex
	maxSendMessageSize uint32
	maxRecvMessageSize uint32
}

func newConnection(conn *websocket.Conn, maxSend, maxRecv uint32) *Connection {
	if maxRecv > 0 {
		conn.SetReadLimit(int64(maxRecv))
	}
	return &Connection{
		conn:               conn,
		maxSendMessageSize: maxSend,
		maxRecvMessageSize: maxRecv,
	}
}

func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSendMessageSize > 0 && uint32(len(data)) > c.maxSendMessageSize {
		return fmt.Errorf("message size %d exceeds send limit %d", len(data), c.maxSendMessageSize)
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %w", rpc.ErrConnectionClosed, err)
		}
		return err
	}
	return nil
}

func (c *Connection) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		// Check if this is a normal close error
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", rpc.ErrConnectionClosed, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Send a proper close frame before closing the connection
	// Use a short deadline to avoid blocking indefinitely
	deadline := time.Now().Add(time.Second)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)

	// Close the underlying connection regardless of whether the close frame was sent
	closeErr := c.conn.Close()

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	if errors.Is(closeErr, net.ErrClosed) {
		return nil
	}
	return closeErr
}

// ServerTransport implements ServerTransport for WebSocket
type ServerTransport struct {
	Host               string
	Port               int
	Path               string
	CertFile           string
	KeyFile            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	server             *http.Server
	listener           net.Listener
	connCh             chan rpc.Connection
	mu                 sync.Mutex
	closed             bool
}

type ServerTransportConfig struct {
	Host               string
	Port               int    // Zero picks a free port, see BoundPort()
	Path               string // Defaults to DefaultPath
	CertFile           string // Optional: for TLS
	KeyFile            string // Optional: for TLS
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	return &ServerTransport{
		Host:               config.Host,
		Port:               config.Port,
		Path:               path,
		CertFile:           config.CertFile,
		KeyFile:            config.KeyFile,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
		connCh:             make(chan rpc.Connection, 16), // buffered channel for connections
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return fmt.Errorf("transport is already listening")
	}
	if t.closed {
		return rpc.ErrTransportClosed
	}

	l, err := net.Listen("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return err
	}
	t.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc(t.Path, t.handleWebSocket)

	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := t.server
	go func() {
		if t.CertFile != "" && t.KeyFile != "" {
			server.ServeTLS(l, t.CertFile, t.KeyFile)
		} else {
			server.Serve(l)
		}
	}()

	return nil
}

// BoundPort returns the port actually listened on.
func (t *ServerTransport) BoundPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return t.Port
}

func (t *ServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wsConn := newConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		conn.Close()
		return
	}
	select {
	case t.connCh <- wsConn:
	default:
		// Channel is full, close the connection
		conn.Close()
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
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil // Already closed
	}

	t.closed = true
	close(t.connCh)

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

// ClientTransport implements ClientTransport for WebSocket
type ClientTransport struct {
	Host               string
	Port               int
	Path               string
	TLSConfig          *tls.Config
	HandshakeTimeout   time.Duration
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ClientTransportConfig struct {
	Host               string
	Port               int
	Path               string // Defaults to DefaultPath
	TLSConfig          *tls.Config
	HandshakeTimeout   time.Duration
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	return &ClientTransport{
		Host:               config.Host,
		Port:               config.Port,
		Path:               path,
		TLSConfig:          config.TLSConfig,
		HandshakeTimeout:   config.HandshakeTimeout,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

// URL is the endpoint Connect dials.
func (t *ClientTransport) URL() string {
	scheme := "ws"
	if t.TLSConfig != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), Path: t.Path}
	return u.String()
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.HandshakeTimeout,
	}
	if t.TLSConfig != nil {
		// Configure the Dialer to use SSL/TLS
		dialer.TLSClientConfig = t.TLSConfig
	}

	conn, _, err := dialer.DialContext(ctx, t.URL(), nil)
	if err != nil {
		return nil, err
	}

	return newConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize), nil
}
