// Package nats carries rpc connections over a NATS broker, for daemons
// that are only reachable through one. Every client connection owns a
// reply inbox; the server tells connections apart by that inbox.
package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbirk/robolink/pkg/rpc"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubject is where a daemon listens for frames.
	DefaultSubject = "robolink.daemon"

	// closeHeader marks a frame that ends the connection.
	closeHeader = "Robolink-Close"

	connBufferSize = 256
)

func isClose(msg *nats.Msg) bool {
	return msg.Header != nil && msg.Header.Get(closeHeader) != ""
}

func closeMsg(subject, reply string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Reply = reply
	msg.Header.Set(closeHeader, "1")
	return msg
}

// ServerTransport implements ServerTransport for NATS
type ServerTransport struct {
	URL                string
	Subject            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	nc                 *nats.Conn
	sub                *nats.Subscription
	connCh             chan rpc.Connection
	mu                 sync.Mutex
	closed             bool
	activeConns        map[string]*serverConnection
}

type ServerTransportConfig struct {
	URL                string
	Subject            string // Defaults to DefaultSubject
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	subject := config.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &ServerTransport{
		URL:                config.URL,
		Subject:            subject,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
		connCh:             make(chan rpc.Connection, 100),
		activeConns:        make(map[string]*serverConnection),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc != nil {
		return fmt.Errorf("transport is already listening")
	}
	if t.closed {
		return rpc.ErrTransportClosed
	}

	nc, err := nats.Connect(t.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := nc.Subscribe(t.Subject, t.handleMsg)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to subject %s: %w", t.Subject, err)
	}

	t.nc = nc
	t.sub = sub
	return nil
}

func (t *ServerTransport) handleMsg(msg *nats.Msg) {
	if msg.Reply == "" {
		// nowhere to answer
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	conn := t.activeConns[msg.Reply]
	if conn == nil {
		if isClose(msg) {
			t.mu.Unlock()
			return
		}
		conn = &serverConnection{
			transport: t,
			nc:        t.nc,
			replyTo:   msg.Reply,
			inbound:   make(chan []byte, connBufferSize),
			closed:    make(chan struct{}),
		}
		select {
		case t.connCh <- conn:
			t.activeConns[msg.Reply] = conn
		default:
			t.mu.Unlock()
			t.nc.PublishMsg(closeMsg(msg.Reply, ""))
			return
		}
	}
	t.mu.Unlock()

	if isClose(msg) {
		conn.shutdown()
		return
	}

	if t.MaxRecvMessageSize > 0 && uint32(len(msg.Data)) > t.MaxRecvMessageSize {
		// oversized frames are dropped
		return
	}

	select {
	case conn.inbound <- msg.Data:
	case <-conn.closed:
	default:
		// Channel full, drop message
	}
}

func (t *ServerTransport) forget(replyTo string) {
	t.mu.Lock()
	delete(t.activeConns, replyTo)
	t.mu.Unlock()
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
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.connCh)

	conns := make([]*serverConnection, 0, len(t.activeConns))
	for _, conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.activeConns = make(map[string]*serverConnection)
	sub, nc := t.sub, t.nc
	t.sub, t.nc = nil, nil
	t.mu.Unlock()

	// Close all active connections
	for _, conn := range conns {
		conn.Close()
	}

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
	return err
}

type serverConnection struct {
	transport *ServerTransport
	nc        *nats.Conn
	replyTo   string
	inbound   chan []byte
	closed    chan struct{}
	once      sync.Once
}

func (c *serverConnection) Send(data []byte) error {
	if limit := c.transport.MaxSendMessageSize; limit > 0 && uint32(len(data)) > limit {
		return fmt.Errorf("message size %d exceeds send limit %d", len(data), limit)
	}
	select {
	case <-c.closed:
		return rpc.ErrConnectionClosed
	default:
	}
	return c.nc.Publish(c.replyTo, data)
}

func (c *serverConnection) Receive() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, rpc.ErrConnectionClosed
	}
}

func (c *serverConnection) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.transport.forget(c.replyTo)
	})
}

func (c *serverConnection) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	c.shutdown()
	return c.nc.PublishMsg(closeMsg(c.replyTo, ""))
}

// ClientTransport implements ClientTransport for NATS. Connections share
// one broker connection.
type ClientTransport struct {
	URL                string
	Subject            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	nc                 *nats.Conn
	mu                 sync.Mutex
}

type ClientTransportConfig struct {
	URL                string
	Subject            string // Defaults to DefaultSubject
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	subject := config.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &ClientTransport{
		URL:                config.URL,
		Subject:            subject,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ClientTransport) broker(ctx context.Context) (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc != nil && !t.nc.IsClosed() {
		return t.nc, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(t.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.nc = nc
	return nc, nil
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	nc, err := t.broker(ctx)
	if err != nil {
		return nil, err
	}

	// Create inbox and subscription for this connection
	c := &clientConnection{
		transport: t,
		nc:        nc,
		inbox:     nats.NewInbox(),
		inbound:   make(chan []byte, connBufferSize),
		closed:    make(chan struct{}),
	}

	sub, err := nc.Subscribe(c.inbox, c.handleMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	c.sub = sub
	return c, nil
}

// Close drops the shared broker connection.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc != nil {
		t.nc.Close()
		t.nc = nil
	}
	return nil
}

type clientConnection struct {
	transport *ClientTransport
	nc        *nats.Conn
	inbox     string
	sub       *nats.Subscription
	inbound   chan []byte
	closed    chan struct{}
	once      sync.Once
}

func (c *clientConnection) handleMsg(msg *nats.Msg) {
	if isClose(msg) {
		c.shutdown()
		return
	}
	if limit := c.transport.MaxRecvMessageSize; limit > 0 && uint32(len(msg.Data)) > limit {
		return
	}
	select {
	case c.inbound <- msg.Data:
	case <-c.closed:
	}
}

func (c *clientConnection) Send(data []byte) error {
	if limit := c.transport.MaxSendMessageSize; limit > 0 && uint32(len(data)) > limit {
		return fmt.Errorf("message size %d exceeds send limit %d", len(data), limit)
	}
	select {
	case <-c.closed:
		return rpc.ErrConnectionClosed
	default:
	}

	msg := &nats.Msg{
		Subject: c.transport.Subject,
		Reply:   c.inbox,
		Data:    data,
	}
	return c.nc.PublishMsg(msg)
}

func (c *clientConnection) Receive() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, rpc.ErrConnectionClosed
	}
}

func (c *clientConnection) shutdown() {
	c.once.Do(func() {
		close(c.closed)
	})
}

func (c *clientConnection) Close() error {
	notify := true
	select {
	case <-c.closed:
		notify = false
	default:
	}
	c.shutdown()
	c.sub.Unsubscribe()
	if !notify {
		return nil
	}
	return c.nc.PublishMsg(closeMsg(c.transport.Subject, c.inbox))
}
