package unix

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/kbirk/robolink/pkg/rpc"
	"github.com/kbirk/robolink/pkg/rpc/tcp"
)

// ServerTransport implements ServerTransport for Unix sockets. Frames use
// the same length prefix as the tcp transport.
type ServerTransport struct {
	tcp.Listener
	SocketPath         string
	MaxRecvMessageSize uint32
}

type ServerTransportConfig struct {
	SocketPath         string // Path to the Unix socket file
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		SocketPath:         config.SocketPath,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ServerTransport) Listen() error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(t.SocketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	l, err := net.Listen("unix", t.SocketPath)
	if err != nil {
		return err
	}
	err = t.Serve(l, func(conn net.Conn) (rpc.Connection, error) {
		return tcp.NewConnection(conn, 0, t.MaxRecvMessageSize), nil
	})
	if err != nil {
		l.Close()
	}
	return err
}

func (t *ServerTransport) Close() error {
	err := t.Listener.Close()

	// Clean up socket file
	os.RemoveAll(t.SocketPath)

	return err
}

// ClientTransport implements ClientTransport for Unix sockets
type ClientTransport struct {
	SocketPath string
}

type ClientTransportConfig struct {
	SocketPath string // Path to the Unix socket file
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		SocketPath: config.SocketPath,
	}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", t.SocketPath)
	if err != nil {
		return nil, err
	}
	return tcp.NewConnection(conn, 0, 0), nil
}
