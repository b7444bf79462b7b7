package rpc

import "context"

// Connection represents a bidirectional communication channel
type Connection interface {
	// Send sends a message to the remote peer
	Send(data []byte) error

	// Receive blocks until a message is received from the remote peer. An
	// orderly closure returns an error matching ErrConnectionClosed.
	Receive() ([]byte, error)

	// Close closes the connection
	Close() error
}

// ServerTransport handles incoming connections for the server
type ServerTransport interface {
	// Listen starts listening for incoming connections
	Listen() error

	// Accept blocks until a new connection is available
	Accept() (Connection, error)

	// Close stops listening and closes the transport
	Close() error
}

// ClientTransport handles outgoing connections for the client
type ClientTransport interface {
	// Connect establishes a connection to the server
	Connect(ctx context.Context) (Connection, error)
}

// Sender is the outbound half a Proxy writes frames to. A Link is the usual
// Sender; a relay hands out address-bound Senders instead.
type Sender interface {
	Send(data []byte) error
	Close() error
}
