package tcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/kbirk/robolink/pkg/rpc"
)

// ServerTransportTLS implements ServerTransport for TCP with TLS
type ServerTransportTLS struct {
	Listener
	Host               string
	Port               int
	NoDelay            bool
	CertFile           string
	KeyFile            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ServerTransportTLSConfig struct {
	Host               string
	Port               int
	NoDelay            bool   // Disable Nagle's algorithm (default: true)
	CertFile           string // Server certificate file (PEM)
	KeyFile            string // Server private key file (PEM)
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransportTLS(config ServerTransportTLSConfig) *ServerTransportTLS {
	return &ServerTransportTLS{
		Host:               config.Host,
		Port:               config.Port,
		NoDelay:            config.NoDelay,
		CertFile:           config.CertFile,
		KeyFile:            config.KeyFile,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ServerTransportTLS) Listen() error {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	l, err := tls.Listen("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), tlsConfig)
	if err != nil {
		return err
	}
	err = t.Serve(l, func(conn net.Conn) (rpc.Connection, error) {
		// Set TCP_NODELAY option on the underlying TCP connection
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := setNoDelay(tlsConn.NetConn(), t.NoDelay); err != nil {
				return nil, err
			}
		}
		return NewConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize), nil
	})
	if err != nil {
		l.Close()
	}
	return err
}

// ClientTransportTLS implements ClientTransport for TCP with TLS
type ClientTransportTLS struct {
	Host               string
	Port               int
	NoDelay            bool
	InsecureSkipVerify bool
	CAFile             string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ClientTransportTLSConfig struct {
	Host               string
	Port               int
	NoDelay            bool   // Disable Nagle's algorithm (default: true)
	InsecureSkipVerify bool   // Skip certificate verification (for testing)
	CAFile             string // Optional CA certificate file for verification
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransportTLS(config ClientTransportTLSConfig) *ClientTransportTLS {
	return &ClientTransportTLS{
		Host:               config.Host,
		Port:               config.Port,
		NoDelay:            config.NoDelay,
		InsecureSkipVerify: config.InsecureSkipVerify,
		CAFile:             config.CAFile,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ClientTransportTLS) Connect(ctx context.Context) (rpc.Connection, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	// Load CA certificate if provided
	if t.CAFile != "" {
		caCert, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	d := &tls.Dialer{Config: tlsConfig}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return nil, err
	}

	// Set TCP_NODELAY option on the underlying TCP connection
	if tlsConn, ok := conn.(*tls.Conn); ok {
		setNoDelay(tlsConn.NetConn(), t.NoDelay)
	}

	return NewConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize), nil
}
