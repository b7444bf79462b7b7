// Package config loads client settings from TOML files, with environment
// overrides, and turns them into transports and a client.Config.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kbirk/robolink/pkg/client"
	"github.com/kbirk/robolink/pkg/log"
	"github.com/kbirk/robolink/pkg/loop"
	"github.com/kbirk/robolink/pkg/rpc"
	"github.com/kbirk/robolink/pkg/rpc/nats"
	"github.com/kbirk/robolink/pkg/rpc/tcp"
	"github.com/kbirk/robolink/pkg/rpc/unix"
	"github.com/kbirk/robolink/pkg/rpc/websocket"
	"github.com/rs/zerolog"
)

const (
	EnvConnectTimeout = "ROBOLINK_CONNECT_TIMEOUT"
	EnvCallTimeout    = "ROBOLINK_CALL_TIMEOUT"
	EnvDeviceID       = "ROBOLINK_DEVICE_ID"
	EnvDaemon         = "ROBOLINK_DAEMON"
	EnvDirect         = "ROBOLINK_DIRECT"
)

const (
	TransportTCP       = "tcp"
	TransportTLS       = "tls"
	TransportUnix      = "unix"
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Duration reads "1.5s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Endpoint says how to reach a daemon or a device.
type Endpoint struct {
	// Transport is one of tcp, tls, unix, websocket or nats.
	Transport string `toml:"transport"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	// Path is the socket path for unix and the request path for websocket.
	Path string `toml:"path"`
	// URL and Subject locate a daemon behind a nats broker.
	URL                string `toml:"url"`
	Subject            string `toml:"subject"`
	DeviceID           string `toml:"device_id"`
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	NoDelay            bool   `toml:"no_delay"`
	MaxMessageSize     uint32 `toml:"max_message_size"`
}

// ParseEndpoint reads the short "transport://address" form used by flags and
// environment variables: tcp://host:port, tls://host:port, unix:///path,
// websocket://host:port/path or nats://host:port.
func ParseEndpoint(raw string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("config: endpoint %q has no transport", raw)
	}
	e := Endpoint{Transport: strings.ToLower(scheme)}
	switch e.Transport {
	case TransportUnix:
		e.Path = rest
	case TransportNATS:
		e.URL = raw
	case TransportTCP, TransportTLS, TransportWebSocket:
		hostport := rest
		if i := strings.Index(rest, "/"); i >= 0 && e.Transport == TransportWebSocket {
			hostport, e.Path = rest[:i], rest[i:]
		}
		host, port, err := splitHostPort(hostport)
		if err != nil {
			return Endpoint{}, err
		}
		e.Host, e.Port = host, port
	default:
		return Endpoint{}, fmt.Errorf("config: unknown transport %q", scheme)
	}
	return e, nil
}

func splitHostPort(hostport string) (string, int, error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("config: %q has no port", hostport)
	}
	port, err := strconv.Atoi(hostport[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("config: bad port in %q: %w", hostport, err)
	}
	return strings.Trim(hostport[:i], "[]"), port, nil
}

func (e Endpoint) tlsConfig() (*tls.Config, error) {
	conf := &tls.Config{InsecureSkipVerify: e.InsecureSkipVerify}
	if e.CAFile != "" {
		pem, err := os.ReadFile(e.CAFile)
		if err != nil {
			return nil, fmt.Errorf("config: read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: no certificates in %s", e.CAFile)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// ClientTransport builds the transport that dials e.
func (e Endpoint) ClientTransport() (rpc.ClientTransport, error) {
	switch e.Transport {
	case TransportTCP:
		return tcp.NewClientTransport(tcp.ClientTransportConfig{
			Host:               e.Host,
			Port:               e.Port,
			NoDelay:            e.NoDelay,
			MaxSendMessageSize: e.MaxMessageSize,
			MaxRecvMessageSize: e.MaxMessageSize,
		}), nil
	case TransportTLS:
		return tcp.NewClientTransportTLS(tcp.ClientTransportTLSConfig{
			Host:               e.Host,
			Port:               e.Port,
			NoDelay:            e.NoDelay,
			InsecureSkipVerify: e.InsecureSkipVerify,
			CAFile:             e.CAFile,
			MaxSendMessageSize: e.MaxMessageSize,
			MaxRecvMessageSize: e.MaxMessageSize,
		}), nil
	case TransportUnix:
		return unix.NewClientTransport(unix.ClientTransportConfig{
			SocketPath: e.Path,
		}), nil
	case TransportWebSocket:
		var tlsConf *tls.Config
		if e.InsecureSkipVerify || e.CAFile != "" {
			c, err := e.tlsConfig()
			if err != nil {
				return nil, err
			}
			tlsConf = c
		}
		return websocket.NewClientTransport(websocket.ClientTransportConfig{
			Host:               e.Host,
			Port:               e.Port,
			Path:               e.Path,
			TLSConfig:          tlsConf,
			MaxSendMessageSize: e.MaxMessageSize,
			MaxRecvMessageSize: e.MaxMessageSize,
		}), nil
	case TransportNATS:
		return nats.NewClientTransport(nats.ClientTransportConfig{
			URL:                e.URL,
			Subject:            e.Subject,
			MaxSendMessageSize: e.MaxMessageSize,
			MaxRecvMessageSize: e.MaxMessageSize,
		}), nil
	default:
		return nil, fmt.Errorf("config: unknown transport %q", e.Transport)
	}
}

// ServerTransport builds the transport that listens at e. TLS serving is
// not configurable here.
func (e Endpoint) ServerTransport() (rpc.ServerTransport, error) {
	switch e.Transport {
	case TransportTCP:
		return tcp.NewServerTransport(tcp.ServerTransportConfig{
			Host:               e.Host,
			Port:               e.Port,
			NoDelay:            e.NoDelay,
			MaxSendMessageSize: e.MaxMessageSize,
			MaxRecvMessageSize: e.MaxMessageSize,
		}), nil
	case TransportUnix:
		return unix.NewServerTransport(unix.ServerTransportConfig{
			SocketPath:         e.Path,
			MaxRecvMessageSize: e.MaxMessageSize,
		}), nil
	case TransportWebSocket:
		return websocket.NewServerTransport(websocket.ServerTransportConfig{
			Host:               e.Host,
			Port:               e.Port,
			Path:               e.Path,
			MaxSendMessageSize: e.MaxMessageSize,
			MaxRecvMessageSize: e.MaxMessageSize,
		}), nil
	case TransportNATS:
		return nats.NewServerTransport(nats.ServerTransportConfig{
			URL:                e.URL,
			Subject:            e.Subject,
			MaxSendMessageSize: e.MaxMessageSize,
			MaxRecvMessageSize: e.MaxMessageSize,
		}), nil
	default:
		return nil, fmt.Errorf("config: cannot serve transport %q", e.Transport)
	}
}

// File is the client configuration file.
type File struct {
	LogLevel       string    `toml:"log_level"`
	ConnectTimeout Duration  `toml:"connect_timeout"`
	CallTimeout    Duration  `toml:"call_timeout"`
	SettleDelay    Duration  `toml:"settle_delay"`
	DrainTimeout   Duration  `toml:"drain_timeout"`
	Legacy         *Endpoint `toml:"legacy"`
	Direct         *Endpoint `toml:"direct"`
}

func Default() File {
	return File{
		LogLevel:       "info",
		ConnectTimeout: Duration{client.DefaultConnectTimeout},
		CallTimeout:    Duration{loop.DefaultTimeout},
		SettleDelay:    Duration{client.DefaultSettleDelay},
		DrainTimeout:   Duration{rpc.DefaultDrainTimeout},
	}
}

// Parse decodes TOML on top of the defaults. Unknown keys are an error.
func Parse(data string) (File, error) {
	f := Default()
	meta, err := toml.Decode(data, &f)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return File{}, fmt.Errorf("config: unknown keys %s", strings.Join(keys, ", "))
	}
	return f, nil
}

// Load reads path. An empty path yields the defaults.
func Load(path string) (File, error) {
	if path == "" {
		return Default(), nil
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	return Parse(string(bs))
}

// ApplyEnv overrides f with the ROBOLINK_* variables that getenv reports.
func (f *File) ApplyEnv(getenv func(string) string) error {
	if v := getenv(log.EnvLogLevel); v != "" {
		f.LogLevel = v
	}
	for _, d := range []struct {
		key string
		dst *Duration
	}{
		{EnvConnectTimeout, &f.ConnectTimeout},
		{EnvCallTimeout, &f.CallTimeout},
	} {
		if v := getenv(d.key); v != "" {
			if err := d.dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("config: %s: %w", d.key, err)
			}
		}
	}
	if v := getenv(EnvDaemon); v != "" {
		e, err := ParseEndpoint(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvDaemon, err)
		}
		if f.Legacy != nil {
			e.DeviceID = f.Legacy.DeviceID
		}
		f.Legacy = &e
	}
	if v := getenv(EnvDirect); v != "" {
		e, err := ParseEndpoint(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvDirect, err)
		}
		f.Direct = &e
	}
	if v := getenv(EnvDeviceID); v != "" && f.Legacy != nil {
		f.Legacy.DeviceID = v
	}
	return nil
}

// Level returns the configured log level.
func (f File) Level() (zerolog.Level, error) {
	lvl, ok := log.ParseLevel(f.LogLevel)
	if !ok {
		return zerolog.InfoLevel, fmt.Errorf("config: unknown log level %q", f.LogLevel)
	}
	return lvl, nil
}

// ClientConfig builds the client configuration described by f.
func (f File) ClientConfig(logger log.Logger) (client.Config, error) {
	conf := client.DefaultConfig()
	conf.ConnectTimeout = f.ConnectTimeout.Duration
	conf.CallTimeout = f.CallTimeout.Duration
	conf.SettleDelay = f.SettleDelay.Duration
	conf.DrainTimeout = f.DrainTimeout.Duration
	conf.Logger = logger

	if f.Legacy != nil {
		t, err := f.Legacy.ClientTransport()
		if err != nil {
			return client.Config{}, fmt.Errorf("legacy: %w", err)
		}
		conf.Legacy = &client.LegacyConfig{
			Transport: t,
			DeviceID:  f.Legacy.DeviceID,
		}
	}
	if f.Direct != nil {
		t, err := f.Direct.ClientTransport()
		if err != nil {
			return client.Config{}, fmt.Errorf("direct: %w", err)
		}
		conf.Direct = &client.DirectConfig{Transport: t}
	}
	if conf.Legacy == nil && conf.Direct == nil {
		return client.Config{}, client.ErrNoCandidates
	}
	return conf, nil
}
