package rpc

import (
	"errors"

	"github.com/kbirk/robolink/pkg/loop"
)

var (
	ErrConnectTimeout          = errors.New("rpc: connect timed out")
	ErrCallTimeout             = loop.ErrTimeout
	ErrSessionClosed           = errors.New("rpc: session closed")
	ErrSessionClosing          = errors.New("rpc: session closing")
	ErrNotConnected            = errors.New("rpc: session not connected")
	ErrRelayUnavailable        = errors.New("rpc: relay unavailable")
	ErrUnknownAddress          = errors.New("rpc: unknown address")
	ErrAddressAlreadyBound     = errors.New("rpc: address already bound")
	ErrProtocolDecode          = errors.New("rpc: protocol decode error")
	ErrAddressResolutionFailed = errors.New("rpc: address resolution failed")
	ErrUnknownMethod           = errors.New("rpc: unknown method")
	ErrConnectionClosed        = errors.New("connection closed")
	ErrTransportClosed         = errors.New("transport is closed")
)

// ErrorKind is the closed set of failure categories a caller can branch on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectTimeout
	KindCallTimeout
	KindSessionClosed
	KindRelayUnavailable
	KindUnknownAddress
	KindProtocolDecode
	KindAddressResolutionFailed
	KindRemote
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectTimeout:
		return "connect_timeout"
	case KindCallTimeout:
		return "call_timeout"
	case KindSessionClosed:
		return "session_closed"
	case KindRelayUnavailable:
		return "relay_unavailable"
	case KindUnknownAddress:
		return "unknown_address"
	case KindProtocolDecode:
		return "protocol_decode"
	case KindAddressResolutionFailed:
		return "address_resolution_failed"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Relay loss is reported ahead of session closure
// because it is the more specific cause.
func KindOf(err error) ErrorKind {
	var remote *RemoteError
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrConnectTimeout):
		return KindConnectTimeout
	case errors.Is(err, ErrCallTimeout):
		return KindCallTimeout
	case errors.Is(err, ErrRelayUnavailable):
		return KindRelayUnavailable
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrSessionClosing),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrConnectionClosed):
		return KindSessionClosed
	case errors.Is(err, ErrUnknownAddress):
		return KindUnknownAddress
	case errors.Is(err, ErrAddressResolutionFailed):
		return KindAddressResolutionFailed
	case errors.Is(err, ErrProtocolDecode):
		return KindProtocolDecode
	case errors.As(err, &remote):
		return KindRemote
	default:
		return KindUnknown
	}
}

// IsTimeout reports whether err is a connect or call timeout.
func IsTimeout(err error) bool {
	k := KindOf(err)
	return k == KindConnectTimeout || k == KindCallTimeout
}

// IsClosed reports whether err means the session can no longer be used.
func IsClosed(err error) bool {
	k := KindOf(err)
	return k == KindSessionClosed || k == KindRelayUnavailable
}

// RemoteError is an error reply sent by the peer.
type RemoteError struct {
	Method    string
	RequestID uint64
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Method != "" {
		return "rpc: remote error from " + e.Method + ": " + e.Message
	}
	return "rpc: remote error: " + e.Message
}
