package rpc

// EnvelopeKind tags a decoded inbound message.
type EnvelopeKind uint8

const (
	EnvelopeReply EnvelopeKind = iota + 1
	EnvelopeEvent
)

func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopeReply:
		return "reply"
	case EnvelopeEvent:
		return "event"
	default:
		return "invalid"
	}
}

// Envelope is the decoded shape of one inbound message: a reply to a call,
// or a named event. Err is set on replies that carry a remote error.
type Envelope struct {
	Kind      EnvelopeKind
	RequestID uint64
	Name      string
	Payload   any
	Err       string
}

// Codec turns calls into bytes and bytes into envelopes. The proxy never
// looks inside args or payloads.
type Codec interface {
	Serialize(method string, args any, requestID uint64) ([]byte, error)
	Parse(data []byte) (Envelope, error)
}

// Request is a decoded inbound call on the serving side.
type Request struct {
	RequestID uint64
	Method    string
	Args      any
}

// ServerCodec is the inverse of Codec, used by servers and the daemon.
type ServerCodec interface {
	ParseRequest(data []byte) (Request, error)
	SerializeReply(requestID uint64, payload any, err error) ([]byte, error)
	SerializeEvent(name string, payload any) ([]byte, error)
}
