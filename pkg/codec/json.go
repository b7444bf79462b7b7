package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/kbirk/robolink/pkg/rpc"
)

// JSONVersion tags every generation 2 frame.
const JSONVersion = 2

const (
	jsonRequest = "request"
	jsonReply   = "reply"
	jsonEvent   = "event"
)

var ErrNotJSONFrame = errors.New("codec: not a json frame")

type jsonFrame struct {
	Version int             `json:"v"`
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// JSON is the generation 2 frame format: one JSON object per frame with a
// version tag. Payloads surface as json.RawMessage; DecodeJSON turns them
// into values.
type JSON struct{}

func NewJSON() *JSON {
	return &JSON{}
}

func marshalValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bs, nil
}

func decodeJSONFrame(data []byte) (jsonFrame, error) {
	var f jsonFrame
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return f, ErrNotJSONFrame
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, err
	}
	if f.Version != JSONVersion {
		return f, fmt.Errorf("%w: version %d", ErrNotJSONFrame, f.Version)
	}
	return f, nil
}

func (c *JSON) Serialize(method string, args any, requestID uint64) ([]byte, error) {
	raw, err := marshalValue(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonFrame{
		Version: JSONVersion,
		Type:    jsonRequest,
		ID:      requestID,
		Method:  method,
		Args:    raw,
	})
}

func (c *JSON) Parse(data []byte) (rpc.Envelope, error) {
	f, err := decodeJSONFrame(data)
	if err != nil {
		return rpc.Envelope{}, err
	}
	switch f.Type {
	case jsonReply:
		return rpc.Envelope{Kind: rpc.EnvelopeReply, RequestID: f.ID, Payload: f.Result, Err: f.Error}, nil
	case jsonEvent:
		return rpc.Envelope{Kind: rpc.EnvelopeEvent, Name: f.Name, Payload: f.Payload}, nil
	default:
		return rpc.Envelope{}, fmt.Errorf("codec: unexpected frame type %q", f.Type)
	}
}

func (c *JSON) ParseRequest(data []byte) (rpc.Request, error) {
	f, err := decodeJSONFrame(data)
	if err != nil {
		return rpc.Request{}, err
	}
	if f.Type != jsonRequest {
		return rpc.Request{}, fmt.Errorf("codec: unexpected frame type %q", f.Type)
	}
	return rpc.Request{RequestID: f.ID, Method: f.Method, Args: f.Args}, nil
}

func (c *JSON) SerializeReply(requestID uint64, payload any, err error) ([]byte, error) {
	f := jsonFrame{
		Version: JSONVersion,
		Type:    jsonReply,
		ID:      requestID,
	}
	if err != nil {
		f.Error = err.Error()
	} else {
		raw, merr := marshalValue(payload)
		if merr != nil {
			return nil, merr
		}
		f.Result = raw
	}
	return json.Marshal(f)
}

func (c *JSON) SerializeEvent(name string, payload any) ([]byte, error) {
	raw, err := marshalValue(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonFrame{
		Version: JSONVersion,
		Type:    jsonEvent,
		Name:    name,
		Payload: raw,
	})
}

// DecodeJSON unmarshals a payload produced by the JSON codec into v. Empty
// payloads leave v untouched.
func DecodeJSON(payload any, v any) error {
	var raw []byte
	switch val := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = val
	case []byte:
		raw = val
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedArgs, payload)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
