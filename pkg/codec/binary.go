package codec

import (
	"errors"
	"fmt"

	"github.com/kbirk/robolink/pkg/rpc"
	"github.com/kbirk/robolink/pkg/serialize"
)

// BinaryMagic opens every generation 1 frame.
var BinaryMagic = [4]byte{'R', 'L', 'B', '1'}

const (
	binaryRequest uint8 = iota + 1
	binaryReply
	binaryErrorReply
	binaryEvent
)

var (
	ErrBadMagic        = errors.New("codec: bad frame magic")
	ErrUnsupportedArgs = errors.New("codec: unsupported argument type")
)

// Marshaler is implemented by argument and payload types that write
// themselves in the binary frame format.
type Marshaler interface {
	ByteSize() int
	Serialize(writer *serialize.FixedSizeWriter)
}

// Binary is the generation 1 frame format:
//
//	[magic "RLB1"][u8 type][u64 request id][string name][bytes payload]
//
// Payloads surface as []byte. It implements both rpc.Codec and
// rpc.ServerCodec.
type Binary struct{}

func NewBinary() *Binary {
	return &Binary{}
}

func binaryPayload(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case Marshaler:
		writer := serialize.NewFixedSizeWriter(val.ByteSize())
		val.Serialize(writer)
		return writer.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedArgs, v)
	}
}

func encodeBinary(kind uint8, requestID uint64, name string, payload []byte) []byte {
	writer := serialize.NewFixedSizeWriter(
		len(BinaryMagic) +
			serialize.ByteSizeUInt8(kind) +
			serialize.ByteSizeUInt64(requestID) +
			serialize.ByteSizeString(name) +
			serialize.ByteSizeBytes(payload))

	copy(writer.Next(len(BinaryMagic)), BinaryMagic[:])
	serialize.SerializeUInt8(writer, kind)
	serialize.SerializeUInt64(writer, requestID)
	serialize.SerializeString(writer, name)
	serialize.SerializeBytes(writer, payload)
	return writer.Bytes()
}

type binaryFrame struct {
	kind      uint8
	requestID uint64
	name      string
	payload   []byte
}

func decodeBinary(data []byte) (binaryFrame, error) {
	var f binaryFrame
	reader := serialize.NewReader(data)

	magic, err := reader.Read(len(BinaryMagic))
	if err != nil {
		return f, err
	}
	if [4]byte(magic) != BinaryMagic {
		return f, ErrBadMagic
	}
	if err := serialize.DeserializeUInt8(&f.kind, reader); err != nil {
		return f, err
	}
	if err := serialize.DeserializeUInt64(&f.requestID, reader); err != nil {
		return f, err
	}
	if err := serialize.DeserializeString(&f.name, reader); err != nil {
		return f, err
	}
	if err := serialize.DeserializeBytes(&f.payload, reader); err != nil {
		return f, err
	}
	if reader.Remaining() != 0 {
		return f, fmt.Errorf("codec: %d trailing bytes", reader.Remaining())
	}
	return f, nil
}

func (c *Binary) Serialize(method string, args any, requestID uint64) ([]byte, error) {
	payload, err := binaryPayload(args)
	if err != nil {
		return nil, err
	}
	return encodeBinary(binaryRequest, requestID, method, payload), nil
}

func (c *Binary) Parse(data []byte) (rpc.Envelope, error) {
	f, err := decodeBinary(data)
	if err != nil {
		return rpc.Envelope{}, err
	}
	switch f.kind {
	case binaryReply:
		return rpc.Envelope{Kind: rpc.EnvelopeReply, RequestID: f.requestID, Payload: f.payload}, nil
	case binaryErrorReply:
		msg := string(f.payload)
		if msg == "" {
			msg = "unknown error"
		}
		return rpc.Envelope{Kind: rpc.EnvelopeReply, RequestID: f.requestID, Err: msg}, nil
	case binaryEvent:
		return rpc.Envelope{Kind: rpc.EnvelopeEvent, Name: f.name, Payload: f.payload}, nil
	default:
		return rpc.Envelope{}, fmt.Errorf("codec: unexpected frame type %d", f.kind)
	}
}

func (c *Binary) ParseRequest(data []byte) (rpc.Request, error) {
	f, err := decodeBinary(data)
	if err != nil {
		return rpc.Request{}, err
	}
	if f.kind != binaryRequest {
		return rpc.Request{}, fmt.Errorf("codec: unexpected frame type %d", f.kind)
	}
	return rpc.Request{RequestID: f.requestID, Method: f.name, Args: f.payload}, nil
}

func (c *Binary) SerializeReply(requestID uint64, payload any, err error) ([]byte, error) {
	if err != nil {
		return encodeBinary(binaryErrorReply, requestID, "", []byte(err.Error())), nil
	}
	bs, perr := binaryPayload(payload)
	if perr != nil {
		return nil, perr
	}
	return encodeBinary(binaryReply, requestID, "", bs), nil
}

func (c *Binary) SerializeEvent(name string, payload any) ([]byte, error) {
	bs, err := binaryPayload(payload)
	if err != nil {
		return nil, err
	}
	return encodeBinary(binaryEvent, 0, name, bs), nil
}
