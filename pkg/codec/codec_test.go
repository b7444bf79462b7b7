package codec

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/kbirk/robolink/pkg/rpc"
	"github.com/kbirk/robolink/pkg/serialize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pose struct {
	x, y uint32
}

func (p pose) ByteSize() int {
	return serialize.ByteSizeUInt32(p.x) + serialize.ByteSizeUInt32(p.y)
}

func (p pose) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt32(writer, p.x)
	serialize.SerializeUInt32(writer, p.y)
}

func TestBinaryRequestRoundTrip(t *testing.T) {
	c := NewBinary()

	bs, err := c.Serialize("move_to", pose{x: 3, y: 4}, 42)
	require.NoError(t, err)

	req, err := c.ParseRequest(bs)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), req.RequestID)
	assert.Equal(t, "move_to", req.Method)

	var x, y uint32
	reader := serialize.NewReader(req.Args.([]byte))
	require.NoError(t, serialize.DeserializeUInt32(&x, reader))
	require.NoError(t, serialize.DeserializeUInt32(&y, reader))
	assert.Equal(t, uint32(3), x)
	assert.Equal(t, uint32(4), y)
}

func TestBinaryReplyAndEvent(t *testing.T) {
	c := NewBinary()

	bs, err := c.SerializeReply(7, "pong", nil)
	require.NoError(t, err)
	env, err := c.Parse(bs)
	require.NoError(t, err)
	assert.Equal(t, rpc.EnvelopeReply, env.Kind)
	assert.Equal(t, uint64(7), env.RequestID)
	assert.Equal(t, []byte("pong"), env.Payload)
	assert.Empty(t, env.Err)

	bs, err = c.SerializeReply(8, nil, errors.New("motor stalled"))
	require.NoError(t, err)
	env, err = c.Parse(bs)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), env.RequestID)
	assert.Equal(t, "motor stalled", env.Err)

	bs, err = c.SerializeEvent("tick", []byte{42})
	require.NoError(t, err)
	env, err = c.Parse(bs)
	require.NoError(t, err)
	assert.Equal(t, rpc.EnvelopeEvent, env.Kind)
	assert.Equal(t, "tick", env.Name)
	assert.Equal(t, []byte{42}, env.Payload)
}

func TestBinaryRejectsGarbage(t *testing.T) {
	c := NewBinary()

	_, err := c.Parse([]byte("nope"))
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = c.Parse([]byte("RL"))
	assert.Error(t, err)

	bs, err := c.SerializeEvent("tick", nil)
	require.NoError(t, err)
	_, err = c.Parse(append(bs, 0))
	assert.Error(t, err)

	_, err = c.Serialize("ping", 3.5, 1)
	assert.ErrorIs(t, err, ErrUnsupportedArgs)
}

func TestBinaryParseRejectsRequests(t *testing.T) {
	c := NewBinary()
	bs, err := c.Serialize("ping", nil, 1)
	require.NoError(t, err)
	_, err = c.Parse(bs)
	assert.Error(t, err)
}

type status struct {
	Battery int    `json:"battery"`
	Mode    string `json:"mode"`
}

func TestJSONRoundTrip(t *testing.T) {
	c := NewJSON()

	bs, err := c.Serialize("set_mode", status{Mode: "idle"}, 9)
	require.NoError(t, err)
	req, err := c.ParseRequest(bs)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), req.RequestID)
	assert.Equal(t, "set_mode", req.Method)

	var args status
	require.NoError(t, DecodeJSON(req.Args, &args))
	assert.Equal(t, "idle", args.Mode)

	bs, err = c.SerializeReply(9, status{Battery: 80, Mode: "idle"}, nil)
	require.NoError(t, err)
	env, err := c.Parse(bs)
	require.NoError(t, err)
	assert.Equal(t, rpc.EnvelopeReply, env.Kind)
	assert.Equal(t, uint64(9), env.RequestID)
	assert.IsType(t, json.RawMessage{}, env.Payload)

	var reply status
	require.NoError(t, DecodeJSON(env.Payload, &reply))
	assert.Equal(t, 80, reply.Battery)

	bs, err = c.SerializeReply(10, nil, errors.New("unknown device"))
	require.NoError(t, err)
	env, err = c.Parse(bs)
	require.NoError(t, err)
	assert.Equal(t, "unknown device", env.Err)

	bs, err = c.SerializeEvent("tick", 42)
	require.NoError(t, err)
	env, err = c.Parse(bs)
	require.NoError(t, err)
	assert.Equal(t, rpc.EnvelopeEvent, env.Kind)
	var n int
	require.NoError(t, DecodeJSON(env.Payload, &n))
	assert.Equal(t, 42, n)
}

func TestGenerationsRejectEachOther(t *testing.T) {
	bin := NewBinary()
	js := NewJSON()

	binFrame, err := bin.SerializeReply(1, "pong", nil)
	require.NoError(t, err)
	jsonFrame, err := js.SerializeReply(1, "pong", nil)
	require.NoError(t, err)

	_, err = js.Parse(binFrame)
	assert.ErrorIs(t, err, ErrNotJSONFrame)

	_, err = bin.Parse(jsonFrame)
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = js.Parse([]byte(`{"v":1,"type":"reply","id":1}`))
	assert.ErrorIs(t, err, ErrNotJSONFrame)
}

func TestDecodeJSONEmpty(t *testing.T) {
	v := status{Mode: "kept"}
	require.NoError(t, DecodeJSON(nil, &v))
	require.NoError(t, DecodeJSON(json.RawMessage(nil), &v))
	assert.Equal(t, "kept", v.Mode)
	assert.Error(t, DecodeJSON(12, &v))
}
