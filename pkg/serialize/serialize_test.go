package serialize

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeUUID(t *testing.T) {

	input := uuid.New()

	writer := NewFixedSizeWriter(ByteSizeUUID(input))
	SerializeUUID(writer, input)

	reader := NewReader(writer.Bytes())

	var output uuid.UUID
	err := DeserializeUUID(&output, reader)
	require.NoError(t, err)

	assert.Equal(t, input, output)
}

func TestSerializeTime(t *testing.T) {

	input := time.Now()

	writer := NewFixedSizeWriter(ByteSizeTime(input))
	SerializeTime(writer, input)

	reader := NewReader(writer.Bytes())

	var output time.Time
	err := DeserializeTime(&output, reader)
	require.NoError(t, err)

	assert.True(t, input.Equal(output))
}

func TestSerializeString(t *testing.T) {

	input := "Hello, World! \\@#$%@&^&%^\n newline \t _yay 世界"

	writer := NewFixedSizeWriter(ByteSizeString(input))
	SerializeString(writer, input)

	reader := NewReader(writer.Bytes())

	var output string
	err := DeserializeString(&output, reader)
	require.NoError(t, err)

	assert.Equal(t, input, output)
	assert.Equal(t, 0, reader.Remaining())
}

func TestSerializeBytesDoesNotAlias(t *testing.T) {

	input := []byte{1, 2, 3, 4}

	writer := NewFixedSizeWriter(ByteSizeBytes(input))
	SerializeBytes(writer, input)
	bs := writer.Bytes()

	var output []byte
	err := DeserializeBytes(&output, NewReader(bs))
	require.NoError(t, err)
	assert.Equal(t, input, output)

	bs[len(bs)-1] = 9
	assert.Equal(t, byte(4), output[3])
}

func TestSerializeMixedSequence(t *testing.T) {

	size := ByteSizeUInt8(7) +
		ByteSizeUInt16(0xBEEF) +
		ByteSizeUInt64(1<<40) +
		ByteSizeInt64(-12) +
		ByteSizeBool(true)

	writer := NewFixedSizeWriter(size)
	SerializeUInt8(writer, 7)
	SerializeUInt16(writer, 0xBEEF)
	SerializeUInt64(writer, 1<<40)
	SerializeInt64(writer, -12)
	SerializeBool(writer, true)

	reader := NewReader(writer.Bytes())

	var u8 uint8
	var u16 uint16
	var u64 uint64
	var i64 int64
	var b bool
	require.NoError(t, DeserializeUInt8(&u8, reader))
	require.NoError(t, DeserializeUInt16(&u16, reader))
	require.NoError(t, DeserializeUInt64(&u64, reader))
	require.NoError(t, DeserializeInt64(&i64, reader))
	require.NoError(t, DeserializeBool(&b, reader))

	assert.Equal(t, uint8(7), u8)
	assert.Equal(t, uint16(0xBEEF), u16)
	assert.Equal(t, uint64(1<<40), u64)
	assert.Equal(t, int64(-12), i64)
	assert.True(t, b)
}

func TestDeserializeTruncated(t *testing.T) {

	var output string
	err := DeserializeString(&output, NewReader([]byte{0, 0, 0, 10, 'a'}))
	assert.Error(t, err)

	var u32 uint32
	err = DeserializeUInt32(&u32, NewReader([]byte{1, 2}))
	assert.Error(t, err)
}

func TestFixedSizeWriterPanicsOnOverflow(t *testing.T) {

	writer := NewFixedSizeWriter(2)
	assert.Panics(t, func() {
		SerializeUInt32(writer, 1)
	})
}
