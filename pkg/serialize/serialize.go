// Package serialize holds the big-endian primitives the reference codec and
// the relay wrapper are built from. Every value has a ByteSize, a Serialize
// into a FixedSizeWriter, and a Deserialize out of a Reader.
package serialize

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

func ByteSizeUInt8(uint8) int {
	return 1
}

func SerializeUInt8(writer *FixedSizeWriter, data uint8) {
	writer.Next(1)[0] = data
}

func DeserializeUInt8(data *uint8, reader *Reader) error {
	bs, err := reader.Read(1)
	if err != nil {
		return err
	}
	*data = bs[0]
	return nil
}

func ByteSizeUInt16(uint16) int {
	return 2
}

func SerializeUInt16(writer *FixedSizeWriter, data uint16) {
	binary.BigEndian.PutUint16(writer.Next(2), data)
}

func DeserializeUInt16(data *uint16, reader *Reader) error {
	bs, err := reader.Read(2)
	if err != nil {
		return err
	}
	*data = binary.BigEndian.Uint16(bs)
	return nil
}

func ByteSizeUInt32(uint32) int {
	return 4
}

func SerializeUInt32(writer *FixedSizeWriter, data uint32) {
	binary.BigEndian.PutUint32(writer.Next(4), data)
}

func DeserializeUInt32(data *uint32, reader *Reader) error {
	bs, err := reader.Read(4)
	if err != nil {
		return err
	}
	*data = binary.BigEndian.Uint32(bs)
	return nil
}

func ByteSizeUInt64(uint64) int {
	return 8
}

func SerializeUInt64(writer *FixedSizeWriter, data uint64) {
	binary.BigEndian.PutUint64(writer.Next(8), data)
}

func DeserializeUInt64(data *uint64, reader *Reader) error {
	bs, err := reader.Read(8)
	if err != nil {
		return err
	}
	*data = binary.BigEndian.Uint64(bs)
	return nil
}

func ByteSizeInt64(int64) int {
	return 8
}

func SerializeInt64(writer *FixedSizeWriter, data int64) {
	SerializeUInt64(writer, uint64(data))
}

func DeserializeInt64(data *int64, reader *Reader) error {
	var u uint64
	if err := DeserializeUInt64(&u, reader); err != nil {
		return err
	}
	*data = int64(u)
	return nil
}

func ByteSizeBool(bool) int {
	return 1
}

func SerializeBool(writer *FixedSizeWriter, data bool) {
	val := uint8(0)
	if data {
		val = 1
	}
	SerializeUInt8(writer, val)
}

func DeserializeBool(data *bool, reader *Reader) error {
	var val uint8
	if err := DeserializeUInt8(&val, reader); err != nil {
		return err
	}
	*data = val == 1
	return nil
}

func ByteSizeString(data string) int {
	return 4 + len(data)
}

func SerializeString(writer *FixedSizeWriter, data string) {
	SerializeUInt32(writer, uint32(len(data)))
	copy(writer.Next(len(data)), data)
}

func DeserializeString(data *string, reader *Reader) error {
	var length uint32
	err := DeserializeUInt32(&length, reader)
	if err != nil {
		return err
	}

	bs, err := reader.Read(int(length))
	if err != nil {
		return err
	}
	*data = string(bs)
	return nil
}

func ByteSizeBytes(data []byte) int {
	return 4 + len(data)
}

func SerializeBytes(writer *FixedSizeWriter, data []byte) {
	SerializeUInt32(writer, uint32(len(data)))
	copy(writer.Next(len(data)), data)
}

// DeserializeBytes copies the payload out so the result does not alias the
// reader's buffer.
func DeserializeBytes(data *[]byte, reader *Reader) error {
	var length uint32
	err := DeserializeUInt32(&length, reader)
	if err != nil {
		return err
	}

	bs, err := reader.Read(int(length))
	if err != nil {
		return err
	}
	out := make([]byte, len(bs))
	copy(out, bs)
	*data = out
	return nil
}

func ByteSizeTime(time.Time) int {
	return 16
}

func SerializeTime(writer *FixedSizeWriter, data time.Time) {
	timeUTC := data.UTC()

	seconds := timeUTC.Unix()
	nanoseconds := int64(timeUTC.Nanosecond())

	SerializeInt64(writer, seconds)
	SerializeInt64(writer, nanoseconds)
}

func DeserializeTime(data *time.Time, reader *Reader) error {
	var seconds int64
	var nanoseconds int64
	err := DeserializeInt64(&seconds, reader)
	if err != nil {
		return err
	}
	err = DeserializeInt64(&nanoseconds, reader)
	if err != nil {
		return err
	}

	*data = time.Unix(seconds, nanoseconds)
	return nil
}

func ByteSizeUUID(uuid.UUID) int {
	return 16
}

func SerializeUUID(writer *FixedSizeWriter, data uuid.UUID) {
	copy(writer.Next(16), data[:])
}

func DeserializeUUID(data *uuid.UUID, reader *Reader) error {
	bs, err := reader.Read(16)
	if err != nil {
		return err
	}
	copy(data[:], bs)
	return nil
}
