package relay

import (
	"errors"
	"fmt"

	"github.com/kbirk/robolink/pkg/serialize"
)

// Wrapper is the outer envelope codec: it pairs an address with the inner
// frame of the session that address belongs to.
type Wrapper interface {
	Wrap(address string, inner []byte) ([]byte, error)
	Unwrap(outer []byte) (address string, inner []byte, err error)
}

var wrapperMagic = [4]byte{'R', 'L', 'R', '1'}

var ErrBadEnvelope = errors.New("relay: bad outer envelope")

// BinaryWrapper frames [magic "RLR1"][string address][bytes inner].
type BinaryWrapper struct{}

func (BinaryWrapper) Wrap(address string, inner []byte) ([]byte, error) {
	writer := serialize.NewFixedSizeWriter(
		len(wrapperMagic) +
			serialize.ByteSizeString(address) +
			serialize.ByteSizeBytes(inner))

	copy(writer.Next(len(wrapperMagic)), wrapperMagic[:])
	serialize.SerializeString(writer, address)
	serialize.SerializeBytes(writer, inner)
	return writer.Bytes(), nil
}

func (BinaryWrapper) Unwrap(outer []byte) (string, []byte, error) {
	reader := serialize.NewReader(outer)

	magic, err := reader.Read(len(wrapperMagic))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if [4]byte(magic) != wrapperMagic {
		return "", nil, ErrBadEnvelope
	}

	var address string
	if err := serialize.DeserializeString(&address, reader); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	var inner []byte
	if err := serialize.DeserializeBytes(&inner, reader); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if reader.Remaining() != 0 {
		return "", nil, fmt.Errorf("%w: %d trailing bytes", ErrBadEnvelope, reader.Remaining())
	}
	return address, inner, nil
}
