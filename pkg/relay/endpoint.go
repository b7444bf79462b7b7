package relay

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/kbirk/robolink/pkg/serialize"
)

// Endpoint is the answer to ResolveMethod: where the daemon routes traffic
// for a device. An empty Address means the device is unknown.
type Endpoint struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address"`
}

func (e Endpoint) ByteSize() int {
	return serialize.ByteSizeString(e.DeviceID) + serialize.ByteSizeString(e.Address)
}

func (e Endpoint) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeString(writer, e.DeviceID)
	serialize.SerializeString(writer, e.Address)
}

func (e *Endpoint) Deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeString(&e.DeviceID, reader); err != nil {
		return err
	}
	return serialize.DeserializeString(&e.Address, reader)
}

// DecodeEndpoint reads an Endpoint from a reply payload of either codec
// generation.
func DecodeEndpoint(payload any) (Endpoint, error) {
	var e Endpoint
	switch val := payload.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(val, &e); err != nil {
			return e, err
		}
	case []byte:
		if err := e.Deserialize(serialize.NewReader(val)); err != nil {
			return e, err
		}
	case Endpoint:
		e = val
	default:
		return e, fmt.Errorf("relay: unexpected endpoint payload %T", payload)
	}
	return e, nil
}

// decodeDeviceID reads the ResolveMethod argument.
func decodeDeviceID(args any) (string, error) {
	switch val := args.(type) {
	case json.RawMessage:
		var id string
		if err := json.Unmarshal(val, &id); err != nil {
			return "", err
		}
		return id, nil
	case []byte:
		return string(val), nil
	case string:
		return val, nil
	default:
		return "", fmt.Errorf("relay: unexpected device id argument %T", args)
	}
}
