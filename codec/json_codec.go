package codec

import (
	"encoding/json"

	"hello-connect/message"
)

// jsonCodec is human-readable and easy to debug on the wire, at the cost of
// repeating field names in every frame.
type jsonCodec struct{}

func (jsonCodec) Encode(msg *message.RPCMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Decode(data []byte, msg *message.RPCMessage) error {
	return json.Unmarshal(data, msg)
}

func (jsonCodec) Type() CodecType {
	return CodecTypeJSON
}

// MarshalPayload encodes call arguments or replies for RPCMessage.Payload.
func MarshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalPayload decodes RPCMessage.Payload into v. A nil v discards the payload.
func UnmarshalPayload(data []byte, v any) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
