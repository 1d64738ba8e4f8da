// Package codec serializes message.RPCMessage envelopes into frame bodies.
// Call arguments and replies inside the envelope are always JSON; the codec
// only decides how the envelope itself is laid out.
package codec

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"hello-connect/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(msg *message.RPCMessage) ([]byte, error)
	Decode(data []byte, msg *message.RPCMessage) error
	Type() CodecType
}

// GetCodec returns the codec for t, falling back to binary for unknown values
// (protocol.Decode has already rejected those).
func GetCodec(t CodecType) Codec {
	if t == CodecTypeJSON {
		return jsonCodec{}
	}
	return binaryCodec{}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, errors.Errorf("unknown codec %q", name)
	}
}
