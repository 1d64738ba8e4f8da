package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"hello-connect/message"
)

// binaryCodec lays the envelope out as length-prefixed fields:
//
//	u16 len | ServiceMethod | u32 len | Payload | u16 len | Error
type binaryCodec struct{}

var errShortBuffer = errors.New("binary codec: short buffer")

func (binaryCodec) Encode(msg *message.RPCMessage) ([]byte, error) {
	if len(msg.ServiceMethod) > 0xFFFF || len(msg.Error) > 0xFFFF {
		return nil, errors.New("binary codec: string field exceeds 65535 bytes")
	}
	buf := make([]byte, 0, 2+len(msg.ServiceMethod)+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (binaryCodec) Decode(data []byte, msg *message.RPCMessage) error {
	r := reader{data: data}
	method := r.next(int(r.u16()))
	payload := r.next(int(r.u32()))
	reason := r.next(int(r.u16()))
	if r.err != nil {
		return r.err
	}

	msg.ServiceMethod = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(reason)
	return nil
}

func (binaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks data and remembers the first short read.
type reader struct {
	data []byte
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
