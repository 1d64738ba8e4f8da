// Package protocol implements the frame format spoken between hello-connect
// clients and providers.
//
// Every frame is a fixed 14-byte header followed by BodyLen bytes of body.
// The reader consumes the header first and then exactly BodyLen bytes, so
// frame boundaries survive TCP coalescing.
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ hcp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	Version    byte = 0x01
	HeaderSize int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a single frame may ask for.
	MaxBodyLen uint32 = 16 << 20
)

// Magic identifies a hello-connect frame ("hcp").
var Magic = [3]byte{0x68, 0x63, 0x70}

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

func (t MsgType) valid() bool {
	return t <= MsgTypeHeartbeat
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var (
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrUnsupportedCodec   = errors.New("unsupported codec type")
	ErrUnsupportedMsgType = errors.New("unsupported message type")
	ErrBodyTooLarge       = errors.New("frame body too large")
)

// Header is the fixed-size frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // matches a response to its request on a multiplexed connection
	BodyLen   uint32
}

// Encode writes header and body to w as one Write call. Callers sharing a
// writer between goroutines still need their own lock: one Write per frame
// keeps a frame contiguous only on writers that do not split writes.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return errors.Wrapf(ErrBodyTooLarge, "%d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], Magic[:])
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	h.BodyLen = uint32(len(body))
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}

	if hdr[0] != Magic[0] || hdr[1] != Magic[1] || hdr[2] != Magic[2] {
		return nil, nil, errors.Wrapf(ErrInvalidMagic, "%x", hdr[0:3])
	}
	if hdr[3] != Version {
		return nil, nil, errors.Wrapf(ErrUnsupportedVersion, "%d", hdr[3])
	}
	if hdr[4] != CodecTypeJSON && hdr[4] != CodecTypeBinary {
		return nil, nil, errors.Wrapf(ErrUnsupportedCodec, "%d", hdr[4])
	}
	msgType := MsgType(hdr[5])
	if !msgType.valid() {
		return nil, nil, errors.Wrapf(ErrUnsupportedMsgType, "%d", hdr[5])
	}

	h := &Header{
		CodecType: hdr[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(hdr[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hdr[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errors.Wrap(err, "read frame body")
	}
	return h, body, nil
}
