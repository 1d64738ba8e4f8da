package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if header.BodyLen != uint32(len(body)) {
		t.Fatalf("Encode should set BodyLen, got %d", header.BodyLen)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size: got %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	decoded, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if *decoded != header {
		t.Errorf("header mismatch: got %+v, want %+v", *decoded, header)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("body mismatch: got %s, want %s", decodedBody, body)
	}
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint32(1); seq <= 3; seq++ {
		h := Header{CodecType: CodecTypeBinary, MsgType: MsgTypeResponse, Seq: seq}
		if err := Encode(&buf, &h, bytes.Repeat([]byte{'x'}, int(seq))); err != nil {
			t.Fatal(err)
		}
	}

	for seq := uint32(1); seq <= 3; seq++ {
		h, body, err := Decode(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if h.Seq != seq || len(body) != int(seq) {
			t.Fatalf("frame %d: got seq %d with %d body bytes", seq, h.Seq, len(body))
		}
	}

	if _, _, err := Decode(&buf); err != io.EOF {
		t.Fatalf("expect io.EOF after last frame, got %v", err)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0x30, 0x39, 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame))
	if errors.Cause(err) != ErrInvalidMagic {
		t.Fatalf("expect ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	frame := []byte{
		Magic[0], Magic[1], Magic[2],
		0xFF,
		CodecTypeJSON,
		byte(MsgTypeRequest),
		0, 0, 0, 1,
		0, 0, 0, 0,
	}
	_, _, err := Decode(bytes.NewReader(frame))
	if errors.Cause(err) != ErrUnsupportedVersion {
		t.Fatalf("expect ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeRejectsUnknownTypes(t *testing.T) {
	cases := []struct {
		name  string
		codec byte
		msg   byte
		want  error
	}{
		{"codec", 7, byte(MsgTypeRequest), ErrUnsupportedCodec},
		{"msgType", CodecTypeJSON, 9, ErrUnsupportedMsgType},
	}
	for _, tc := range cases {
		frame := []byte{Magic[0], Magic[1], Magic[2], Version, tc.codec, tc.msg, 0, 0, 0, 1, 0, 0, 0, 0}
		_, _, err := Decode(bytes.NewReader(frame))
		if errors.Cause(err) != tc.want {
			t.Errorf("%s: expect %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestDecodeBodyTooLarge(t *testing.T) {
	frame := []byte{Magic[0], Magic[1], Magic[2], Version, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := Decode(bytes.NewReader(frame))
	if errors.Cause(err) != ErrBodyTooLarge {
		t.Fatalf("expect ErrBodyTooLarge, got %v", err)
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	h := Header{CodecType: CodecTypeJSON, MsgType: MsgTypeRequest, Seq: 1}
	if err := Encode(&buf, &h, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-4]

	if _, _, err := Decode(bytes.NewReader(truncated)); errors.Cause(err) != io.ErrUnexpectedEOF {
		t.Fatalf("expect io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{CodecType: CodecTypeJSON, MsgType: MsgTypeHeartbeat, Seq: 12345}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %s, want %s", decoded.MsgType, MsgTypeHeartbeat)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body, got length %d", len(body))
	}
}
