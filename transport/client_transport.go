// Package transport multiplexes concurrent calls over one TCP connection.
//
// Every request gets a sequence number; a single reader goroutine routes
// each response frame to the channel waiting on that number.
//
//	call-1 ──Send(seq=1)──┐
//	call-2 ──Send(seq=2)──┼──→ one TCP conn ──→ provider
//	call-3 ──Send(seq=3)──┘
//
//	recvLoop: ←── response(seq=2) → pending[2] → call-2 wakes up
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hello-connect/codec"
	"hello-connect/message"
	"hello-connect/protocol"
)

var ErrClosed = errors.New("transport closed")

const DefaultHeartbeat = 30 * time.Second

// ClientTransport owns one connection to one provider.
type ClientTransport struct {
	conn  net.Conn
	codec codec.Codec
	log   *zap.Logger

	sending sync.Mutex // serializes frame writes and guards seq
	seq     uint32

	pending sync.Map // uint32 -> chan *message.RPCMessage

	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed
}

// Dial connects to addr and starts the transport's background loops.
func Dial(ctx context.Context, addr string, ct codec.CodecType, log *zap.Logger) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, ct, DefaultHeartbeat, log), nil
}

// NewClientTransport starts the reader and, when heartbeat > 0, a heartbeat
// loop on conn.
func NewClientTransport(conn net.Conn, ct codec.CodecType, heartbeat time.Duration, log *zap.Logger) *ClientTransport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &ClientTransport{
		conn:  conn,
		codec: codec.GetCodec(ct),
		log:   log.With(zap.String("remote", conn.RemoteAddr().String())),
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Send writes one request frame and returns the channel its response will
// arrive on. The channel always receives exactly one message: the response,
// or an error reply if the transport breaks first.
func (t *ClientTransport) Send(req *message.RPCMessage) (<-chan *message.RPCMessage, error) {
	body, err := t.codec.Encode(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	// rejected before anything is written; the connection stays usable
	if len(body) > int(protocol.MaxBodyLen) {
		return nil, errors.Wrapf(protocol.ErrBodyTooLarge, "%d bytes", len(body))
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	select {
	case <-t.done:
		return nil, t.err
	default:
	}

	t.seq++
	seq := t.seq

	// register before writing so recvLoop cannot miss a fast response
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.fail(errors.Wrap(err, "write request"))
		return nil, err
	}
	return respChan, nil
}

// Forget drops the pending slot for a caller that stopped waiting. The
// channel stays valid; a late response is discarded.
func (t *ClientTransport) Forget(ch <-chan *message.RPCMessage) {
	t.pending.Range(func(key, value any) bool {
		if value.(chan *message.RPCMessage) == ch {
			t.pending.Delete(key)
			return false
		}
		return true
	})
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = message.ErrorReply("", "decode response: "+err.Error())
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		} else {
			t.log.Debug("dropping response with no caller", zap.Uint32("seq", header.Seq))
		}
	}
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, CodecType: byte(t.codec.Type())}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(errors.Wrap(err, "heartbeat"))
			return
		}
	}
}

// fail closes the transport with err and answers every pending call.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.done)
		t.conn.Close()
		t.log.Debug("transport closed", zap.Error(err))
	})
	t.pending.Range(func(key, value any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan *message.RPCMessage) <- message.ErrorReply("", t.err.Error())
		}
		return true
	})
}

// Done is closed once the transport is unusable.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close shuts the connection; in-flight calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}
