package transport

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"hello-connect/codec"
	"hello-connect/message"
	"hello-connect/protocol"
)

// echoProvider answers every request on conn with "<method>#<payload>",
// holding back the first `hold` requests and answering them in reverse order.
func echoProvider(t *testing.T, conn net.Conn, hold int) {
	t.Helper()
	go func() {
		defer conn.Close()
		var held []*protocol.Header
		var bodies []*message.RPCMessage
		reply := func(h *protocol.Header, req *message.RPCMessage) error {
			cdc := codec.GetCodec(codec.CodecType(h.CodecType))
			body, _ := cdc.Encode(&message.RPCMessage{
				ServiceMethod: req.ServiceMethod,
				Payload:       []byte(fmt.Sprintf("%s#%s", req.ServiceMethod, req.Payload)),
			})
			return protocol.Encode(conn, &protocol.Header{CodecType: h.CodecType, MsgType: protocol.MsgTypeResponse, Seq: h.Seq}, body)
		}
		for {
			h, body, err := protocol.Decode(conn)
			if err != nil {
				return
			}
			if h.MsgType == protocol.MsgTypeHeartbeat {
				continue
			}
			req := &message.RPCMessage{}
			codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, req)

			if len(held) < hold {
				held = append(held, h)
				bodies = append(bodies, req)
				if len(held) == hold {
					for i := hold - 1; i >= 0; i-- {
						if reply(held[i], bodies[i]) != nil {
							return
						}
					}
				}
				continue
			}
			if reply(h, req) != nil {
				return
			}
		}
	}()
}

func TestClientTransportSerial(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		client, server := net.Pipe()
		echoProvider(t, server, 0)
		tr := NewClientTransport(client, ct, 0, nil)

		for i := 0; i < 3; i++ {
			ch, err := tr.Send(&message.RPCMessage{ServiceMethod: "Hello.Hello", Payload: []byte(fmt.Sprint(i))})
			if err != nil {
				t.Fatal(err)
			}
			resp := <-ch
			if want := fmt.Sprintf("Hello.Hello#%d", i); string(resp.Payload) != want {
				t.Fatalf("%s: expect %s, got %s", ct, want, resp.Payload)
			}
		}
		tr.Close()
	}
}

func TestClientTransportOutOfOrder(t *testing.T) {
	client, server := net.Pipe()
	echoProvider(t, server, 3)
	tr := NewClientTransport(client, codec.CodecTypeJSON, 0, nil)
	defer tr.Close()

	chans := make([]<-chan *message.RPCMessage, 3)
	for i := range chans {
		ch, err := tr.Send(&message.RPCMessage{ServiceMethod: "Hello.Hello", Payload: []byte(fmt.Sprint(i))})
		if err != nil {
			t.Fatal(err)
		}
		chans[i] = ch
	}

	for i, ch := range chans {
		resp := <-ch
		if want := fmt.Sprintf("Hello.Hello#%d", i); string(resp.Payload) != want {
			t.Fatalf("call %d: expect %s, got %s", i, want, resp.Payload)
		}
	}
}

func TestClientTransportConcurrent(t *testing.T) {
	client, server := net.Pipe()
	echoProvider(t, server, 0)
	tr := NewClientTransport(client, codec.CodecTypeBinary, 0, nil)
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ch, err := tr.Send(&message.RPCMessage{ServiceMethod: "Hello.Hello", Payload: []byte(fmt.Sprint(n))})
			if err != nil {
				t.Errorf("send failed: %v", err)
				return
			}
			if want, got := fmt.Sprintf("Hello.Hello#%d", n), string((<-ch).Payload); got != want {
				t.Errorf("expect %s, got %s", want, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportBrokenConnection(t *testing.T) {
	client, server := net.Pipe()
	tr := NewClientTransport(client, codec.CodecTypeJSON, 0, nil)

	// drain the request, then hang up without answering
	go func() {
		protocol.Decode(server)
		server.Close()
	}()

	ch, err := tr.Send(&message.RPCMessage{ServiceMethod: "Hello.Hello"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-ch:
		if !resp.Failed() {
			t.Fatal("expect an error reply when the connection breaks")
		}
	case <-time.After(time.Second):
		t.Fatal("pending call was not released")
	}

	<-tr.Done()
	if tr.Err() == nil {
		t.Fatal("expect Err() after the connection broke")
	}
	if _, err := tr.Send(&message.RPCMessage{ServiceMethod: "Hello.Hello"}); err == nil {
		t.Fatal("expect Send to fail on a closed transport")
	}
}

func TestClientTransportHeartbeat(t *testing.T) {
	client, server := net.Pipe()
	tr := NewClientTransport(client, codec.CodecTypeJSON, 10*time.Millisecond, nil)
	defer tr.Close()

	server.SetReadDeadline(time.Now().Add(time.Second))
	h, _, err := protocol.Decode(server)
	if err != nil {
		t.Fatal(err)
	}
	if h.MsgType != protocol.MsgTypeHeartbeat {
		t.Fatalf("expect heartbeat frame, got %s", h.MsgType)
	}
}

func TestClientTransportOversizeRequest(t *testing.T) {
	client, server := net.Pipe()
	echoProvider(t, server, 0)
	tr := NewClientTransport(client, codec.CodecTypeBinary, 0, nil)
	defer tr.Close()

	ch, err := tr.Send(&message.RPCMessage{ServiceMethod: "Hello.Hello", Payload: []byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	<-ch

	big := make([]byte, protocol.MaxBodyLen)
	if _, err := tr.Send(&message.RPCMessage{ServiceMethod: "Hello.Hello", Payload: big}); errors.Cause(err) != protocol.ErrBodyTooLarge {
		t.Fatalf("expect ErrBodyTooLarge, got %v", err)
	}
	if err := tr.Err(); err != nil {
		t.Fatalf("oversize request must not break the connection, got %v", err)
	}

	ch, err = tr.Send(&message.RPCMessage{ServiceMethod: "Hello.Hello", Payload: []byte("b")})
	if err != nil {
		t.Fatalf("send after oversize request: %v", err)
	}
	select {
	case resp := <-ch:
		if string(resp.Payload) != "Hello.Hello#b" {
			t.Fatalf("unexpected reply %q", resp.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply after oversize request")
	}
}
