package hello

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"hello-connect/client"
	"hello-connect/credential"
	"hello-connect/poller"
	"hello-connect/registry"
	"hello-connect/resolver"
	"hello-connect/server"
)

func TestServiceHello(t *testing.T) {
	var resp Response
	if err := (&Service{}).Hello(context.Background(), &Request{Text: "Hola"}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.String() != "Responding to [Hola] from Go" {
		t.Fatalf("unexpected result %q", resp.Result)
	}
}

// startProvider serves Service and advertises it in reg under ServiceName.
func startProvider(t *testing.T, reg registry.Registry, language string) string {
	t.Helper()
	svr := server.NewServer(server.WithRegistry(reg, ServiceName, registry.ServiceInstance{Version: "1.0.0"}, 10))
	if err := svr.Register(&Service{Language: language}); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	return svr.Addr().String()
}

func newClient(t *testing.T, reg registry.Registry, opts ...client.Option) *Client {
	t.Helper()
	dc, err := resolver.NewDiscoveryConsumer(resolver.Options{
		Token:    credential.Token("secret"),
		Registry: reg,
	})
	if err != nil {
		t.Fatal(err)
	}
	rpc, err := client.NewClient(ServiceName, opts...)
	if err != nil {
		t.Fatal(err)
	}
	rpc.SetResolver(dc)
	t.Cleanup(func() {
		rpc.Close()
		dc.Close()
	})
	return NewClient(rpc)
}

func waitAdvertised(t *testing.T, reg registry.Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		insts, _ := reg.Discover(context.Background(), ServiceName)
		if len(insts) == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expect %d advertised providers, got %d", n, len(insts))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientHello(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startProvider(t, reg, "")
	waitAdvertised(t, reg, 1)
	c := newClient(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	call := c.Hello(ctx, &Request{Text: "Hello from JavaScript"})
	if err := call.Wait(ctx); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := call.Reply.(*Response).Result; got != "Responding to [Hello from JavaScript] from Go" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestClientHelloCustomMethod(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := server.NewServer(server.WithRegistry(reg, ServiceName, registry.ServiceInstance{}, 10))
	if err := svr.RegisterName("Greeter", &Service{}); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	}()
	waitAdvertised(t, reg, 1)

	c := newClient(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Hello(ctx, &Request{Text: "x"}).Wait(ctx); err == nil || !strings.Contains(err.Error(), "can't find service Hello") {
		t.Fatalf("default method should miss the renamed service, got %v", err)
	}
	call := c.WithMethod("Greeter.Hello").Send(ctx, "Hola")
	if err := call.Wait(ctx); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := call.Reply.(*Response).Result; got != "Responding to [Hola] from Go" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestClientHelloNoProvider(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := newClient(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Hello(ctx, &Request{Text: "x"}).Wait(ctx)
	if _, ok := err.(*client.CallError); !ok {
		t.Fatalf("expect *client.CallError, got %T: %v", err, err)
	}
}

func TestPollingEndToEnd(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startProvider(t, reg, "Go")
	startProvider(t, reg, "Python")
	waitAdvertised(t, reg, 2)
	c := newClient(t, reg, client.WithCallTimeout(time.Second))

	core, logs := observer.New(zap.InfoLevel)
	p := poller.New(c,
		poller.WithInterval(20*time.Millisecond),
		poller.WithPayload(poller.Constant("Hola")),
		poller.WithLogger(zap.New(core)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for logs.FilterMessageSnippet(": received ").Len() < 4 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expect 4 replies, got logs %v", logs.All())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	languages := map[string]bool{}
	for _, e := range logs.FilterMessageSnippet(": received ").All() {
		if !strings.Contains(e.Message, "Responding to [Hola] from ") {
			t.Fatalf("unexpected line %q", e.Message)
		}
		languages[e.Message[strings.LastIndex(e.Message, " ")+1:]] = true
	}
	if !languages["Go"] || !languages["Python"] {
		t.Fatalf("expect round robin over both providers, got %v", languages)
	}
	if logs.FilterMessage("1: sending Hola").Len() != 1 {
		t.Fatal("missing sending line for request 1")
	}
}
