// Package hello defines the "hello" service: a provider echoes the text it
// is sent, and clients reach it by its discovery name.
package hello

import (
	"context"
	"fmt"

	"hello-connect/client"
)

const (
	// ServiceName is the name providers register under in discovery.
	ServiceName = "hello"
	// Method is the RPC name of the single operation.
	Method = "Hello.Hello"
)

type Request struct {
	Text string `json:"text"`
}

type Response struct {
	Result string `json:"result"`
}

func (r *Response) String() string {
	return r.Result
}

// Client is the typed stub over a client.Client bound to ServiceName.
type Client struct {
	rpc    *client.Client
	method string
}

func NewClient(rpc *client.Client) *Client {
	return &Client{rpc: rpc, method: Method}
}

// WithMethod returns a stub that calls method ("Service.Method") instead of
// Method. Providers that registered the service under another name need it.
func (c *Client) WithMethod(method string) *Client {
	if method == "" {
		method = Method
	}
	return &Client{rpc: c.rpc, method: method}
}

// Hello sends req and returns the pending call; its Reply is a *Response.
func (c *Client) Hello(ctx context.Context, req *Request) *client.Call {
	return c.rpc.Go(ctx, c.method, req, &Response{})
}

// Send implements poller.Sender.
func (c *Client) Send(ctx context.Context, text string) *client.Call {
	return c.Hello(ctx, &Request{Text: text})
}

// Service is the reference provider implementation.
type Service struct {
	// Language names the provider in its replies.
	Language string
}

func (s *Service) Hello(ctx context.Context, req *Request, resp *Response) error {
	lang := s.Language
	if lang == "" {
		lang = "Go"
	}
	resp.Result = fmt.Sprintf("Responding to [%s] from %s", req.Text, lang)
	return nil
}
