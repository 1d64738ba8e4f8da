// Package server exposes registered receivers to hello-connect clients and
// advertises them in a registry.
//
// Request pipeline:
//
//	Accept conn → handleConn (one reader goroutine per connection)
//	  → each request runs on the worker pool
//	    → Codec.Decode → middleware chain → dispatch (reflect.Call) → Codec.Encode → write
package server

import (
	"context"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hello-connect/codec"
	"hello-connect/message"
	"hello-connect/middleware"
	"hello-connect/protocol"
)

type Server struct {
	opts options
	log  *zap.Logger

	mu         sync.RWMutex
	serviceMap map[string]*service
	listener   net.Listener
	conns      map[net.Conn]struct{}

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	pool        *ants.Pool

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	ready    chan struct{} // closed once the listener is set

	ctx    context.Context // request contexts; cancelled when Shutdown gives up waiting
	cancel context.CancelFunc

	advertised string // address written to the registry
}

func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:       o,
		log:        o.logger,
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register exposes rcvr's suitable methods under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName exposes rcvr's suitable methods under name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(rcvr, name)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return errors.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use appends a middleware. Middlewares run in the order they were added and
// must be added before serving starts.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(ln)
}

// ServeListener serves connections accepted from ln until Shutdown. With
// WithRegistry the server is advertised under its discovery name first.
func (svr *Server) ServeListener(ln net.Listener) error {
	pool, err := ants.NewPool(svr.opts.poolSize)
	if err != nil {
		ln.Close()
		return errors.Wrap(err, "create worker pool")
	}

	svr.mu.Lock()
	svr.listener = ln
	svr.pool = pool
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	svr.mu.Unlock()
	close(svr.ready)

	if err := svr.advertise(ln.Addr()); err != nil {
		ln.Close()
		return err
	}
	svr.log.Info("serving", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr blocks until the server is listening and returns its address.
func (svr *Server) Addr() net.Addr {
	<-svr.ready
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.listener.Addr()
}

func (svr *Server) advertise(addr net.Addr) error {
	if svr.opts.registry == nil {
		return nil
	}
	inst := svr.opts.instance
	if inst.Addr == "" {
		inst.Addr = addr.String()
	}
	svr.mu.Lock()
	svr.advertised = inst.Addr
	svr.mu.Unlock()

	ctx, cancel := context.WithTimeout(svr.ctx, svr.opts.registryTimeout)
	defer cancel()
	if err := svr.opts.registry.Register(ctx, svr.opts.discoveryName, inst, svr.opts.ttl); err != nil {
		return errors.Wrapf(err, "advertise %s", svr.opts.discoveryName)
	}
	return nil
}

// handleConn reads frames sequentially and hands each request to the pool.
// All responses on the connection share writeMu so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	svr.mu.Lock()
	svr.conns[conn] = struct{}{}
	svr.mu.Unlock()
	defer func() {
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}

		svr.wg.Add(1)
		err = svr.pool.Submit(func() {
			defer svr.wg.Done()
			svr.handleRequest(header, body, conn, writeMu)
		})
		if err != nil {
			svr.wg.Done()
			svr.log.Warn("dropping request", zap.Error(err))
		}
	}
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))

	req := &message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, req); err != nil {
		resp = message.ErrorReply("", "decode request: "+err.Error())
	} else {
		resp = svr.handler(svr.ctx, req)
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.log.Error("encode response", zap.String("method", req.ServiceMethod), zap.Error(err))
		result, _ = c.Encode(message.ErrorReply(req.ServiceMethod, "encode response: "+err.Error()))
	}

	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &reply, result); err != nil {
		svr.log.Debug("write response", zap.Error(err))
	}
}

// dispatch is the innermost handler: find the method, decode args, call it,
// encode the reply.
func (svr *Server) dispatch(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, err := message.SplitServiceMethod(req.ServiceMethod)
	if err != nil {
		return message.ErrorReply(req.ServiceMethod, err.Error())
	}

	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		return message.ErrorReply(req.ServiceMethod, "rpc: can't find service "+serviceName)
	}
	mt := svc.method[methodName]
	if mt == nil {
		return message.ErrorReply(req.ServiceMethod, "rpc: can't find method "+req.ServiceMethod)
	}

	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)
	if err := codec.UnmarshalPayload(req.Payload, argv.Interface()); err != nil {
		return message.ErrorReply(req.ServiceMethod, "decode args: "+err.Error())
	}

	if err := svc.call(ctx, mt, argv, replyv); err != nil {
		return message.ErrorReply(req.ServiceMethod, err.Error())
	}

	payload, err := codec.MarshalPayload(replyv.Interface())
	if err != nil {
		return message.ErrorReply(req.ServiceMethod, "encode reply: "+err.Error())
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: payload}
}

// Shutdown stops the server gracefully:
//  1. withdraw the advertisement so resolvers stop choosing this provider
//  2. close the listener
//  3. wait for in-flight requests until ctx is done
//  4. close the remaining connections
func (svr *Server) Shutdown(ctx context.Context) error {
	svr.mu.RLock()
	advertised := svr.advertised
	svr.mu.RUnlock()
	if svr.opts.registry != nil && advertised != "" {
		if err := svr.opts.registry.Deregister(ctx, svr.opts.discoveryName, advertised); err != nil {
			svr.log.Warn("deregister failed", zap.Error(err))
		}
	}

	// set the flag first so Serve reports the Accept error as a clean stop
	svr.shutdown.Store(true)
	svr.mu.RLock()
	ln := svr.listener
	svr.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New("timeout waiting for ongoing requests to finish")
	}
	svr.cancel()

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	pool := svr.pool
	svr.mu.Unlock()
	if pool != nil {
		pool.Release()
	}
	return err
}
