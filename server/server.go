// Package server implements the RPC server: a listener that serves each
// accepted connection on its own goroutine, and the per-connection handler
// that dispatches requests to registered service implementations.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (reads packets one at a time)
//	  → EnvelopeCodec.Decode → Registry.Resolve → Middleware Chain
//	    → businessHandler (Service.CallMethod) → EncodeReply | EncodeError → write reply
//
// Every failure along the way is answered with an error reply of the matching
// kind. Only a connection that closes before sending anything gets no reply.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"protorpc/codec"
	"protorpc/controller"
	"protorpc/middleware"
	"protorpc/protocol"
	"protorpc/registry"
	"protorpc/schema"
	"protorpc/service"
	"protorpc/status"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

// Server dispatches calls to the implementations in a service registry.
type Server struct {
	services      *service.Registry
	codec         *codec.EnvelopeCodec
	opts          options
	logger        *zap.Logger
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	sem           *semaphore.Weighted    // Bounds concurrently served connections
	wg            sync.WaitGroup         // Tracks live connections for graceful shutdown
	shutdown      atomic.Bool            // Set during shutdown to suppress Accept errors
	advertiseAddr string

	// Calls run under ctx; it is cancelled only when Shutdown gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
	// acceptCtx unblocks an accept loop waiting for a free connection slot.
	acceptCtx  context.Context
	stopAccept context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a server for the given schema namespace and implementations.
func NewServer(ns *schema.Namespace, services *service.Registry, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	svr := &Server{
		services:    services,
		codec:       codec.NewEnvelopeCodec(ns),
		opts:        o,
		logger:      o.logger,
		middlewares: o.middlewares,
		sem:         semaphore.NewWeighted(o.maxConns),
		conns:       make(map[net.Conn]struct{}),
	}
	svr.ctx, svr.cancel = context.WithCancel(context.Background())
	svr.acceptCtx, svr.stopAccept = context.WithCancel(context.Background())
	return svr
}

// Start creates a server listening on localhost:port and serves it in the
// background. It returns once the port is bound. Port 0 picks a free port.
func Start(port int, ns *schema.Namespace, services *service.Registry, opts ...Option) (*Server, error) {
	svr := NewServer(ns, services, opts...)
	if err := svr.listen("tcp", localAddr(port)); err != nil {
		return nil, err
	}
	go func() {
		if err := svr.acceptLoop(); err != nil {
			svr.logger.Error("accept loop stopped", zap.Error(err))
		}
	}()
	return svr, nil
}

// Run is the blocking form of Start. It serves until ctx is done, then shuts
// down gracefully (see WithShutdownTimeout) and returns the shutdown error.
// A listener failure also ends Run, after the same shutdown.
func Run(ctx context.Context, port int, ns *schema.Namespace, services *service.Registry, opts ...Option) error {
	svr := NewServer(ns, services, opts...)
	if err := svr.listen("tcp", localAddr(port)); err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- svr.acceptLoop() }()

	select {
	case <-ctx.Done():
		return svr.Shutdown(svr.opts.grace)
	case err := <-errc:
		return multierr.Append(err, svr.Shutdown(svr.opts.grace))
	}
}

func localAddr(port int) string {
	return net.JoinHostPort("localhost", strconv.Itoa(port))
}

// Use registers a middleware. Middlewares must be added before serving.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on the given address and runs the accept loop until Shutdown.
func (svr *Server) Serve(network, address string) error {
	if err := svr.listen(network, address); err != nil {
		return err
	}
	return svr.acceptLoop()
}

// Addr returns the listening address, or nil before the server listens.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	// Build the middleware chain once at startup, not per request
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()
	svr.logger.Info("starting server", zap.String("addr", listener.Addr().String()))

	if reg := svr.opts.registry; reg != nil {
		svr.advertiseAddr = svr.opts.advertiseAddr
		if svr.advertiseAddr == "" {
			svr.advertiseAddr = listener.Addr().String()
		}
		for _, name := range svr.services.Names() {
			err := reg.Register(name, registry.ServiceInstance{
				Addr:   svr.advertiseAddr,
				Weight: svr.opts.weight,
			}, svr.opts.ttl)
			if err != nil {
				listener.Close()
				return fmt.Errorf("advertise %s: %w", name, err)
			}
		}
	}
	return nil
}

// acceptLoop serves one goroutine per connection, at most maxConns at a time.
func (svr *Server) acceptLoop() error {
	for {
		if err := svr.sem.Acquire(svr.acceptCtx, 1); err != nil {
			return nil // Shutdown
		}
		conn, err := svr.listener.Accept()
		if err != nil {
			svr.sem.Release(1)
			// listener.Close() during shutdown makes Accept fail
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}

		svr.track(conn, true)
		svr.wg.Add(1)
		go func() {
			defer svr.wg.Done()
			defer svr.sem.Release(1)
			defer svr.track(conn, false)
			svr.handleConn(conn)
		}()
	}
}

func (svr *Server) track(conn net.Conn, add bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn serves sequential calls on one connection until the peer closes,
// a packet cannot be read, or the server shuts down.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := svr.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	reader := protocol.NewReader(conn, svr.opts.maxPacket)

	for served := 0; ; served++ {
		if svr.opts.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(svr.opts.readTimeout))
		}
		// Checked after setting the deadline so Shutdown's deadline is never overwritten unseen
		if svr.shutdown.Load() {
			return
		}

		data, err := reader.ReadPacket()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				if served == 0 {
					logger.Error("no data")
				}
			case errors.Is(err, protocol.ErrPacketTooLarge), errors.Is(err, protocol.ErrMalformed):
				logger.Error("rejected packet", zap.Error(err))
				svr.writeReply(conn, svr.encodeError(status.Wrap(status.KindProtocol, err, ""), logger), logger)
				lingerClose(conn)
			default:
				logger.Debug("connection closed", zap.Error(err))
			}
			return
		}
		logger.Debug("received packet", zap.Int("size", len(data)))

		reply := svr.handleRequest(data, logger)
		if err := svr.writeReply(conn, reply, logger); err != nil {
			return
		}
	}
}

// lingerClose half-closes conn and discards what the peer is still sending,
// so that unread input does not reset the connection before the reply lands.
func lingerClose(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	io.Copy(io.Discard, conn)
}

// handleRequest turns one request packet into one reply packet.
func (svr *Server) handleRequest(data []byte, logger *zap.Logger) []byte {
	req, err := svr.codec.Decode(data)
	if err != nil {
		logger.Error("failed to decode envelope", zap.Error(err))
		return svr.encodeError(err, logger)
	}
	logger = logger.With(zap.String("service", req.Service), zap.String("method", req.Method))

	impl, md, err := svr.services.Resolve(req.Service, req.Method)
	if err != nil {
		logger.Error("failed to resolve", zap.Error(err))
		return svr.encodeError(err, logger)
	}
	if got := schema.TypeName(req.Message); got != string(md.Input().FullName()) {
		return svr.encodeError(status.Errorf(status.KindProtocol, "request type %s does not match %s", got, md.Input().FullName()), logger)
	}
	if got := req.ResponseType.Descriptor().FullName(); got != md.Output().FullName() {
		return svr.encodeError(status.Errorf(status.KindProtocol, "response type %s does not match %s", got, md.Output().FullName()), logger)
	}

	logger.Info("call started")
	ctrl := controller.New()
	resp, err := svr.handler(svr.ctx, &middleware.Call{
		Service:    req.Service,
		Impl:       impl,
		Method:     md,
		Request:    req.Message,
		Controller: ctrl,
	})

	switch {
	case ctrl.Failed():
		err = status.New(status.KindApplication, ctrl.ErrorText())
	case err != nil:
	case ctrl.IsCanceled():
		err = status.New(status.KindCanceled, "call canceled")
	case resp == nil:
		err = status.New(status.KindApplication, "method returned no response")
	case schema.TypeName(resp) != string(md.Output().FullName()):
		err = status.Errorf(status.KindProtocol, "method returned %s, want %s", schema.TypeName(resp), md.Output().FullName())
	}
	if err != nil {
		logger.Error("call failed", zap.String("kind", string(status.KindOf(err))), zap.Error(err))
		return svr.encodeError(err, logger)
	}

	out, err := svr.codec.EncodeReply(req.Service, req.Method, resp)
	if err == nil && len(out) > svr.opts.maxPacket {
		err = status.Errorf(status.KindProtocol, "reply of %d bytes exceeds packet limit", len(out))
	}
	if err != nil {
		logger.Error("failed to encode reply", zap.Error(err))
		return svr.encodeError(err, logger)
	}
	logger.Info("call finished", zap.String("response_class", schema.TypeName(resp)))
	if ce := logger.Check(zap.DebugLevel, "callback"); ce != nil {
		ce.Write(zap.String("response", prototext.Format(resp)))
	}
	return out
}

// businessHandler invokes the implementation. It is the innermost HandlerFunc.
func (svr *Server) businessHandler(ctx context.Context, call *middleware.Call) (proto.Message, error) {
	if call.Controller.IsCanceled() || ctx.Err() != nil {
		return nil, status.New(status.KindCanceled, "call canceled before start")
	}
	return call.Impl.CallMethod(ctx, call.Method, call.Controller, call.Request)
}

func (svr *Server) encodeError(err error, logger *zap.Logger) []byte {
	out, encErr := svr.codec.EncodeError(err)
	if encErr == nil && len(out) <= svr.opts.maxPacket {
		return out
	}
	logger.Error("error reply too large", zap.Int("size", len(out)), zap.Error(encErr))
	out, _ = svr.codec.EncodeError(status.New(status.KindProtocol, "error text exceeds packet limit"))
	return out
}

func (svr *Server) writeReply(conn net.Conn, reply []byte, logger *zap.Logger) error {
	if svr.opts.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(svr.opts.writeTimeout))
	}
	err := protocol.WritePacket(conn, reply, svr.opts.maxPacket)
	if err != nil {
		logger.Error("failed to write reply", zap.Error(err))
	}
	return err
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services from the registry, if any
//  2. Set the shutdown flag and close the listener
//  3. Unblock connections waiting for their next request
//  4. Wait for in-flight calls to finish, force-closing connections after timeout
func (svr *Server) Shutdown(timeout time.Duration) error {
	var errs error
	if reg := svr.opts.registry; reg != nil {
		for _, name := range svr.services.Names() {
			errs = multierr.Append(errs, reg.Deregister(name, svr.advertiseAddr))
		}
	}

	svr.shutdown.Store(true)
	svr.stopAccept()
	svr.mu.Lock()
	if svr.listener != nil {
		errs = multierr.Append(errs, svr.listener.Close())
	}
	for conn := range svr.conns {
		conn.SetReadDeadline(time.Now())
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		svr.cancel()
		return errs
	case <-time.After(timeout):
		svr.cancel()
		svr.mu.Lock()
		for conn := range svr.conns {
			conn.Close()
		}
		svr.mu.Unlock()
		return multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}
}
