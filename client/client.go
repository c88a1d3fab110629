// Package client implements the Channel, the client side of a call.
//
// A Channel owns one TCP connection for its whole lifetime and performs one
// blocking round trip per Call: encode → send → receive → decode → done.
// Calls on the same Channel are serialized; there is never more than one
// outstanding request on the connection.
package client

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"protorpc/codec"
	"protorpc/controller"
	"protorpc/loadbalance"
	"protorpc/protocol"
	"protorpc/registry"
	"protorpc/schema"
	"protorpc/status"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Channel is a call-capable handle on one connection.
type Channel struct {
	conn   net.Conn
	codec  *codec.EnvelopeCodec
	reader *protocol.Reader
	opts   options
	logger *zap.Logger

	mu     sync.Mutex // One call at a time
	broken error      // Set once the connection can no longer carry calls
}

// Dial connects to host:port.
func Dial(host string, port int, ns *schema.Namespace, opts ...Option) (*Channel, error) {
	return dial(net.JoinHostPort(host, strconv.Itoa(port)), ns, buildOptions(opts))
}

// DialService discovers the instances of serviceName in reg, picks one with
// bal and connects to it.
func DialService(reg registry.Registry, bal loadbalance.Balancer, serviceName string, ns *schema.Namespace, opts ...Option) (*Channel, error) {
	instances, err := reg.Discover(serviceName)
	if err != nil {
		return nil, err
	}
	instance, err := bal.Pick(instances)
	if err != nil {
		return nil, status.Wrap(status.KindResolution, err, "no instance of "+serviceName+": "+err.Error())
	}
	return dial(instance.Addr, ns, buildOptions(opts))
}

func dial(addr string, ns *schema.Namespace, o options) (*Channel, error) {
	conn, err := net.DialTimeout("tcp", addr, o.dialTimeout)
	if err != nil {
		return nil, status.Wrap(status.KindTransport, err, "")
	}
	o.logger.Info("opening channel", zap.String("addr", addr))
	return newChannel(conn, ns, o), nil
}

// NewChannel wraps an established connection.
func NewChannel(conn net.Conn, ns *schema.Namespace, opts ...Option) *Channel {
	return newChannel(conn, ns, buildOptions(opts))
}

func newChannel(conn net.Conn, ns *schema.Namespace, o options) *Channel {
	return &Channel{
		conn:   conn,
		codec:  codec.NewEnvelopeCodec(ns),
		reader: protocol.NewReader(conn, o.maxPacket),
		opts:   o,
		logger: o.logger,
	}
}

// Call invokes md remotely and blocks until the reply arrives.
//
// responseType may be nil, in which case md's output type is expected. ctrl
// may be nil. On success done, if non-nil, receives the response, which is
// also returned. On an error reply ctrl is marked failed with the reply text,
// done receives nil, and a *status.Error of the reply's kind is returned.
// Transport failures return without calling done and leave the Channel broken.
//
// ctx bounds the round trip: its deadline applies to the connection, and
// cancelling it aborts the call and marks ctrl cancelled.
func (c *Channel) Call(ctx context.Context, md protoreflect.MethodDescriptor, ctrl *controller.Controller, req proto.Message, responseType protoreflect.MessageType, done func(proto.Message)) (proto.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctrl == nil {
		ctrl = controller.New()
	}
	if c.broken != nil {
		return nil, status.Wrap(status.KindTransport, c.broken, "channel broken: "+c.broken.Error())
	}

	sd, ok := md.Parent().(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, status.Errorf(status.KindResolution, "method %s has no containing service", md.FullName())
	}
	respName := md.Output().FullName()
	if responseType != nil {
		respName = responseType.Descriptor().FullName()
	}
	logger := c.logger.With(zap.String("method", string(md.FullName())))
	logger.Debug("calling", zap.String("request_class", schema.TypeName(req)), zap.String("response_class", string(respName)))

	packet, err := c.codec.Encode(string(sd.FullName()), string(md.Name()), req, string(respName))
	if err != nil {
		return nil, err
	}
	if len(packet) > c.opts.maxPacket {
		return nil, status.Wrap(status.KindProtocol, protocol.ErrPacketTooLarge,
			"request of "+strconv.Itoa(len(packet))+" bytes exceeds packet limit")
	}

	if err := ctx.Err(); err != nil {
		ctrl.StartCancel()
		return nil, status.Wrap(status.KindCanceled, err, "")
	}
	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	if err := protocol.WritePacket(c.conn, packet, c.opts.maxPacket); err != nil {
		return nil, c.fail(ctx, ctrl, err, logger)
	}
	data, err := c.reader.ReadPacket()
	if err != nil {
		return nil, c.fail(ctx, ctrl, err, logger)
	}

	resp, err := c.codec.DecodeReply(data)
	if err == nil && resp.ProtoReflect().Descriptor().FullName() != respName {
		err = status.Errorf(status.KindProtocol, "reply of type %s, want %s", schema.TypeName(resp), respName)
		resp = nil
	}
	if err != nil {
		se := status.Convert(err)
		ctrl.SetFailed(se.Message)
		logger.Debug("call failed", zap.String("kind", string(se.Kind)), zap.String("error", se.Message))
		if done != nil {
			done(nil)
		}
		return nil, err
	}

	if done != nil {
		done(resp)
	}
	logger.Debug("call finished")
	return resp, nil
}

// fail records a connection-level failure. The connection is closed because a
// partially read or written packet leaves the stream out of step.
func (c *Channel) fail(ctx context.Context, ctrl *controller.Controller, err error, logger *zap.Logger) error {
	c.broken = err
	c.conn.Close()

	ctxErr := ctx.Err()
	if dl, ok := ctx.Deadline(); ok && ctxErr == nil && !time.Now().Before(dl) {
		// The connection deadline can fire just before the context's own timer
		ctxErr = context.DeadlineExceeded
	}
	if ctxErr != nil {
		ctrl.StartCancel()
		c.broken = ctxErr
		return status.Wrap(status.KindCanceled, ctxErr, "")
	}

	logger.Error("call aborted", zap.Error(err))
	switch {
	case errors.Is(err, io.EOF):
		return status.Wrap(status.KindTransport, err, "connection closed without reply")
	case errors.Is(err, protocol.ErrPacketTooLarge), errors.Is(err, protocol.ErrMalformed):
		return status.Wrap(status.KindProtocol, err, "")
	default:
		return status.Wrap(status.KindTransport, err, "")
	}
}

// Close closes the connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
