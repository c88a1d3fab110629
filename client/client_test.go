package client_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"protorpc/client"
	"protorpc/controller"
	"protorpc/internal/testproto"
	"protorpc/loadbalance"
	"protorpc/protocol"
	"protorpc/registry"
	"protorpc/schema"
	"protorpc/server"
	"protorpc/status"

	"google.golang.org/protobuf/proto"
)

func startServer(t *testing.T) (*server.Server, *schema.Namespace) {
	t.Helper()
	ns := testproto.Namespace()
	svr, err := server.Start(0, ns, testproto.Services(ns))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, ns
}

func dial(t *testing.T, svr *server.Server, ns *schema.Namespace, opts ...client.Option) *client.Channel {
	t.Helper()
	port := svr.Addr().(*net.TCPAddr).Port
	ch, err := client.Dial("localhost", port, ns, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestClientCall(t *testing.T) {
	svr, ns := startServer(t)
	ch := dial(t, svr, ns)
	md := testproto.Method(ns, testproto.EchoService, "Echo")

	var got proto.Message
	ctrl := controller.New()
	req := testproto.New(ns, "calc.EchoRequest", map[string]any{"text": "hello"})
	resp, err := ch.Call(context.Background(), md, ctrl, req, nil, func(m proto.Message) { got = m })
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if ctrl.Failed() {
		t.Fatalf("controller failed: %s", ctrl.ErrorText())
	}
	if testproto.String(resp, "text") != "hello" {
		t.Fatalf("Expect hello, get %q", testproto.String(resp, "text"))
	}
	if got != resp {
		t.Fatal("done should receive the response")
	}

	// The channel stays usable
	md = testproto.Method(ns, testproto.ArithService, "Divide")
	req = testproto.New(ns, "calc.DivideRequest", map[string]any{"a": 7.0, "b": 2.0})
	resp, err = ch.Call(context.Background(), md, controller.New(), req, nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if q := testproto.Float(resp, "quotient"); q != 3.5 {
		t.Fatalf("Expect 3.5, get %v", q)
	}
}

func TestClientApplicationError(t *testing.T) {
	svr, ns := startServer(t)
	ch := dial(t, svr, ns)
	md := testproto.Method(ns, testproto.ArithService, "Divide")

	doneCalled := false
	ctrl := controller.New()
	req := testproto.New(ns, "calc.DivideRequest", map[string]any{"a": 1.0, "b": 0.0})
	resp, err := ch.Call(context.Background(), md, ctrl, req, nil, func(m proto.Message) {
		doneCalled = true
		if m != nil {
			t.Errorf("done should receive nil, got %v", m)
		}
	})
	if resp != nil || !errors.Is(err, status.ErrApplication) {
		t.Fatalf("expect application error, got %v, %v", resp, err)
	}
	if !doneCalled {
		t.Fatal("done should be called on an error reply")
	}
	if !ctrl.Failed() || ctrl.ErrorText() != "division by zero" {
		t.Fatalf("unexpected controller state: failed=%v text=%q", ctrl.Failed(), ctrl.ErrorText())
	}

	// Application failures do not break the channel
	req = testproto.New(ns, "calc.DivideRequest", map[string]any{"a": 1.0, "b": 4.0})
	if _, err := ch.Call(context.Background(), md, controller.New(), req, nil, nil); err != nil {
		t.Fatalf("Call after failure: %v", err)
	}
}

// fakePeer accepts one connection, reads one packet and runs reply on it.
func fakePeer(t *testing.T, reply func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := protocol.NewReader(conn, 0).ReadPacket(); err != nil {
			return
		}
		reply(conn)
	}()
	return ln.Addr().String()
}

func dialAddr(t *testing.T, addr string, ns *schema.Namespace) *client.Channel {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	ch := client.NewChannel(conn, ns)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestClientPeerClosesWithoutReply(t *testing.T) {
	ns := testproto.Namespace()
	ch := dialAddr(t, fakePeer(t, func(net.Conn) {}), ns)
	md := testproto.Method(ns, testproto.EchoService, "Echo")

	doneCalled := false
	_, err := ch.Call(context.Background(), md, controller.New(), testproto.New(ns, "calc.EchoRequest", nil), nil, func(proto.Message) { doneCalled = true })
	if !errors.Is(err, status.ErrTransport) {
		t.Fatalf("expect transport error, got %v", err)
	}
	if doneCalled {
		t.Fatal("done should not be called on a transport failure")
	}

	// Later calls fail fast
	_, err = ch.Call(context.Background(), md, controller.New(), testproto.New(ns, "calc.EchoRequest", nil), nil, nil)
	if !errors.Is(err, status.ErrTransport) || !strings.Contains(err.Error(), "channel broken") {
		t.Fatalf("expect broken channel, got %v", err)
	}
}

func TestClientMalformedReply(t *testing.T) {
	ns := testproto.Namespace()
	ch := dialAddr(t, fakePeer(t, func(conn net.Conn) {
		conn.Write([]byte(`{"status":"ok","response_class":"calc.Nope"}`))
	}), ns)
	md := testproto.Method(ns, testproto.EchoService, "Echo")

	ctrl := controller.New()
	_, err := ch.Call(context.Background(), md, ctrl, testproto.New(ns, "calc.EchoRequest", nil), nil, nil)
	if !errors.Is(err, status.ErrProtocol) {
		t.Fatalf("expect protocol error, got %v", err)
	}
	if !ctrl.Failed() {
		t.Fatal("controller should be failed")
	}
}

func TestClientOversizeRequest(t *testing.T) {
	svr, ns := startServer(t)
	ch := dial(t, svr, ns, client.WithMaxPacket(256))
	md := testproto.Method(ns, testproto.EchoService, "Echo")

	big := testproto.New(ns, "calc.EchoRequest", map[string]any{"text": strings.Repeat("x", 512)})
	_, err := ch.Call(context.Background(), md, controller.New(), big, nil, nil)
	if !errors.Is(err, status.ErrProtocol) || !errors.Is(err, protocol.ErrPacketTooLarge) {
		t.Fatalf("expect packet too large, got %v", err)
	}

	// Nothing was sent, so the channel is still good
	small := testproto.New(ns, "calc.EchoRequest", map[string]any{"text": "ok"})
	if _, err := ch.Call(context.Background(), md, controller.New(), small, nil, nil); err != nil {
		t.Fatalf("Call after oversize request: %v", err)
	}
}

func TestClientZeroMaxPacketKeepsDefault(t *testing.T) {
	svr, ns := startServer(t)
	ch := dial(t, svr, ns, client.WithMaxPacket(0))
	md := testproto.Method(ns, testproto.EchoService, "Echo")

	req := testproto.New(ns, "calc.EchoRequest", map[string]any{"text": strings.Repeat("x", 1000)})
	resp, err := ch.Call(context.Background(), md, nil, req, nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(testproto.String(resp, "text")) != 1000 {
		t.Fatal("unexpected reply text")
	}
}

func TestClientContextTimeout(t *testing.T) {
	svr, ns := startServer(t)
	ch := dial(t, svr, ns)
	md := testproto.Method(ns, testproto.ArithService, "Slow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ctrl := controller.New()
	start := time.Now()
	_, err := ch.Call(ctx, md, ctrl, testproto.New(ns, "calc.EchoRequest", nil), nil, nil)
	if !errors.Is(err, status.ErrCanceled) {
		t.Fatalf("expect canceled, got %v", err)
	}
	if !ctrl.IsCanceled() {
		t.Fatal("controller should be cancelled")
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("call returned after %v, expected to stop at the deadline", elapsed)
	}
}

func TestClientCanceledBeforeSend(t *testing.T) {
	svr, ns := startServer(t)
	ch := dial(t, svr, ns)
	md := testproto.Method(ns, testproto.EchoService, "Echo")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.Call(ctx, md, nil, testproto.New(ns, "calc.EchoRequest", nil), nil, nil)
	if !errors.Is(err, status.ErrCanceled) {
		t.Fatalf("expect canceled, got %v", err)
	}

	// Nothing was written, so the channel still works
	if _, err := ch.Call(context.Background(), md, nil, testproto.New(ns, "calc.EchoRequest", nil), nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

type staticRegistry struct {
	instances map[string][]registry.ServiceInstance
}

func (r *staticRegistry) Register(name string, inst registry.ServiceInstance, ttl int64) error {
	r.instances[name] = append(r.instances[name], inst)
	return nil
}

func (r *staticRegistry) Deregister(name, addr string) error { return nil }

func (r *staticRegistry) Discover(name string) ([]registry.ServiceInstance, error) {
	return r.instances[name], nil
}

func (r *staticRegistry) Watch(name string) <-chan []registry.ServiceInstance { return nil }

func TestDialService(t *testing.T) {
	svr, ns := startServer(t)
	reg := &staticRegistry{instances: map[string][]registry.ServiceInstance{
		testproto.EchoService: {{Addr: svr.Addr().String(), Weight: 1}},
	}}

	ch, err := client.DialService(reg, &loadbalance.RoundRobinBalancer{}, testproto.EchoService, ns)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	md := testproto.Method(ns, testproto.EchoService, "Echo")
	resp, err := ch.Call(context.Background(), md, nil, testproto.New(ns, "calc.EchoRequest", map[string]any{"text": "found"}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if testproto.String(resp, "text") != "found" {
		t.Fatalf("unexpected reply %v", resp)
	}

	_, err = client.DialService(reg, &loadbalance.RoundRobinBalancer{}, "calc.Missing", ns)
	if !errors.Is(err, status.ErrResolution) {
		t.Fatalf("expect resolution error, got %v", err)
	}
}

func ExampleChannel_Call() {
	ns := testproto.Namespace()
	svr, err := server.Start(0, ns, testproto.Services(ns))
	if err != nil {
		panic(err)
	}
	defer svr.Shutdown(time.Second)

	ch, err := client.Dial("localhost", svr.Addr().(*net.TCPAddr).Port, ns)
	if err != nil {
		panic(err)
	}
	defer ch.Close()

	ctrl := controller.New()
	md := testproto.Method(ns, testproto.ArithService, "Divide")
	req := testproto.New(ns, "calc.DivideRequest", map[string]any{"a": 1.0, "b": 0.0})
	ch.Call(context.Background(), md, ctrl, req, nil, nil)
	fmt.Println(ctrl.Failed(), ctrl.ErrorText())
	// Output: true division by zero
}
