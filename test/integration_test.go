package test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"protorpc/client"
	"protorpc/controller"
	"protorpc/internal/testproto"
	"protorpc/loadbalance"
	"protorpc/middleware"
	"protorpc/registry"
	"protorpc/schema"
	"protorpc/server"
	"protorpc/status"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func startAdvertised(t *testing.T, ns *schema.Namespace, reg registry.Registry) *server.Server {
	t.Helper()
	svr, err := server.Start(0, ns, testproto.Services(ns),
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithRegistry(reg, ""),
		server.WithMiddleware(middleware.LoggingMiddleware(zaptest.NewLogger(t))),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	return svr
}

// Client → Registry → Balancer → Channel → Server → implementation, and back.
func TestFullIntegration(t *testing.T) {
	ns := testproto.Namespace()
	reg := NewMockRegistry()
	svr := startAdvertised(t, ns, reg)

	ch, err := client.DialService(reg, &loadbalance.RoundRobinBalancer{}, testproto.ArithService, ns)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	md := testproto.Method(ns, testproto.ArithService, "Divide")
	for i := 1; i <= 10; i++ {
		req := testproto.New(ns, "calc.DivideRequest", map[string]any{"a": float64(i * 10), "b": float64(i)})
		resp, err := ch.Call(context.Background(), md, nil, req, nil, nil)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if q := testproto.Float(resp, "quotient"); q != 10 {
			t.Fatalf("request %d: expect 10, got %v", i, q)
		}
	}

	ctrl := controller.New()
	req := testproto.New(ns, "calc.DivideRequest", map[string]any{"a": 1.0})
	if _, err := ch.Call(context.Background(), md, ctrl, req, nil, nil); !errors.Is(err, status.ErrApplication) {
		t.Fatalf("expect application error, got %v", err)
	}
	if ctrl.ErrorText() != "division by zero" {
		t.Fatalf("unexpected error text %q", ctrl.ErrorText())
	}

	if err := svr.Shutdown(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if insts, _ := reg.Discover(testproto.ArithService); len(insts) != 0 {
		t.Fatalf("expect instance to be deregistered, got %v", insts)
	}
}

// Concurrent clients each get their own reply back.
func TestConcurrentClients(t *testing.T) {
	ns := testproto.Namespace()
	reg := NewMockRegistry()
	startAdvertised(t, ns, reg)

	md := testproto.Method(ns, testproto.EchoService, "Echo")
	g, ctx := errgroup.WithContext(context.Background())
	for c := 0; c < 16; c++ {
		c := c
		g.Go(func() error {
			ch, err := client.DialService(reg, &loadbalance.WeightedRandomBalancer{}, testproto.EchoService, ns)
			if err != nil {
				return err
			}
			defer ch.Close()
			for i := 0; i < 20; i++ {
				token := fmt.Sprintf("client-%d-call-%d", c, i)
				req := testproto.New(ns, "calc.EchoRequest", map[string]any{"text": "ping", "token": token})
				resp, err := ch.Call(ctx, md, nil, req, nil, nil)
				if err != nil {
					return err
				}
				if got := testproto.String(resp, "token"); got != token {
					return fmt.Errorf("expect token %s, got %s", token, got)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// Two servers behind one registry, balanced round robin.
func TestMultiServer(t *testing.T) {
	ns := testproto.Namespace()
	reg := NewMockRegistry()
	startAdvertised(t, ns, reg)
	startAdvertised(t, ns, reg)

	bal := &loadbalance.RoundRobinBalancer{}
	seen := make(map[string]bool)
	md := testproto.Method(ns, testproto.EchoService, "Echo")
	for i := 0; i < 4; i++ {
		insts, _ := reg.Discover(testproto.EchoService)
		inst, err := bal.Pick(insts)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Addr] = true

		ch, err := client.DialService(NewStaticRegistry(testproto.EchoService, *inst), &loadbalance.RoundRobinBalancer{}, testproto.EchoService, ns)
		if err != nil {
			t.Fatal(err)
		}
		req := testproto.New(ns, "calc.EchoRequest", map[string]any{"text": inst.Addr})
		resp, err := ch.Call(context.Background(), md, nil, req, nil, nil)
		ch.Close()
		if err != nil {
			t.Fatalf("call to %s failed: %v", inst.Addr, err)
		}
		if testproto.String(resp, "text") != inst.Addr {
			t.Fatalf("unexpected reply from %s", inst.Addr)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expect both servers to be picked, got %v", seen)
	}
}

// NewStaticRegistry returns a registry that knows exactly one instance.
func NewStaticRegistry(serviceName string, inst registry.ServiceInstance) *MockRegistry {
	reg := NewMockRegistry()
	reg.Register(serviceName, inst, 0)
	return reg
}

func TestFullIntegrationWithEtcd(t *testing.T) {
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer reg.Close()
	if _, err := reg.Discover(testproto.EchoService); err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}

	ns := testproto.Namespace()
	svr := startAdvertised(t, ns, reg)

	ch, err := client.DialService(reg, &loadbalance.RoundRobinBalancer{}, testproto.EchoService, ns)
	if err != nil {
		t.Fatal(err)
	}
	md := testproto.Method(ns, testproto.EchoService, "Echo")
	resp, err := ch.Call(context.Background(), md, nil, testproto.New(ns, "calc.EchoRequest", map[string]any{"text": "etcd"}), nil, nil)
	ch.Close()
	if err != nil {
		t.Fatal(err)
	}
	if testproto.String(resp, "text") != "etcd" {
		t.Fatalf("unexpected reply %v", resp)
	}

	if err := svr.Shutdown(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	insts, err := reg.Discover(testproto.EchoService)
	if err != nil {
		t.Fatal(err)
	}
	for _, inst := range insts {
		if inst.Addr == svr.Addr().String() {
			t.Fatalf("instance %s still registered after shutdown", inst.Addr)
		}
	}
}
