// Package testproto provides a small schema and implementations for tests.
//
//	package calc;
//	message EchoRequest  { string text = 1; string token = 2; }
//	message EchoReply    { string text = 1; string token = 2; }
//	message DivideRequest { double a = 1; double b = 2; }
//	message DivideReply   { double quotient = 1; }
//	service EchoService  { rpc Echo(EchoRequest) returns (EchoReply);
//	                       rpc Expand(EchoRequest) returns (EchoReply); }
//	service ArithService { rpc Divide(DivideRequest) returns (DivideReply);
//	                       rpc Slow(EchoRequest) returns (EchoReply); }
package testproto

import (
	"context"
	"strings"
	"time"

	"protorpc/controller"
	"protorpc/schema"
	"protorpc/service"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	EchoService  = "calc.EchoService"
	ArithService = "calc.ArithService"
)

func field(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func method(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String(".calc." + in),
		OutputType: proto.String(".calc." + out),
	}
}

// File returns the descriptor of calc.proto.
func File() *descriptorpb.FileDescriptorProto {
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	dbl := descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("protorpc/testproto/calc.proto"),
		Package: proto.String("calc"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{Name: proto.String("EchoRequest"), Field: []*descriptorpb.FieldDescriptorProto{field("text", 1, str), field("token", 2, str)}},
			{Name: proto.String("EchoReply"), Field: []*descriptorpb.FieldDescriptorProto{field("text", 1, str), field("token", 2, str)}},
			{Name: proto.String("DivideRequest"), Field: []*descriptorpb.FieldDescriptorProto{field("a", 1, dbl), field("b", 2, dbl)}},
			{Name: proto.String("DivideReply"), Field: []*descriptorpb.FieldDescriptorProto{field("quotient", 1, dbl)}},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{Name: proto.String("EchoService"), Method: []*descriptorpb.MethodDescriptorProto{
				method("Echo", "EchoRequest", "EchoReply"),
				method("Expand", "EchoRequest", "EchoReply"),
			}},
			{Name: proto.String("ArithService"), Method: []*descriptorpb.MethodDescriptorProto{
				method("Divide", "DivideRequest", "DivideReply"),
				method("Slow", "EchoRequest", "EchoReply"),
			}},
		},
	}
}

// Namespace returns a fresh namespace with calc.proto registered.
func Namespace() *schema.Namespace {
	ns := schema.NewNamespace()
	if _, err := ns.RegisterFile(File()); err != nil {
		panic(err)
	}
	return ns
}

// Method returns the descriptor of service.method, panicking if absent.
func Method(ns *schema.Namespace, svc, name string) protoreflect.MethodDescriptor {
	md, err := ns.LookupMethod(svc, name)
	if err != nil {
		panic(err)
	}
	return md
}

// New builds a message of the named type with the given field values.
// Values must be string or float64.
func New(ns *schema.Namespace, typeName string, fields map[string]any) proto.Message {
	mt, err := ns.LookupType(typeName)
	if err != nil {
		panic(err)
	}
	return fill(mt.New(), fields)
}

func fill(m protoreflect.Message, fields map[string]any) proto.Message {
	for name, v := range fields {
		fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
		switch v := v.(type) {
		case string:
			m.Set(fd, protoreflect.ValueOfString(v))
		case float64:
			m.Set(fd, protoreflect.ValueOfFloat64(v))
		}
	}
	return m.Interface()
}

func newOutput(md protoreflect.MethodDescriptor, ns *schema.Namespace) protoreflect.Message {
	mt, err := ns.LookupType(string(md.Output().FullName()))
	if err != nil {
		panic(err)
	}
	return mt.New()
}

// String reads a string field.
func String(m proto.Message, name string) string {
	r := m.ProtoReflect()
	return r.Get(r.Descriptor().Fields().ByName(protoreflect.Name(name))).String()
}

// Float reads a double field.
func Float(m proto.Message, name string) float64 {
	r := m.ProtoReflect()
	return r.Get(r.Descriptor().Fields().ByName(protoreflect.Name(name))).Float()
}

// EchoImpl implements calc.EchoService.
type EchoImpl struct {
	ns *schema.Namespace
}

func (e *EchoImpl) Echo(ctx context.Context, ctrl *controller.Controller, req proto.Message) (proto.Message, error) {
	md := Method(e.ns, EchoService, "Echo")
	return fill(newOutput(md, e.ns), map[string]any{
		"text":  String(req, "text"),
		"token": String(req, "token"),
	}), nil
}

// Expand replies with the text repeated ten times.
func (e *EchoImpl) Expand(ctx context.Context, ctrl *controller.Controller, req proto.Message) (proto.Message, error) {
	md := Method(e.ns, EchoService, "Expand")
	return fill(newOutput(md, e.ns), map[string]any{
		"text":  strings.Repeat(String(req, "text"), 10),
		"token": String(req, "token"),
	}), nil
}

// ArithImpl implements calc.ArithService.
type ArithImpl struct {
	ns *schema.Namespace
}

func (a *ArithImpl) Divide(ctx context.Context, ctrl *controller.Controller, req proto.Message) (proto.Message, error) {
	b := Float(req, "b")
	if b == 0 {
		ctrl.SetFailed("division by zero")
		return nil, nil
	}
	md := Method(a.ns, ArithService, "Divide")
	return fill(newOutput(md, a.ns), map[string]any{"quotient": Float(req, "a") / b}), nil
}

// Slow echoes after a delay, returning early if the call is cancelled.
func (a *ArithImpl) Slow(ctx context.Context, ctrl *controller.Controller, req proto.Message) (proto.Message, error) {
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	md := Method(a.ns, ArithService, "Slow")
	return fill(newOutput(md, a.ns), map[string]any{"text": String(req, "text")}), nil
}

// Services returns a registry with EchoService and ArithService.
func Services(ns *schema.Namespace) *service.Registry {
	reg := service.NewRegistry()
	for name, newImpl := range map[string]func() any{
		EchoService:  func() any { return &EchoImpl{ns: ns} },
		ArithService: func() any { return &ArithImpl{ns: ns} },
	} {
		sd, err := ns.LookupService(name)
		if err != nil {
			panic(err)
		}
		factory, err := service.NewFactory(sd, newImpl)
		if err != nil {
			panic(err)
		}
		if err := reg.Register(factory); err != nil {
			panic(err)
		}
	}
	return reg
}
