package service

import (
	"context"
	"fmt"
	"reflect"

	"protorpc/controller"
	"protorpc/status"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Service is a concrete implementation of a schema service.
type Service interface {
	// Descriptor is the method descriptor set the implementation serves.
	Descriptor() protoreflect.ServiceDescriptor

	// CallMethod invokes md. The implementation either returns a response of
	// md's output type or marks ctrl failed.
	CallMethod(ctx context.Context, md protoreflect.MethodDescriptor, ctrl *controller.Controller, req proto.Message) (proto.Message, error)
}

// Factory creates a fresh implementation instance. The server calls it once per call.
type Factory func() Service

type methodType struct {
	method  reflect.Method
	ArgType reflect.Type
}

type service struct {
	desc   protoreflect.ServiceDescriptor
	rcvr   reflect.Value
	method map[string]*methodType
}

var (
	contextType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	controllerType = reflect.TypeOf((*controller.Controller)(nil))
	messageType    = reflect.TypeOf((*proto.Message)(nil)).Elem()
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
)

// NewFactory binds the methods of sd to the exported methods of the values
// returned by newImpl. A method qualifies if it has the signature
//
//	func (ctx context.Context, ctrl *controller.Controller, req T) (R, error)
//
// where T and R implement proto.Message. Every method of sd must be bound,
// so a missing implementation is reported here rather than at call time.
func NewFactory(sd protoreflect.ServiceDescriptor, newImpl func() any) (Factory, error) {
	typ := reflect.TypeOf(newImpl())
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: implementation of %s must be a pointer, got %v", sd.FullName(), typ)
	}

	methods := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 4 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != controllerType ||
			!mt.In(3).Implements(messageType) ||
			!mt.Out(0).Implements(messageType) || mt.Out(1) != errorType {
			continue
		}
		methods[method.Name] = &methodType{method: method, ArgType: mt.In(3)}
	}

	mds := sd.Methods()
	for i := 0; i < mds.Len(); i++ {
		name := string(mds.Get(i).Name())
		if _, ok := methods[name]; !ok {
			return nil, fmt.Errorf("rpc: %s has no implementation of method %s", typ, name)
		}
	}

	return func() Service {
		return &service{
			desc:   sd,
			rcvr:   reflect.ValueOf(newImpl()),
			method: methods,
		}
	}, nil
}

func (s *service) Descriptor() protoreflect.ServiceDescriptor {
	return s.desc
}

// CallMethod invokes the bound method via reflection.
func (s *service) CallMethod(ctx context.Context, md protoreflect.MethodDescriptor, ctrl *controller.Controller, req proto.Message) (proto.Message, error) {
	mType, ok := s.method[string(md.Name())]
	if !ok {
		return nil, status.Errorf(status.KindResolution, "failed to find method %s", md.Name())
	}

	argv := reflect.ValueOf(req)
	if !argv.IsValid() || !argv.Type().AssignableTo(mType.ArgType) {
		return nil, status.Errorf(status.KindProtocol, "request type %T not accepted by %s", req, md.FullName())
	}

	args := [4]reflect.Value{s.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(ctrl), argv}
	results := mType.method.Func.Call(args[:])

	var err error
	if !results[1].IsNil() {
		err = results[1].Interface().(error)
	}
	if results[0].IsNil() {
		return nil, err
	}
	return results[0].Interface().(proto.Message), err
}
