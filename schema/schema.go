// Package schema is the message namespace shared by both peers.
//
// A Namespace resolves the type tags carried in an envelope to protobuf message
// types, and service names to service descriptors. Type tags are protobuf full
// names, e.g. "calc.EchoRequest".
//
// Files registered from a FileDescriptorProto get dynamic message types, so a
// process can speak a schema without generated code. Generated types can be
// added with RegisterMessage, or the global registries used through Global().
package schema

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ErrUnknownType is returned when a name is not registered in the namespace.
var ErrUnknownType = errors.New("schema: unknown type")

// Namespace holds file descriptors and message types.
type Namespace struct {
	files *protoregistry.Files
	types *protoregistry.Types
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{
		files: new(protoregistry.Files),
		types: new(protoregistry.Types),
	}
}

// Global returns a namespace backed by the process-wide protobuf registries,
// which hold every generated type linked into the binary.
func Global() *Namespace {
	return &Namespace{
		files: protoregistry.GlobalFiles,
		types: protoregistry.GlobalTypes,
	}
}

// RegisterFile builds a file descriptor, registers it and a dynamic type for
// each message it declares (nested messages included). Dependencies must be
// registered first.
func (n *Namespace) RegisterFile(fdp *descriptorpb.FileDescriptorProto) (protoreflect.FileDescriptor, error) {
	fd, err := protodesc.NewFile(fdp, n.files)
	if err != nil {
		return nil, fmt.Errorf("schema: build %s: %w", fdp.GetName(), err)
	}
	if err := n.files.RegisterFile(fd); err != nil {
		return nil, fmt.Errorf("schema: register %s: %w", fd.Path(), err)
	}
	if err := n.registerMessages(fd.Messages()); err != nil {
		return nil, err
	}
	return fd, nil
}

func (n *Namespace) registerMessages(msgs protoreflect.MessageDescriptors) error {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		if md.IsMapEntry() {
			continue
		}
		if err := n.types.RegisterMessage(dynamicpb.NewMessageType(md)); err != nil {
			return fmt.Errorf("schema: register %s: %w", md.FullName(), err)
		}
		if err := n.registerMessages(md.Messages()); err != nil {
			return err
		}
	}
	return nil
}

// RegisterMessage adds a message type, typically a generated one.
func (n *Namespace) RegisterMessage(mt protoreflect.MessageType) error {
	return n.types.RegisterMessage(mt)
}

// LookupType finds a message type by full name.
func (n *Namespace) LookupType(name string) (protoreflect.MessageType, error) {
	mt, err := n.types.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		if errors.Is(err, protoregistry.NotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
		}
		return nil, err
	}
	return mt, nil
}

// LookupService finds a service descriptor by full name.
func (n *Namespace) LookupService(name string) (protoreflect.ServiceDescriptor, error) {
	d, err := n.files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		if errors.Is(err, protoregistry.NotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
		}
		return nil, err
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, fmt.Errorf("schema: %q is not a service", name)
	}
	return sd, nil
}

// LookupMethod finds a method of a registered service.
func (n *Namespace) LookupMethod(service, method string) (protoreflect.MethodDescriptor, error) {
	sd, err := n.LookupService(service)
	if err != nil {
		return nil, err
	}
	md := sd.Methods().ByName(protoreflect.Name(method))
	if md == nil {
		return nil, fmt.Errorf("%w: method %q of %q", ErrUnknownType, method, service)
	}
	return md, nil
}

// Parse reconstructs a message of the named type from its serialized form.
func (n *Namespace) Parse(data []byte, typeName string) (proto.Message, error) {
	mt, err := n.LookupType(typeName)
	if err != nil {
		return nil, err
	}
	m := mt.New().Interface()
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("schema: parse %s: %w", typeName, err)
	}
	return m, nil
}

// Serialize encodes m. Output is deterministic so equal messages produce equal envelopes.
func Serialize(m proto.Message) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

// TypeName returns the type tag of m.
func TypeName(m proto.Message) string {
	return string(m.ProtoReflect().Descriptor().FullName())
}
