package codec

import (
	"bytes"

	"protorpc/message"
	"protorpc/schema"
	"protorpc/status"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Request is a decoded request envelope.
type Request struct {
	Service      string
	Method       string
	Message      proto.Message
	ResponseType protoreflect.MessageType
}

// EnvelopeCodec encodes and decodes envelopes against a schema namespace.
type EnvelopeCodec struct {
	ns    *schema.Namespace
	codec Codec
}

func NewEnvelopeCodec(ns *schema.Namespace) *EnvelopeCodec {
	return &EnvelopeCodec{ns: ns, codec: &JSONCodec{}}
}

// Encode builds a request envelope. The request is serialized and tagged with
// its concrete type name.
func (e *EnvelopeCodec) Encode(service, method string, req proto.Message, responseType string) ([]byte, error) {
	payload, err := schema.Serialize(req)
	if err != nil {
		return nil, status.Wrap(status.KindProtocol, err, "serialize request: "+err.Error())
	}
	return e.codec.Encode(&message.Envelope{
		Service:       service,
		Method:        method,
		RequestClass:  schema.TypeName(req),
		Request:       payload,
		ResponseClass: responseType,
	})
}

// Decode parses a request envelope. Every failure is a protocol error: a
// payload that is not a record, a missing name, an unknown type tag or request
// bytes that do not parse as the tagged type.
func (e *EnvelopeCodec) Decode(data []byte) (*Request, error) {
	var env message.Envelope
	if err := e.decodeRecord(data, &env); err != nil {
		return nil, err
	}
	if env.Service == "" || env.Method == "" {
		return nil, status.New(status.KindProtocol, "envelope missing service or method")
	}

	req, err := e.ns.Parse(env.Request, env.RequestClass)
	if err != nil {
		return nil, status.Wrap(status.KindProtocol, err, "")
	}
	respType, err := e.ns.LookupType(env.ResponseClass)
	if err != nil {
		return nil, status.Wrap(status.KindProtocol, err, "")
	}

	return &Request{
		Service:      env.Service,
		Method:       env.Method,
		Message:      req,
		ResponseType: respType,
	}, nil
}

// EncodeReply builds a success reply carrying resp.
func (e *EnvelopeCodec) EncodeReply(service, method string, resp proto.Message) ([]byte, error) {
	payload, err := schema.Serialize(resp)
	if err != nil {
		return nil, status.Wrap(status.KindProtocol, err, "serialize response: "+err.Error())
	}
	return e.codec.Encode(&message.Reply{
		Status:        message.StatusOK,
		Service:       service,
		Method:        method,
		ResponseClass: schema.TypeName(resp),
		Response:      payload,
	})
}

// EncodeError builds an error reply. Errors without a kind are sent as
// application errors.
func (e *EnvelopeCodec) EncodeError(err error) ([]byte, error) {
	se := status.Convert(err)
	return e.codec.Encode(&message.ErrorReply{
		Status: message.StatusError,
		Kind:   string(se.Kind),
		Error:  se.Message,
	})
}

// DecodeReply parses a reply. An error reply is returned as a *status.Error of
// the transmitted kind. A malformed reply is a protocol error.
func (e *EnvelopeCodec) DecodeReply(data []byte) (proto.Message, error) {
	var reply message.Reply
	if err := e.decodeRecord(data, &reply); err != nil {
		return nil, err
	}

	switch reply.Status {
	case message.StatusOK:
		resp, err := e.ns.Parse(reply.Response, reply.ResponseClass)
		if err != nil {
			return nil, status.Wrap(status.KindProtocol, err, "")
		}
		return resp, nil
	case message.StatusError:
		return nil, status.New(status.ParseKind(reply.Kind), reply.Error)
	default:
		return nil, status.Errorf(status.KindProtocol, "invalid reply status %q", reply.Status)
	}
}

func (e *EnvelopeCodec) decodeRecord(data []byte, v any) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return status.New(status.KindProtocol, "invalid data for decoding")
	}
	if err := e.codec.Decode(trimmed, v); err != nil {
		return status.Wrap(status.KindProtocol, err, "invalid data for decoding: "+err.Error())
	}
	return nil
}
