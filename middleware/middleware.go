// Package middleware wraps the invocation step of server-side dispatch.
//
// Middlewares see a call after its envelope was decoded and its service and
// method were resolved, and before the reply is encoded. Returning an error
// turns into an error reply; a *status.Error keeps its kind.
package middleware

import (
	"context"

	"protorpc/controller"
	"protorpc/service"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Call describes one resolved invocation.
type Call struct {
	Service    string
	Impl       service.Service // Fresh instance resolved for this call
	Method     protoreflect.MethodDescriptor
	Request    proto.Message
	Controller *controller.Controller
}

type HandlerFunc func(ctx context.Context, call *Call) (proto.Message, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
