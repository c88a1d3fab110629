package middleware

import (
	"context"
	"time"

	"protorpc/status"

	"google.golang.org/protobuf/proto"
)

type result struct {
	resp proto.Message
	err  error
}

// TimeOutMiddleware bounds the invocation. On expiry the call's controller is
// cancelled, so an implementation polling IsCanceled can stop early, and a
// canceled error is returned without waiting for it.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (proto.Message, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, call)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				call.Controller.StartCancel()
				return nil, status.New(status.KindCanceled, "request timed out")
			}
		}
	}
}
