package middleware

import (
	"context"
	"time"

	"protorpc/status"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// LoggingMiddleware logs every call with its duration, and the failure if any.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (proto.Message, error) {
			start := time.Now()
			resp, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("service", call.Service),
				zap.String("method", string(call.Method.Name())),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Error("call failed", append(fields, zap.String("kind", string(status.KindOf(err))), zap.Error(err))...)
			case call.Controller.Failed():
				logger.Error("call failed", append(fields, zap.String("kind", string(status.KindApplication)), zap.String("reason", call.Controller.ErrorText()))...)
			default:
				logger.Info("call finished", fields...)
			}
			return resp, err
		}
	}
}
