package client

import (
	"time"

	"protorpc/protocol"

	"go.uber.org/zap"
)

type options struct {
	logger      *zap.Logger
	maxPacket   int
	dialTimeout time.Duration
}

func buildOptions(opts []Option) options {
	o := options{
		logger:      zap.NewNop(),
		maxPacket:   protocol.MaxPacket,
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Channel.
type Option func(*options)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMaxPacket sets the per-packet size ceiling. It must match the server's.
// n <= 0 keeps the default, protocol.MaxPacket.
func WithMaxPacket(n int) Option {
	return func(o *options) {
		if n <= 0 {
			n = protocol.MaxPacket
		}
		o.maxPacket = n
	}
}

// WithDialTimeout bounds connection establishment. Defaults to 5s.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}
