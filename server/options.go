package server

import (
	"time"

	"protorpc/middleware"
	"protorpc/protocol"
	"protorpc/registry"

	"go.uber.org/zap"
)

type options struct {
	logger        *zap.Logger
	maxPacket     int
	maxConns      int64
	readTimeout   time.Duration
	writeTimeout  time.Duration
	middlewares   []middleware.Middleware
	registry      registry.Registry
	advertiseAddr string
	weight        int
	ttl           int64
	grace         time.Duration
}

const defaultMaxConns = 1024

func defaultOptions() options {
	return options{
		logger:    zap.NewNop(),
		maxPacket: protocol.MaxPacket,
		maxConns:  defaultMaxConns,
		weight:    10,
		ttl:       10,
		grace:     5 * time.Second,
	}
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMaxPacket sets the per-packet size ceiling. Defaults to protocol.MaxPacket;
// n <= 0 keeps the default.
func WithMaxPacket(n int) Option {
	return func(o *options) {
		if n <= 0 {
			n = protocol.MaxPacket
		}
		o.maxPacket = n
	}
}

// WithMaxConns bounds the number of connections served at once. Defaults to
// 1024; n <= 0 keeps the default. When the bound is reached the server stops
// accepting until a connection ends.
func WithMaxConns(n int) Option {
	return func(o *options) {
		if n <= 0 {
			n = defaultMaxConns
		}
		o.maxConns = int64(n)
	}
}

// WithReadTimeout limits how long the server waits for each request packet.
// Zero, the default, waits forever.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithWriteTimeout limits how long writing a reply may take. Zero, the default, waits forever.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithMiddleware appends middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithRegistry advertises every registered service in reg once the server
// listens. advertiseAddr is the routable address clients should dial; empty
// means the listener's address.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(o *options) {
		o.registry = reg
		o.advertiseAddr = advertiseAddr
	}
}

// WithWeight sets the load balancing weight advertised in the registry. Defaults to 10.
func WithWeight(w int) Option {
	return func(o *options) { o.weight = w }
}

// WithShutdownTimeout sets how long Run waits for in-flight calls once its
// context is done. Defaults to 5s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}
