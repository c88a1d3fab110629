package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of all registry keys:
//
//	Key:   /protorpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registrations carry a TTL lease, so an instance whose server crashed
// disappears once the lease expires.
const KeyPrefix = "/protorpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client  *clientv3.Client // Safe for concurrent use
	logger  *zap.Logger
	timeout time.Duration // Per-request deadline

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // Lease of each key registered through this registry
}

// NewEtcdRegistry connects to the given etcd endpoints. The connection is
// established lazily; an unreachable cluster surfaces on the first request.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client:  c,
		logger:  logger,
		timeout: 5 * time.Second,
		leases:  make(map[string]clientv3.LeaseID),
	}, nil
}

func key(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

func prefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive in the background until the registry is closed.
// Each key gets its own lease so Deregister can revoke it without touching
// other instances sharing this registry.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	k := key(serviceName, instance.Addr)
	_, err = r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// KeepAlive outlives this call, so it must not use the request context
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old, replaced := r.leases[k]
	r.leases[k] = lease.ID
	r.mu.Unlock()
	if replaced {
		r.client.Revoke(ctx, old)
	}

	// Drain responses so the channel does not fill up. It closes when the lease is revoked.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("service", serviceName), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes an instance. Called during graceful shutdown.
// Revoking the lease deletes the key and stops its keepalive; keys this
// registry did not create are deleted directly.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	k := key(serviceName, addr)
	r.mu.Lock()
	id, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, id); err == nil {
			return nil
		}
	}
	_, err := r.client.Delete(ctx, k)
	return err
}

// Watch emits the full instance list whenever the service's keys change.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(context.Background(), prefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the list rather than applying individual events
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.logger.Error("discover after watch event", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			ch <- instances
		}
	}()

	return ch
}

// Discover returns all currently registered instances of a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, prefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close releases the etcd connection; leases stop being renewed.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
