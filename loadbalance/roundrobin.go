package loadbalance

import (
	"fmt"
	"sync/atomic"

	"protorpc/registry"
)

// RoundRobinBalancer cycles through instances in order using an atomic counter.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	index := (b.counter.Add(1) - 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
