// Package loadbalance picks which discovered instance a client dials.
//
// Two strategies are implemented:
//   - RoundRobin:     equal-capacity instances
//   - WeightedRandom: heterogeneous instances, chosen in proportion to Weight
package loadbalance

import "protorpc/registry"

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
