package loadbalance

import (
	"fmt"
	"math/rand"

	"protorpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its Weight. Instances with a non-positive weight are never picked.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	totalWeight := 0
	for _, v := range instances {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return nil, fmt.Errorf("no instance has a positive weight")
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
