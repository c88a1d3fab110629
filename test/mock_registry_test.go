package test

import (
	"sync"

	"protorpc/registry"
)

// MockRegistry is an in-memory registry for tests that should not need etcd.
type MockRegistry struct {
	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{instances: make(map[string][]registry.ServiceInstance)}
}

func (m *MockRegistry) Register(serviceName string, inst registry.ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[serviceName] = append(m.instances[serviceName], inst)
	return nil
}

func (m *MockRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockRegistry) Discover(serviceName string) ([]registry.ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registry.ServiceInstance(nil), m.instances[serviceName]...), nil
}

func (m *MockRegistry) Watch(serviceName string) <-chan []registry.ServiceInstance {
	return nil
}
