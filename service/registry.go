// Package service resolves service and method names to implementations.
//
// Implementations are registered up front as factories keyed by the full
// service name. Each incoming call resolves the name, creates a fresh instance
// and looks the method up in the instance's descriptor set.
package service

import (
	"fmt"
	"sort"
	"sync"

	"protorpc/status"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Registry maps service names to implementation factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the full name of the service it implements.
func (r *Registry) Register(factory Factory) error {
	svc := factory()
	if svc == nil || svc.Descriptor() == nil {
		return fmt.Errorf("rpc: factory returned no service")
	}
	return r.RegisterName(string(svc.Descriptor().FullName()), factory)
}

// RegisterName adds a factory under an explicit name.
func (r *Registry) RegisterName(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", name)
	}
	r.factories[name] = factory
	return nil
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveImplementation creates a new instance of the named service.
func (r *Registry) ResolveImplementation(name string) (Service, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(status.KindResolution, "failed to find service %s", name)
	}
	return factory(), nil
}

// ResolveMethod looks a method up in the implementation's descriptor set.
func ResolveMethod(svc Service, name string) (protoreflect.MethodDescriptor, error) {
	md := svc.Descriptor().Methods().ByName(protoreflect.Name(name))
	if md == nil {
		return nil, status.Errorf(status.KindResolution, "failed to find method %s", name)
	}
	return md, nil
}

// Resolve performs both steps.
func (r *Registry) Resolve(serviceName, methodName string) (Service, protoreflect.MethodDescriptor, error) {
	svc, err := r.ResolveImplementation(serviceName)
	if err != nil {
		return nil, nil, err
	}
	md, err := ResolveMethod(svc, methodName)
	if err != nil {
		return nil, nil, err
	}
	return svc, md, nil
}
