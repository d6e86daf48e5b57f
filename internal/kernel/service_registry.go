package kernel

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"gm-toolbox/pkg/toolbox"
)

// ServiceRegistry holds the named singletons modules resolve during OnRegister,
// such as the flag store and the host's target registry.
type ServiceRegistry struct {
	mu      sync.RWMutex
	entries map[string]any
	order   []string
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{entries: make(map[string]any)}
}

// Register stores service under name. Names are write-once.
func (r *ServiceRegistry) Register(name string, service any) error {
	switch {
	case name == "":
		return fmt.Errorf("register service: empty name")
	case isNilService(service):
		return fmt.Errorf("register service %s: nil service", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.entries[name]; taken {
		return fmt.Errorf("register service %s: %w", name, toolbox.ErrServiceAlreadyRegistered)
	}
	r.entries[name] = service
	r.order = append(r.order, name)

	return nil
}

// Resolve returns the service stored under name.
func (r *ServiceRegistry) Resolve(name string) (any, error) {
	r.mu.RLock()
	service, found := r.entries[name]
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("resolve service %q: %w", name, toolbox.ErrServiceNotFound)
	}

	return service, nil
}

// Names lists registered services in registration order.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// isNilService catches typed nils, e.g. a nil *redis.Client stored in an interface.
func isNilService(service any) bool {
	if service == nil {
		return true
	}

	value := reflect.ValueOf(service)
	switch value.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Interface, reflect.Slice, reflect.Chan:
		return value.IsNil()
	}

	return false
}
