// Package kernel hosts the toolbox runtime: the lane-based event bus, the
// service registry, and the lifecycle of modules and host drivers.
package kernel

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"gm-toolbox/pkg/toolbox"
)

// Kernel wires host drivers to modules through the event bus.
type Kernel struct {
	cfg      config
	bus      *EventBus
	services *ServiceRegistry

	mu      sync.RWMutex
	modules []*moduleRecord
	drivers []toolbox.Driver

	running sync.Mutex
}

// New creates a kernel. Options fill the defaults every subscription inherits.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Kernel{
		cfg:      cfg,
		bus:      NewEventBus(cfg.subscriptions, cfg.reportAsync),
		services: NewServiceRegistry(),
	}
}

// EventBus returns the bus drivers publish into.
func (k *Kernel) EventBus() toolbox.EventBus {
	return k.bus
}

// Services returns the registry modules resolve dependencies from.
func (k *Kernel) Services() toolbox.ServiceRegistry {
	return k.services
}

// RegisterService stores a named singleton. Services must be registered before
// the modules that require them.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	return nil
}

// RegisterModule validates the module's declaration, runs OnRegister, and
// subscribes its declared handlers. A failing module leaves nothing behind.
func (k *Kernel) RegisterModule(ctx context.Context, module toolbox.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}

	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	record := newModuleRecord(module, spec)
	if err := k.requireServices(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	if k.findModuleLocked(name) >= 0 {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, toolbox.ErrModuleAlreadyRegistered)
	}
	k.modules = append(k.modules, record)
	k.mu.Unlock()

	if err := k.bindModule(ctx, record, spec); err != nil {
		k.dropModule(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}
	k.cfg.logger.DebugContext(ctx, "module registered",
		"module", name,
		"capabilities", len(record.capabilities),
		"subscriptions", record.liveCount(),
	)

	return nil
}

// bindModule runs OnRegister and subscribes declared handlers under one hook timeout.
func (k *Kernel) bindModule(ctx context.Context, record *moduleRecord, spec toolbox.ModuleSpec) error {
	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.hookTimeout)
	defer cancel()

	runtime := &moduleRuntime{record: record, services: k.services, bus: k.bus}
	if registrar, ok := record.module.(toolbox.ModuleRegistrar); ok {
		if err := runSafely("OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			return err
		}
	}

	for idx, declared := range spec.Handlers {
		subscription := declared.Subscription
		if subscription.Name == "" {
			subscription.Name = fmt.Sprintf("%s-%s", record.name, declared.Capability.Name)
		}
		if _, err := runtime.Subscribe(hookCtx, declared.Capability.Interest, subscription, declared.Handler); err != nil {
			return fmt.Errorf("handler %d (%s): %w", idx, declared.Capability.Name, err)
		}
	}

	return nil
}

// dropModule closes whatever a failed registration managed to subscribe.
func (k *Kernel) dropModule(ctx context.Context, record *moduleRecord) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.hookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(cleanupCtx); err != nil {
		k.cfg.reportAsync(cleanupCtx, "module "+record.name+" rollback", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.modules = slices.DeleteFunc(k.modules, func(candidate *moduleRecord) bool {
		return candidate == record
	})
}

// RegisterDriver adds a host driver started by Run.
func (k *Kernel) RegisterDriver(driver toolbox.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if slices.ContainsFunc(k.drivers, func(existing toolbox.Driver) bool { return existing.Name() == name }) {
		return fmt.Errorf("register driver %s: %w", name, toolbox.ErrDriverAlreadyRegistered)
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

func (k *Kernel) findModuleLocked(name string) int {
	return slices.IndexFunc(k.modules, func(record *moduleRecord) bool {
		return record.name == name
	})
}

// requireServices checks that every service a capability needs is registered.
func (k *Kernel) requireServices(capabilities []toolbox.Capability) error {
	for _, capability := range capabilities {
		for _, service := range capability.RequiredServices {
			if _, err := k.services.Resolve(service); err != nil {
				return fmt.Errorf("capability %s: %w", capability.Name, err)
			}
		}
	}

	return nil
}

// validateModuleSpec rejects unnamed or duplicate capabilities, handlers
// without a function, and duplicate subscription names.
func validateModuleSpec(spec toolbox.ModuleSpec) error {
	capabilities := make(map[string]struct{})
	subscriptions := make(map[string]struct{})
	claim := func(seen map[string]struct{}, what, name string) error {
		if _, exists := seen[name]; exists {
			return fmt.Errorf("duplicate %s name %s", what, name)
		}
		seen[name] = struct{}{}
		return nil
	}

	for idx, handler := range spec.Handlers {
		if handler.Capability.Name == "" {
			return fmt.Errorf("handler %d: empty capability name", idx)
		}
		if err := claim(capabilities, "capability", handler.Capability.Name); err != nil {
			return fmt.Errorf("handler %d: %w", idx, err)
		}
		if handler.Handler == nil {
			return fmt.Errorf("handler %s: nil handler", handler.Capability.Name)
		}
		if handler.Subscription.Name == "" {
			continue
		}
		if err := claim(subscriptions, "subscription", handler.Subscription.Name); err != nil {
			return fmt.Errorf("handler %s: %w", handler.Capability.Name, err)
		}
	}

	for idx, capability := range spec.AdditionalCapabilities {
		if capability.Name == "" {
			return fmt.Errorf("additional capability %d: empty capability name", idx)
		}
		if err := claim(capabilities, "capability", capability.Name); err != nil {
			return fmt.Errorf("additional capability %d: %w", idx, err)
		}
	}

	return nil
}
