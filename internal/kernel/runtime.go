package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gm-toolbox/pkg/toolbox"
)

// moduleRecord is the kernel's view of one registered module.
type moduleRecord struct {
	name         string
	module       toolbox.Module
	capabilities []toolbox.Capability

	// live holds subscriptions not yet closed. A module that toggles a feature
	// off and on again through settings leaves no closed entries behind.
	mu   sync.Mutex
	live map[*ownedSubscription]struct{}
}

func newModuleRecord(module toolbox.Module, spec toolbox.ModuleSpec) *moduleRecord {
	return &moduleRecord{
		name:         module.Name(),
		module:       module,
		capabilities: spec.Capabilities(),
		live:         make(map[*ownedSubscription]struct{}),
	}
}

func (m *moduleRecord) track(subscription toolbox.Subscription) *ownedSubscription {
	owned := &ownedSubscription{Subscription: subscription, owner: m}

	m.mu.Lock()
	m.live[owned] = struct{}{}
	m.mu.Unlock()

	return owned
}

func (m *moduleRecord) forget(owned *ownedSubscription) {
	m.mu.Lock()
	delete(m.live, owned)
	m.mu.Unlock()
}

func (m *moduleRecord) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.live)
}

// closeSubscriptions closes every live subscription and joins the failures.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.mu.Lock()
	pending := make([]*ownedSubscription, 0, len(m.live))
	for owned := range m.live {
		pending = append(pending, owned)
	}
	m.mu.Unlock()

	var closeErr error
	for _, owned := range pending {
		if err := owned.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}

	return closeErr
}

// ownedSubscription unregisters itself from its module once closed.
type ownedSubscription struct {
	toolbox.Subscription
	owner *moduleRecord
}

// Close closes the bus subscription and stops tracking it.
func (s *ownedSubscription) Close(ctx context.Context) error {
	s.owner.forget(s)
	if err := s.Subscription.Close(ctx); err != nil {
		return fmt.Errorf("close subscription %s: %w", s.Name(), err)
	}

	return nil
}

// moduleRuntime implements toolbox.ModuleRuntime for one module.
type moduleRuntime struct {
	record   *moduleRecord
	services toolbox.ServiceRegistry
	bus      toolbox.EventBus
}

// Services returns the kernel service registry.
func (r *moduleRuntime) Services() toolbox.ServiceRegistry {
	return r.services
}

// Subscribe attaches handler to the bus if one of the module's capabilities
// covers interest. The subscription is closed with the module.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest toolbox.InterestSet,
	spec toolbox.SubscriptionSpec,
	handler toolbox.EventHandler,
) (toolbox.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.record.name + "-subscription"
	}
	if !coveredByCapabilities(r.record.capabilities, interest) {
		return nil, fmt.Errorf(
			"module %s subscribe %s: interest not covered by any of %d declared capabilities",
			r.record.name, spec.Name, len(r.record.capabilities),
		)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.record.name, spec.Name, err)
	}

	return r.record.track(subscription), nil
}

// coveredByCapabilities reports whether any declared capability allows interest.
func coveredByCapabilities(capabilities []toolbox.Capability, interest toolbox.InterestSet) bool {
	for _, capability := range capabilities {
		if capability.Interest.Allows(interest) {
			return true
		}
	}

	return false
}
