package selectionmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"gm-toolbox/pkg/toolbox"
)

const (
	// FlagScope is the flag scope holding remembered target sets.
	FlagScope = "gm-toolbox"
	// FlagKey is the flag key holding one token's remembered target set.
	FlagKey = "targets"
	// SettingNamespace is the client setting namespace the module listens to.
	SettingNamespace = "gm-toolbox"
	// SettingKey toggles the module at runtime.
	SettingKey = "TargetService-isEnabled"

	moduleName             = "selectionmemory"
	activationSubscription = "selection-memory-activation"
	settingsSubscription   = "selection-memory-settings"
)

// Metrics receives transition outcomes. Implementations must be safe for concurrent use.
type Metrics interface {
	ObserveTransition(operation string, outcome string)
	ObserveTargets(operation string, count int)
}

// Option mutates selection memory module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
			module.loggerInjected = true
		}
	}
}

// WithEnabled sets whether the module starts out enabled. The default is true.
func WithEnabled(enabled bool) Option {
	return func(module *Module) {
		module.enabled.Store(enabled)
	}
}

// WithMetrics records transition outcomes.
func WithMetrics(metrics Metrics) Option {
	return func(module *Module) {
		if metrics != nil {
			module.metrics = metrics
		}
	}
}

// WithFlagStore injects the flag store, bypassing service lookup.
func WithFlagStore(flags toolbox.FlagStore) Option {
	return func(module *Module) {
		if flags != nil {
			module.flags = flags
		}
	}
}

// WithTargetRegistry injects the target registry, bypassing service lookup.
func WithTargetRegistry(targets toolbox.TargetRegistry) Option {
	return func(module *Module) {
		if targets != nil {
			module.targets = targets
		}
	}
}

// WithAuthority injects the permission authority, bypassing service lookup.
func WithAuthority(authority toolbox.Authority) Option {
	return func(module *Module) {
		if authority != nil {
			module.authority = authority
		}
	}
}

// Module is the selection memory service.
type Module struct {
	logger         *slog.Logger
	loggerInjected bool
	metrics        Metrics

	flags     toolbox.FlagStore
	targets   toolbox.TargetRegistry
	authority toolbox.Authority

	enabled atomic.Bool

	toggleMu   sync.Mutex
	runtime    toolbox.ModuleRuntime
	activation toolbox.Subscription
}

var _ toolbox.SelectionMemory = (*Module)(nil)

// New creates a selection memory module.
func New(options ...Option) *Module {
	module := &Module{
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
	module.enabled.Store(true)
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return moduleName
}

// Spec declares the setting handler and the activation interest that is
// subscribed while the module is enabled.
func (m *Module) Spec() toolbox.ModuleSpec {
	return toolbox.ModuleSpec{
		Handlers: []toolbox.ModuleHandler{
			{
				Capability: toolbox.Capability{
					Name:        "selection-memory-settings",
					Description: "toggles selection memory from the client setting",
					Interest:    settingsInterest(),
				},
				Subscription: toolbox.NewOrderedSubscriptionSpec(settingsSubscription),
				Handler:      m.handleSetting,
			},
		},
		AdditionalCapabilities: []toolbox.Capability{
			{
				Name:             "selection-memory-activation",
				Description:      "restores and saves target sets when tokens are selected and released",
				Interest:         activationInterest(),
				RequiredServices: m.requiredServices(),
			},
		},
	}
}

// OnRegister resolves dependencies and subscribes the activation handler when enabled.
func (m *Module) OnRegister(ctx context.Context, runtime toolbox.ModuleRuntime) error {
	services := runtime.Services()
	if !m.loggerInjected {
		logger, err := toolbox.ResolveAs[*slog.Logger](services, toolbox.ServiceLogger)
		switch {
		case err == nil:
			m.logger = logger
		case !errors.Is(err, toolbox.ErrServiceNotFound):
			return fmt.Errorf("selection memory resolve logger: %w", err)
		}
	}
	m.logger = m.logger.With("module", moduleName)

	if m.flags == nil {
		flags, err := toolbox.ResolveAs[toolbox.FlagStore](services, toolbox.ServiceFlagStore)
		if err != nil {
			return fmt.Errorf("selection memory resolve flag store: %w", err)
		}
		m.flags = flags
	}
	if m.targets == nil {
		targets, err := toolbox.ResolveAs[toolbox.TargetRegistry](services, toolbox.ServiceTargetRegistry)
		if err != nil {
			return fmt.Errorf("selection memory resolve target registry: %w", err)
		}
		m.targets = targets
	}
	if m.authority == nil {
		authority, err := toolbox.ResolveAs[toolbox.Authority](services, toolbox.ServiceAuthority)
		if err != nil {
			return fmt.Errorf("selection memory resolve authority: %w", err)
		}
		m.authority = authority
	}

	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.runtime = runtime
	if m.enabled.Load() {
		if err := m.subscribeLocked(ctx); err != nil {
			return err
		}
	}

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	m.logger.Info("selection memory started", "enabled", m.Enabled())
	return nil
}

// OnShutdown closes the activation subscription.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	return m.unsubscribeLocked(ctx)
}

// Enabled reports whether activation changes are currently handled.
func (m *Module) Enabled() bool {
	return m.enabled.Load()
}

// SetEnabled subscribes or unsubscribes the activation handler.
// Setting the current value is a no-op.
func (m *Module) SetEnabled(ctx context.Context, enabled bool) error {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	if m.enabled.Load() == enabled {
		return nil
	}

	if m.runtime != nil {
		if enabled {
			if err := m.subscribeLocked(ctx); err != nil {
				return err
			}
		} else if err := m.unsubscribeLocked(ctx); err != nil {
			return err
		}
	}

	m.enabled.Store(enabled)
	m.logger.Info("selection memory toggled", "enabled", enabled)

	return nil
}

func (m *Module) subscribeLocked(ctx context.Context) error {
	if m.activation != nil {
		return nil
	}

	subscription, err := m.runtime.Subscribe(
		ctx,
		activationInterest(),
		toolbox.NewPerActorSubscriptionSpec(activationSubscription),
		m.handleActivation,
	)
	if err != nil {
		return fmt.Errorf("selection memory subscribe activation: %w", err)
	}
	m.activation = subscription

	return nil
}

func (m *Module) unsubscribeLocked(ctx context.Context) error {
	if m.activation == nil {
		return nil
	}

	if err := m.activation.Close(ctx); err != nil {
		return fmt.Errorf("selection memory close activation subscription: %w", err)
	}
	m.activation = nil

	return nil
}

func (m *Module) requiredServices() []string {
	var required []string
	if m.flags == nil {
		required = append(required, toolbox.ServiceFlagStore)
	}
	if m.targets == nil {
		required = append(required, toolbox.ServiceTargetRegistry)
	}
	if m.authority == nil {
		required = append(required, toolbox.ServiceAuthority)
	}

	return required
}

func activationInterest() toolbox.InterestSet {
	return toolbox.InterestSet{
		Kinds:         []toolbox.EventKind{toolbox.EventKindTokenControlChanged},
		RequireEntity: true,
	}
}

func settingsInterest() toolbox.InterestSet {
	return toolbox.InterestSet{
		Kinds:             []toolbox.EventKind{toolbox.EventKindSettingChanged},
		SettingNamespaces: []string{SettingNamespace},
	}
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(string, string) {}

func (noopMetrics) ObserveTargets(string, int) {}
