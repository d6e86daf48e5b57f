package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"gm-toolbox/pkg/toolbox"
)

// Definition describes one configured driver entry.
type Definition struct {
	// Name is the stable configured driver instance identifier.
	Name string
	// Type identifies which builder should construct this runtime.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores driver-type-specific JSON payload.
	Config []byte
}

// HostSession is the per-runtime view of connected host users.
//
// It backs the target registry and permission services resolved by modules.
type HostSession interface {
	toolbox.TargetRegistry
	toolbox.Authority
	// HasUser reports whether the runtime has seen the user.
	HasUser(userID string) bool
}

// Runtime contains one fully built driver runtime instance.
type Runtime struct {
	// Source identifies the concrete event source produced by Driver.
	Source toolbox.EventSource
	// Driver is the inbound runtime implementation registered with kernel.
	Driver toolbox.Driver
	// Session exposes target and permission state for this runtime when supported.
	Session HostSession
}

// BuilderFunc builds one runtime from one configured driver definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor binds one driver type token to host metadata and a runtime builder.
type Descriptor struct {
	// Type is the driver type token from configuration (for example "foundry").
	Type string
	// Host is the neutral host family for this driver type.
	Host toolbox.Host
	// Builder constructs one runtime instance for this driver type.
	Builder BuilderFunc
}

type registryEntry struct {
	host    toolbox.Host
	builder BuilderFunc
}

// Registry maps driver types to runtime builders and type-level host metadata.
type Registry struct {
	entries map[string]registryEntry
	types   []string
}

// NewRegistry creates one immutable driver registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	entries := make(map[string]registryEntry, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Host == "" {
			return nil, fmt.Errorf("new registry type %s: empty host", descriptor.Type)
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := entries[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}

		entries[descriptor.Type] = registryEntry{
			host:    descriptor.Host,
			builder: descriptor.Builder,
		}
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{
		entries: entries,
		types:   types,
	}, nil
}

// Types returns all registered driver types in deterministic sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, len(r.types))
	copy(types, r.types)

	return types
}

// HostForType resolves one registered driver type to its neutral host family.
func (r *Registry) HostForType(driverType string) (toolbox.Host, error) {
	if r == nil {
		return "", fmt.Errorf("resolve host: nil registry")
	}

	entry, exists := r.entries[driverType]
	if !exists {
		return "", fmt.Errorf("unsupported type %s", driverType)
	}

	return entry.host, nil
}

// BuildEnabled builds all enabled driver definitions.
func (r *Registry) BuildEnabled(
	ctx context.Context,
	definitions []Definition,
	logger *slog.Logger,
) ([]Runtime, error) {
	if r == nil {
		return nil, fmt.Errorf("build drivers: nil registry")
	}

	runtimes := make([]Runtime, 0, len(definitions))
	seenNames := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build driver: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return nil, fmt.Errorf("build driver %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if definition.Type == "" {
			return nil, fmt.Errorf("build driver %s: empty type", definition.Name)
		}

		entry, exists := r.entries[definition.Type]
		if !exists {
			return nil, fmt.Errorf("build driver %s type %s: unsupported type", definition.Name, definition.Type)
		}

		runtime, err := entry.builder(ctx, definition, logger)
		if err != nil {
			return nil, fmt.Errorf("build driver %s type %s: %w", definition.Name, definition.Type, err)
		}
		if runtime.Driver == nil {
			return nil, fmt.Errorf("build driver %s type %s: nil driver", definition.Name, definition.Type)
		}
		if runtime.Source.Host == "" {
			runtime.Source.Host = entry.host
		}
		if runtime.Source.ID == "" {
			runtime.Source.ID = definition.Name
		}

		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

type sessionRoute struct {
	source  toolbox.EventSource
	session HostSession
}

// CompositeHost routes target and permission calls to the runtime that knows the user.
type CompositeHost struct {
	routes []sessionRoute
}

// NewCompositeHost creates a composite host from runtime sessions.
func NewCompositeHost(runtimes []Runtime) (*CompositeHost, error) {
	routes := make([]sessionRoute, 0, len(runtimes))
	seen := make(map[string]struct{}, len(runtimes))
	for _, runtime := range runtimes {
		if runtime.Session == nil {
			continue
		}
		if runtime.Source.ID == "" {
			return nil, fmt.Errorf("new composite host: missing source id")
		}
		if _, exists := seen[runtime.Source.ID]; exists {
			return nil, fmt.Errorf("new composite host: duplicate source id %s", runtime.Source.ID)
		}
		seen[runtime.Source.ID] = struct{}{}
		routes = append(routes, sessionRoute{source: runtime.Source, session: runtime.Session})
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].source.ID < routes[j].source.ID
	})

	return &CompositeHost{routes: routes}, nil
}

// Sources returns the sources that carry a session, sorted by id.
func (h *CompositeHost) Sources() []toolbox.EventSource {
	sources := make([]toolbox.EventSource, 0, len(h.routes))
	for _, route := range h.routes {
		sources = append(sources, route.source)
	}

	return sources
}

// CurrentTargets returns the current targets of the user on the routed runtime.
func (h *CompositeHost) CurrentTargets(ctx context.Context, userID string) ([]string, error) {
	session, err := h.resolve(userID)
	if err != nil {
		return nil, fmt.Errorf("resolve host for current targets: %w", err)
	}

	targets, err := session.CurrentTargets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("route current targets: %w", err)
	}

	return targets, nil
}

// ReplaceTargets replaces the targets of the user on the routed runtime.
func (h *CompositeHost) ReplaceTargets(ctx context.Context, userID string, targets []string) error {
	session, err := h.resolve(userID)
	if err != nil {
		return fmt.Errorf("resolve host for replace targets: %w", err)
	}

	if err := session.ReplaceTargets(ctx, userID, targets); err != nil {
		return fmt.Errorf("route replace targets: %w", err)
	}

	return nil
}

// CanModify asks the routed runtime whether actor may modify entity.
func (h *CompositeHost) CanModify(ctx context.Context, actor toolbox.Actor, entity toolbox.Entity) (bool, error) {
	session, err := h.resolve(actor.ID)
	if err != nil {
		return false, fmt.Errorf("resolve host for permission check: %w", err)
	}

	allowed, err := session.CanModify(ctx, actor, entity)
	if err != nil {
		return false, fmt.Errorf("route permission check: %w", err)
	}

	return allowed, nil
}

func (h *CompositeHost) resolve(userID string) (HostSession, error) {
	if h == nil {
		return nil, fmt.Errorf("nil host")
	}
	if len(h.routes) == 0 {
		return nil, fmt.Errorf("no host sessions configured")
	}
	if len(h.routes) == 1 {
		return h.routes[0].session, nil
	}

	var matched []sessionRoute
	for _, route := range h.routes {
		if route.session.HasUser(userID) {
			matched = append(matched, route)
		}
	}
	switch len(matched) {
	case 0:
		return nil, fmt.Errorf("user %s not known to any host", userID)
	case 1:
		return matched[0].session, nil
	default:
		return nil, fmt.Errorf("user %s ambiguous across hosts %s and %s", userID, matched[0].source.ID, matched[1].source.ID)
	}
}
