package selectionmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gm-toolbox/pkg/toolbox"
)

// callLog records stub calls across collaborators in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type flagStoreStub struct {
	log    *callLog
	values map[string]json.RawMessage
	getErr error
	setErr error
	delErr error
	// setDelay makes Set slow; like a network client it then fails on a done ctx.
	setDelay time.Duration
}

func newFlagStoreStub(log *callLog) *flagStoreStub {
	return &flagStoreStub{log: log, values: make(map[string]json.RawMessage)}
}

func (s *flagStoreStub) Get(_ context.Context, ref toolbox.FlagRef) (json.RawMessage, bool, error) {
	s.log.add("flags.get %s", ref)
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	value, ok := s.values[ref.String()]
	return value, ok, nil
}

func (s *flagStoreStub) Set(ctx context.Context, ref toolbox.FlagRef, value json.RawMessage) error {
	s.log.add("flags.set %s %s", ref, value)
	if s.setErr != nil {
		return s.setErr
	}
	if s.setDelay > 0 {
		time.Sleep(s.setDelay)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.values[ref.String()] = append(json.RawMessage(nil), value...)
	return nil
}

func (s *flagStoreStub) Unset(_ context.Context, ref toolbox.FlagRef) error {
	s.log.add("flags.unset %s", ref)
	if s.delErr != nil {
		return s.delErr
	}
	delete(s.values, ref.String())
	return nil
}

type targetRegistryStub struct {
	log        *callLog
	targets    map[string][]string
	currentErr error
	replaceErr error
}

func newTargetRegistryStub(log *callLog) *targetRegistryStub {
	return &targetRegistryStub{log: log, targets: make(map[string][]string)}
}

func (s *targetRegistryStub) CurrentTargets(_ context.Context, userID string) ([]string, error) {
	s.log.add("targets.current %s", userID)
	if s.currentErr != nil {
		return nil, s.currentErr
	}
	return append([]string(nil), s.targets[userID]...), nil
}

func (s *targetRegistryStub) ReplaceTargets(_ context.Context, userID string, targets []string) error {
	s.log.add("targets.replace %s %v", userID, targets)
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.targets[userID] = append([]string(nil), targets...)
	return nil
}

type authorityStub struct {
	log   *callLog
	allow bool
	err   error
}

func (s *authorityStub) CanModify(_ context.Context, actor toolbox.Actor, entity toolbox.Entity) (bool, error) {
	s.log.add("authority.can_modify %s %s", actor.ID, entity.ID)
	return s.allow, s.err
}

type runtimeStub struct {
	services      toolbox.ServiceRegistry
	subscribeErr  error
	subscriptions []*subscriptionStub
	interests     []toolbox.InterestSet
	specs         []toolbox.SubscriptionSpec
}

func (r *runtimeStub) Services() toolbox.ServiceRegistry {
	return r.services
}

func (r *runtimeStub) Subscribe(
	_ context.Context,
	interest toolbox.InterestSet,
	spec toolbox.SubscriptionSpec,
	_ toolbox.EventHandler,
) (toolbox.Subscription, error) {
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	subscription := &subscriptionStub{name: spec.Name}
	r.subscriptions = append(r.subscriptions, subscription)
	r.interests = append(r.interests, interest)
	r.specs = append(r.specs, spec)
	return subscription, nil
}

func (r *runtimeStub) active() int {
	count := 0
	for _, subscription := range r.subscriptions {
		if !subscription.closed {
			count++
		}
	}
	return count
}

type subscriptionStub struct {
	name   string
	closed bool
}

func (s *subscriptionStub) Name() string {
	return s.name
}

func (s *subscriptionStub) Close(context.Context) error {
	s.closed = true
	return nil
}

type serviceRegistryStub struct {
	values map[string]any
}

func newServiceRegistryStub() *serviceRegistryStub {
	return &serviceRegistryStub{values: make(map[string]any)}
}

func (s *serviceRegistryStub) Register(name string, service any) error {
	if name == "" {
		return errors.New("empty service name")
	}
	if _, exists := s.values[name]; exists {
		return toolbox.ErrServiceAlreadyRegistered
	}
	s.values[name] = service

	return nil
}

func (s *serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s.values[name]
	if !ok {
		return nil, toolbox.ErrServiceNotFound
	}

	return value, nil
}

type metricsStub struct {
	mu          sync.Mutex
	transitions map[string]int
	targets     map[string][]int
}

func newMetricsStub() *metricsStub {
	return &metricsStub{transitions: make(map[string]int), targets: make(map[string][]int)}
}

func (m *metricsStub) ObserveTransition(operation string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[operation+"/"+outcome]++
}

func (m *metricsStub) ObserveTargets(operation string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[operation] = append(m.targets[operation], count)
}

func (m *metricsStub) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions[key]
}

// fixture wires a module to stubs with an allowing authority.
type fixture struct {
	log       *callLog
	flags     *flagStoreStub
	targets   *targetRegistryStub
	authority *authorityStub
	metrics   *metricsStub
	logs      *bytes.Buffer
	module    *Module
}

func newFixture(options ...Option) *fixture {
	log := &callLog{}
	f := &fixture{
		log:       log,
		flags:     newFlagStoreStub(log),
		targets:   newTargetRegistryStub(log),
		authority: &authorityStub{log: log, allow: true},
		metrics:   newMetricsStub(),
		logs:      &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := []Option{
		WithLogger(logger),
		WithFlagStore(f.flags),
		WithTargetRegistry(f.targets),
		WithAuthority(f.authority),
		WithMetrics(f.metrics),
	}
	f.module = New(append(base, options...)...)

	return f
}

func (f *fixture) storedFlag(entityID string) (string, bool) {
	value, ok := f.flags.values[flagRef(toolbox.Entity{ID: entityID}).String()]
	return string(value), ok
}

func (f *fixture) storeFlag(entityID string, raw string) {
	f.flags.values[flagRef(toolbox.Entity{ID: entityID}).String()] = json.RawMessage(raw)
}
