package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"gm-toolbox/pkg/toolbox"
)

// EventBus fans neutral events out to subscriptions.
//
// Each subscription owns a fixed set of lanes. An event goes to the lane picked
// by its actor id, so a user's token selections reach a handler in the order the
// host reported them while other users proceed on other lanes.
type EventBus struct {
	mu            sync.RWMutex
	closed        bool
	serial        int64
	subscriptions map[int64]*laneSubscription

	defaults     toolbox.SubscriptionSpec
	onAsyncError func(context.Context, string, error)
}

// NewEventBus creates a bus whose subscriptions inherit zero fields from defaults.
func NewEventBus(defaults toolbox.SubscriptionSpec, onAsyncError func(context.Context, string, error)) *EventBus {
	if defaults.Buffer <= 0 {
		defaults.Buffer = defaultSubscriptionBuffer
	}
	if defaults.Lanes <= 0 {
		defaults.Lanes = defaultSubscriptionLanes
	}
	if onAsyncError == nil {
		onAsyncError = func(context.Context, string, error) {}
	}

	return &EventBus{
		subscriptions: make(map[int64]*laneSubscription),
		defaults:      defaults,
		onAsyncError:  onAsyncError,
	}
}

// Publish queues event on every matching subscription. It blocks while a
// target lane is full and gives up when ctx ends.
func (b *EventBus) Publish(ctx context.Context, event *toolbox.Event) error {
	return b.dispatch(ctx, event, nil)
}

// PublishAndWait queues event like Publish and then waits until every
// matching handler has returned or ctx ends.
func (b *EventBus) PublishAndWait(ctx context.Context, event *toolbox.Event) error {
	pending := &sync.WaitGroup{}
	if err := b.dispatch(ctx, event, pending); err != nil {
		return err
	}

	settled := make(chan struct{})
	go func() {
		pending.Wait()
		close(settled)
	}()

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settle event %s: %w", event.ID, ctx.Err())
	}
}

func (b *EventBus) dispatch(ctx context.Context, event *toolbox.Event, pending *sync.WaitGroup) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish %s %s: %w", event.Kind, event.ID, toolbox.ErrSubscriptionClosed)
	}
	matched := make([]*laneSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.interest.Matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	var publishErr error
	for _, sub := range matched {
		item := queuedEvent{event: event}
		if pending != nil {
			pending.Add(1)
			item.settle = pending.Done
		}

		err := sub.enqueue(ctx, item)
		if err == nil {
			continue
		}
		item.done()
		if errors.Is(err, toolbox.ErrSubscriptionClosed) {
			// Closed mid-publish: report, do not fail the driver.
			b.onAsyncError(ctx, sub.spec.Name, err)
			continue
		}
		publishErr = errors.Join(publishErr, err)
	}
	if publishErr != nil {
		return fmt.Errorf("publish %s %s: %w", event.Kind, event.ID, publishErr)
	}

	return nil
}

// Subscribe registers handler for events matching interest.
func (b *EventBus) Subscribe(
	_ context.Context,
	interest toolbox.InterestSet,
	spec toolbox.SubscriptionSpec,
	handler toolbox.EventHandler,
) (toolbox.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: %w: nil handler", spec.Name, toolbox.ErrInvalidSubscription)
	}
	if spec.Buffer < 0 || spec.Lanes < 0 || spec.HandlerTimeout < 0 {
		return nil, fmt.Errorf("subscribe %s: %w: negative spec field", spec.Name, toolbox.ErrInvalidSubscription)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, toolbox.ErrSubscriptionClosed)
	}
	b.serial++
	id := b.serial
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer == 0 {
		spec.Buffer = b.defaults.Buffer
	}
	if spec.Lanes == 0 {
		spec.Lanes = b.defaults.Lanes
	}
	if spec.HandlerTimeout == 0 {
		spec.HandlerTimeout = b.defaults.HandlerTimeout
	}

	sub := newLaneSubscription(interest, spec, handler, b.onAsyncError, func() {
		b.mu.Lock()
		delete(b.subscriptions, id)
		b.mu.Unlock()
	})
	b.subscriptions[id] = sub

	return sub, nil
}

// Close rejects further publishes and closes every subscription, waiting for
// run-to-completion handlers until ctx ends.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*laneSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var closeErr error
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if closeErr != nil {
		return fmt.Errorf("close event bus: %w", closeErr)
	}

	return nil
}

// queuedEvent is one lane entry. settle is set for PublishAndWait callers.
type queuedEvent struct {
	event  *toolbox.Event
	settle func()
}

func (q queuedEvent) done() {
	if q.settle != nil {
		q.settle()
	}
}

// laneSubscription runs one handler goroutine per lane.
type laneSubscription struct {
	interest toolbox.InterestSet
	spec     toolbox.SubscriptionSpec
	handler  toolbox.EventHandler
	report   func(context.Context, string, error)
	detach   func()

	lanes []chan queuedEvent

	// ctx is canceled on Close for handlers that do not run to completion.
	ctx    context.Context
	cancel context.CancelFunc

	// gate orders enqueue against Close: stopping aborts blocked senders,
	// sealed is closed once no sender can reach a lane anymore.
	gate         sync.RWMutex
	intakeClosed bool
	stopping     chan struct{}
	sealed       chan struct{}
	once         sync.Once

	workers sync.WaitGroup
	done    chan struct{}
}

func newLaneSubscription(
	interest toolbox.InterestSet,
	spec toolbox.SubscriptionSpec,
	handler toolbox.EventHandler,
	report func(context.Context, string, error),
	detach func(),
) *laneSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &laneSubscription{
		interest: cloneInterestSet(interest),
		spec:     spec,
		handler:  handler,
		report:   report,
		detach:   detach,
		lanes:    make([]chan queuedEvent, spec.Lanes),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
		sealed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for idx := range sub.lanes {
		sub.lanes[idx] = make(chan queuedEvent, spec.Buffer)
		sub.workers.Add(1)
		go sub.runLane(idx)
	}
	go func() {
		sub.workers.Wait()
		close(sub.done)
	}()

	return sub
}

// Name returns the subscription identifier.
func (s *laneSubscription) Name() string {
	return s.spec.Name
}

// Close stops intake, drops events no lane has started, and waits for lanes to
// exit until ctx ends. Repeated calls only wait.
func (s *laneSubscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		close(s.stopping)
		s.gate.Lock()
		s.intakeClosed = true
		s.gate.Unlock()
		close(s.sealed)
		if !s.spec.RunToCompletion {
			s.cancel()
		}
		s.detach()
	})

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close subscription %s: %w", s.spec.Name, ctx.Err())
	}
}

// laneFor keeps every event of one actor on the same lane.
func (s *laneSubscription) laneFor(event *toolbox.Event) chan queuedEvent {
	if len(s.lanes) == 1 {
		return s.lanes[0]
	}

	return s.lanes[xxhash.Sum64String(event.Actor.ID)%uint64(len(s.lanes))]
}

func (s *laneSubscription) enqueue(ctx context.Context, item queuedEvent) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.intakeClosed {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, toolbox.ErrSubscriptionClosed)
	}

	select {
	case s.laneFor(item.event) <- item:
		return nil
	case <-s.stopping:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, toolbox.ErrSubscriptionClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
	}
}

func (s *laneSubscription) runLane(idx int) {
	defer s.workers.Done()

	lane := s.lanes[idx]
	for {
		select {
		case item := <-lane:
			if s.isStopping() {
				item.done()
				continue
			}
			s.handle(idx, item)
		case <-s.stopping:
			<-s.sealed
			for {
				select {
				case item := <-lane:
					item.done()
				default:
					return
				}
			}
		}
	}
}

func (s *laneSubscription) isStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

func (s *laneSubscription) handle(idx int, item queuedEvent) {
	defer item.done()

	ctx := s.ctx
	cancel := func() {}
	switch {
	case s.spec.RunToCompletion:
		ctx = context.WithoutCancel(s.ctx)
	case s.spec.HandlerTimeout > 0:
		ctx, cancel = context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
	}
	defer cancel()

	err := runSafely(fmt.Sprintf("subscription %s lane %d event %s", s.spec.Name, idx, item.event.ID), func() error {
		return s.handler(ctx, item.event)
	})
	if err != nil {
		s.report(ctx, s.spec.Name, err)
	}
}

func cloneInterestSet(interest toolbox.InterestSet) toolbox.InterestSet {
	clone := interest
	clone.Kinds = append([]toolbox.EventKind(nil), interest.Kinds...)
	clone.Sources = append([]toolbox.EventSource(nil), interest.Sources...)
	clone.SettingNamespaces = append([]string(nil), interest.SettingNamespaces...)

	return clone
}
