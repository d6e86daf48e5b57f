package toolbox

import (
	"context"
	"time"
)

// SubscriptionSpec configures a single consumer subscription.
//
// Events are spread over Lanes by actor id, so one user's events are always
// handled in publish order. Publishing blocks while the chosen lane is full.
// Zero values are replaced by kernel defaults at subscribe time.
type SubscriptionSpec struct {
	Name string
	// Buffer is the queue depth of each lane.
	Buffer int
	// Lanes is the number of handler goroutines.
	Lanes int
	// HandlerTimeout bounds one handler call. Ignored with RunToCompletion.
	HandlerTimeout time.Duration
	// RunToCompletion detaches handler calls from timeouts and from Close:
	// a started call always finishes and Close waits for it.
	RunToCompletion bool
}

// NewDefaultSubscriptionSpec returns a named spec that inherits every kernel default.
func NewDefaultSubscriptionSpec(name string) SubscriptionSpec {
	return SubscriptionSpec{Name: name}
}

// NewOrderedSubscriptionSpec returns a named single-lane spec whose handlers run
// to completion. Every event is handled one at a time in publish order.
func NewOrderedSubscriptionSpec(name string) SubscriptionSpec {
	return SubscriptionSpec{
		Name:            name,
		Lanes:           1,
		RunToCompletion: true,
	}
}

// NewPerActorSubscriptionSpec returns a named spec whose handlers run to
// completion on the default lane count. Events of different users may be
// handled concurrently, events of one user never are.
func NewPerActorSubscriptionSpec(name string) SubscriptionSpec {
	return SubscriptionSpec{
		Name:            name,
		RunToCompletion: true,
	}
}

// Subscription controls an active event stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// SettlingSink is an EventSink that can also wait for handlers to finish.
//
// Drivers use it for events whose handlers read or replace host state that
// later frames of the same user would otherwise race with.
type SettlingSink interface {
	EventSink
	// PublishAndWait publishes event and blocks until every matching handler
	// has returned or ctx ends. Handler errors are reported asynchronously.
	PublishAndWait(ctx context.Context, event *Event) error
}

// EventBus is the asynchronous pub/sub contract used by the kernel.
type EventBus interface {
	SettlingSink
	// Subscribe registers a handler with bounded buffering semantics.
	Subscribe(
		ctx context.Context,
		interest InterestSet,
		spec SubscriptionSpec,
		handler EventHandler,
	) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}
