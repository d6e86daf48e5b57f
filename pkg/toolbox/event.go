package toolbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a neutral host event type.
type EventKind string

const (
	// EventKindTokenControlChanged is emitted when a token is selected or released by a user.
	EventKindTokenControlChanged EventKind = "token.control.changed"
	// EventKindTokenTargetChanged is emitted when a user targets or untargets a token by hand.
	EventKindTokenTargetChanged EventKind = "token.target.changed"
	// EventKindSettingChanged is emitted when a client setting value changes.
	EventKindSettingChanged EventKind = "setting.changed"
)

// Host identifies the virtual-tabletop host family that produced an event.
type Host string

const (
	// HostFoundry is the Foundry virtual tabletop bridge.
	HostFoundry Host = "foundry"
)

// EventSource identifies one configured host connection.
type EventSource struct {
	// Host is the host family.
	Host Host
	// ID is the configured driver instance name.
	ID string
}

// Event is the neutral envelope that drivers publish and modules consume.
//
// Control, Target, and Setting are optional payload branches selected by Kind.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// OccurredAt is when the host reported the event.
	OccurredAt time.Time
	// Source identifies the driver instance that produced the event.
	Source EventSource
	// Actor is the user whose client emitted the hook.
	Actor Actor
	// Entity is the token the event refers to, when any.
	Entity *Entity
	// Control carries selection state for token control events.
	Control *ControlChange
	// Target carries targeting state for token target events.
	Target *TargetChange
	// Setting carries the new value for setting change events.
	Setting *SettingChange
	// Metadata stores optional driver-provided key/value context.
	Metadata map[string]string
}

// Actor identifies the acting user of a host session.
type Actor struct {
	// ID is the stable host user identifier.
	ID string
	// Name is a best-effort display label.
	Name string
}

// ControlChange describes a token selection transition.
type ControlChange struct {
	// Controlled reports the new selection state.
	Controlled bool
}

// TargetChange describes a manual targeting transition.
type TargetChange struct {
	// Targeted reports whether the token is now targeted by the actor.
	Targeted bool
}

// SettingChange carries one setting update.
type SettingChange struct {
	// Namespace is the owning plugin namespace.
	Namespace string
	// Key is the setting key inside Namespace.
	Key string
	// Value is the raw JSON value reported by the host.
	Value json.RawMessage
}

// Validate checks the event envelope and the payload branch required by Kind.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if e.Actor.ID == "" {
		return fmt.Errorf("%w: missing actor id", ErrInvalidEvent)
	}

	switch e.Kind {
	case EventKindTokenControlChanged:
		if err := e.requireEntity(); err != nil {
			return err
		}
		if e.Control == nil {
			return fmt.Errorf("%w: %s missing control payload", ErrInvalidEvent, e.Kind)
		}
	case EventKindTokenTargetChanged:
		if err := e.requireEntity(); err != nil {
			return err
		}
		if e.Target == nil {
			return fmt.Errorf("%w: %s missing target payload", ErrInvalidEvent, e.Kind)
		}
	case EventKindSettingChanged:
		if e.Setting == nil {
			return fmt.Errorf("%w: %s missing setting payload", ErrInvalidEvent, e.Kind)
		}
		if e.Setting.Namespace == "" || e.Setting.Key == "" {
			return fmt.Errorf("%w: %s missing setting namespace or key", ErrInvalidEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %s", ErrInvalidEvent, e.Kind)
	}

	return nil
}

func (e *Event) requireEntity() error {
	if e.Entity == nil {
		return fmt.Errorf("%w: %s missing entity", ErrInvalidEvent, e.Kind)
	}
	if e.Entity.ID == "" {
		return fmt.Errorf("%w: %s missing entity id", ErrInvalidEvent, e.Kind)
	}

	return nil
}
