package toolbox

import (
	"context"
	"fmt"
)

// Entity is a selectable in-scene object such as a token.
type Entity struct {
	// ID is the stable unique identifier of the entity.
	ID string
	// SceneID is the scene that contains the entity when known.
	SceneID string
	// Name is a best-effort display label.
	Name string
}

// TargetSet is the ordered list of target identifiers remembered for one entity.
type TargetSet []string

// Clone returns an independent copy. A nil set stays nil.
func (s TargetSet) Clone() TargetSet {
	if s == nil {
		return nil
	}

	return append(TargetSet(make([]string, 0, len(s))), s...)
}

// TargetRegistry owns the per-user "currently targeted" sets of a host session.
//
// Implementations must apply ReplaceTargets atomically: no reader may observe a
// partially replaced set.
type TargetRegistry interface {
	// CurrentTargets returns the user's targeted identifiers in enumeration order.
	CurrentTargets(ctx context.Context, userID string) ([]string, error)
	// ReplaceTargets replaces the user's targeted set with exactly targets.
	// A nil or empty slice clears the set.
	ReplaceTargets(ctx context.Context, userID string, targets []string) error
}

// Authority answers ownership questions delegated to the host.
type Authority interface {
	// CanModify reports whether actor may persist flags on entity.
	CanModify(ctx context.Context, actor Actor, entity Entity) (bool, error)
}

// FlagRef addresses one persisted flag on one entity.
type FlagRef struct {
	// EntityID is the entity that carries the flag.
	EntityID string
	// Scope is the owning plugin namespace.
	Scope string
	// Key is the flag name inside Scope.
	Key string
}

// Validate checks that every address part is present.
func (r FlagRef) Validate() error {
	if r.EntityID == "" {
		return fmt.Errorf("%w: missing entity id", ErrInvalidFlagRef)
	}
	if r.Scope == "" {
		return fmt.Errorf("%w: missing scope", ErrInvalidFlagRef)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidFlagRef)
	}

	return nil
}

// String returns the canonical "<entity>/<scope>.<key>" form used in logs.
func (r FlagRef) String() string {
	return r.EntityID + "/" + r.Scope + "." + r.Key
}
