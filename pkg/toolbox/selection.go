package toolbox

import "context"

// ServiceSelectionMemory is the canonical service registry key for selection memory.
const ServiceSelectionMemory = "toolbox.selection_memory"

// SelectionMemory remembers, per entity, which targets were active when the entity
// was last released, and restores them when the entity is selected again.
type SelectionMemory interface {
	// OnEntityActivationChanged saves or restores the entity's target memory.
	//
	// It returns after the underlying storage call completes. Permission misses and
	// corrupt stored state are handled internally and do not produce an error.
	OnEntityActivationChanged(ctx context.Context, actor Actor, entity Entity, active bool) error
	// ClearTargets removes the stored target memory of entity. It is idempotent.
	ClearTargets(ctx context.Context, entity Entity) error
	// SetEnabled attaches or detaches the activation listener.
	SetEnabled(ctx context.Context, enabled bool) error
	// Enabled reports whether the activation listener is attached.
	Enabled() bool
}
