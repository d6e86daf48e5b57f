package selectionmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"gm-toolbox/pkg/toolbox"
)

const (
	operationRestore = "restore"
	operationSave    = "save"
	operationClear   = "clear"
	operationSkip    = "skip"

	outcomeRestored = "restored"
	outcomeAbsent   = "absent"
	outcomeCorrupt  = "corrupt"
	outcomeSaved    = "saved"
	outcomeCleared  = "cleared"
	outcomeDenied   = "denied"
	outcomeDisabled = "disabled"
	outcomeError    = "error"
)

// OnEntityActivationChanged restores the remembered targets when entity becomes
// active and saves them when it becomes inactive. It returns once storage has
// completed. Disabled modules and actors without permission are no-ops.
//
// Cancelling ctx does not interrupt a transition: save clears the live targets
// before writing them, so stopping between the two would lose them.
func (m *Module) OnEntityActivationChanged(
	ctx context.Context,
	actor toolbox.Actor,
	entity toolbox.Entity,
	active bool,
) error {
	if !m.Enabled() {
		m.metrics.ObserveTransition(operationSkip, outcomeDisabled)
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	if err := m.ready(); err != nil {
		return err
	}

	allowed, err := m.authority.CanModify(ctx, actor, entity)
	if err != nil {
		m.metrics.ObserveTransition(operationSkip, outcomeError)
		return fmt.Errorf("selection memory check permission on %s: %w", entity.ID, err)
	}
	if !allowed {
		m.metrics.ObserveTransition(operationSkip, outcomeDenied)
		m.logger.DebugContext(ctx, "selection memory skipped",
			"entity", entity.ID,
			"user", actor.ID,
			"error", toolbox.ErrPermissionDenied,
		)
		return nil
	}

	if active {
		return m.restore(ctx, actor, entity)
	}

	return m.save(ctx, actor, entity)
}

// ClearTargets removes the remembered targets of entity. Clearing an entity
// without remembered targets succeeds.
func (m *Module) ClearTargets(ctx context.Context, entity toolbox.Entity) error {
	if err := m.ready(); err != nil {
		return err
	}

	if err := m.flags.Unset(ctx, flagRef(entity)); err != nil {
		m.metrics.ObserveTransition(operationClear, outcomeError)
		return fmt.Errorf("selection memory clear %s: %w", entity.ID, err)
	}
	m.metrics.ObserveTransition(operationClear, outcomeCleared)

	return nil
}

// restore replaces the actor's targets with the stored list. Absent values
// leave the current targets untouched; corrupt values are removed.
func (m *Module) restore(ctx context.Context, actor toolbox.Actor, entity toolbox.Entity) error {
	ref := flagRef(entity)
	raw, found, err := m.flags.Get(ctx, ref)
	if err != nil {
		m.metrics.ObserveTransition(operationRestore, outcomeError)
		return fmt.Errorf("selection memory restore %s: %w", entity.ID, err)
	}
	if !found || isJSONNull(raw) {
		m.metrics.ObserveTransition(operationRestore, outcomeAbsent)
		return nil
	}

	targets, err := decodeTargetSet(raw)
	if err != nil {
		m.logger.WarnContext(ctx, "stored target set is corrupt, clearing it",
			"entity", entity.ID,
			"scene", entity.SceneID,
			"user", actor.ID,
			"error", err,
		)
		if unsetErr := m.flags.Unset(ctx, ref); unsetErr != nil {
			m.metrics.ObserveTransition(operationRestore, outcomeError)
			return fmt.Errorf("selection memory clear corrupt %s: %w", entity.ID, unsetErr)
		}
		m.metrics.ObserveTransition(operationRestore, outcomeCorrupt)
		return nil
	}

	if err := m.targets.ReplaceTargets(ctx, actor.ID, targets); err != nil {
		m.metrics.ObserveTransition(operationRestore, outcomeError)
		return fmt.Errorf("selection memory restore %s replace targets: %w", entity.ID, err)
	}
	m.metrics.ObserveTransition(operationRestore, outcomeRestored)
	m.metrics.ObserveTargets(operationRestore, len(targets))
	m.logger.DebugContext(ctx, "targets restored",
		"entity", entity.ID,
		"user", actor.ID,
		"targets", targets,
	)

	return nil
}

// save snapshots the actor's targets, clears them, then stores the snapshot.
func (m *Module) save(ctx context.Context, actor toolbox.Actor, entity toolbox.Entity) error {
	current, err := m.targets.CurrentTargets(ctx, actor.ID)
	if err != nil {
		m.metrics.ObserveTransition(operationSave, outcomeError)
		return fmt.Errorf("selection memory save %s read targets: %w", entity.ID, err)
	}
	snapshot := toolbox.TargetSet(current).Clone()
	if snapshot == nil {
		snapshot = toolbox.TargetSet{}
	}

	if err := m.targets.ReplaceTargets(ctx, actor.ID, nil); err != nil {
		m.metrics.ObserveTransition(operationSave, outcomeError)
		return fmt.Errorf("selection memory save %s clear targets: %w", entity.ID, err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		m.metrics.ObserveTransition(operationSave, outcomeError)
		return fmt.Errorf("selection memory save %s encode: %w", entity.ID, err)
	}
	if err := m.flags.Set(ctx, flagRef(entity), payload); err != nil {
		m.metrics.ObserveTransition(operationSave, outcomeError)
		return fmt.Errorf("selection memory save %s: %w", entity.ID, err)
	}
	m.metrics.ObserveTransition(operationSave, outcomeSaved)
	m.metrics.ObserveTargets(operationSave, len(snapshot))
	m.logger.DebugContext(ctx, "targets saved",
		"entity", entity.ID,
		"user", actor.ID,
		"targets", []string(snapshot),
	)

	return nil
}

func (m *Module) handleActivation(ctx context.Context, event *toolbox.Event) error {
	if event == nil || event.Entity == nil || event.Control == nil {
		return nil
	}

	return m.OnEntityActivationChanged(ctx, event.Actor, *event.Entity, event.Control.Controlled)
}

func (m *Module) ready() error {
	if m.flags == nil || m.targets == nil || m.authority == nil {
		return fmt.Errorf("selection memory: dependencies not resolved")
	}

	return nil
}

func flagRef(entity toolbox.Entity) toolbox.FlagRef {
	return toolbox.FlagRef{
		EntityID: entity.ID,
		Scope:    FlagScope,
		Key:      FlagKey,
	}
}

// decodeTargetSet accepts only a JSON array of strings.
func decodeTargetSet(raw json.RawMessage) (toolbox.TargetSet, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: not a list", toolbox.ErrCorruptTargetSet)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", toolbox.ErrCorruptTargetSet, err)
	}

	targets := make(toolbox.TargetSet, 0, len(items))
	for idx, item := range items {
		if len(item) == 0 || item[0] != '"' {
			return nil, fmt.Errorf("%w: element %d is not an id", toolbox.ErrCorruptTargetSet, idx)
		}
		var id string
		if err := json.Unmarshal(item, &id); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", toolbox.ErrCorruptTargetSet, idx, err)
		}
		targets = append(targets, id)
	}

	return targets, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
