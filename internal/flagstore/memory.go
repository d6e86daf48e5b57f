package flagstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gm-toolbox/pkg/toolbox"
)

// MemoryStore keeps flags in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory flag store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]map[string]json.RawMessage),
	}
}

// Get returns a copy of the stored value.
func (s *MemoryStore) Get(ctx context.Context, ref toolbox.FlagRef) (json.RawMessage, bool, error) {
	if err := checkRef(ctx, "get", ref); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.entities[ref.EntityID][fieldName(ref)]
	if !exists {
		return nil, false, nil
	}

	return cloneRaw(value), true, nil
}

// Set stores a copy of value, replacing any previous one.
func (s *MemoryStore) Set(ctx context.Context, ref toolbox.FlagRef, value json.RawMessage) error {
	if err := checkRef(ctx, "set", ref); err != nil {
		return err
	}
	if err := checkValue(ref, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(ref, value)
	return nil
}

// Unset removes the flag. Removing an absent flag succeeds.
func (s *MemoryStore) Unset(ctx context.Context, ref toolbox.FlagRef) error {
	if err := checkRef(ctx, "unset", ref); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsetLocked(ref)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) setLocked(ref toolbox.FlagRef, value json.RawMessage) {
	fields, exists := s.entities[ref.EntityID]
	if !exists {
		fields = make(map[string]json.RawMessage)
		s.entities[ref.EntityID] = fields
	}
	fields[fieldName(ref)] = cloneRaw(value)
}

func (s *MemoryStore) unsetLocked(ref toolbox.FlagRef) bool {
	fields, exists := s.entities[ref.EntityID]
	if !exists {
		return false
	}
	field := fieldName(ref)
	if _, exists := fields[field]; !exists {
		return false
	}
	delete(fields, field)
	if len(fields) == 0 {
		delete(s.entities, ref.EntityID)
	}

	return true
}

// fieldName is the per-entity address of a flag.
func fieldName(ref toolbox.FlagRef) string {
	return ref.Scope + "." + ref.Key
}

func checkRef(ctx context.Context, op string, ref toolbox.FlagRef) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s flag %s: %w", op, ref, err)
	}
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%s flag: %w", op, err)
	}

	return nil
}

func checkValue(ref toolbox.FlagRef, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("set flag %s: value is not valid json", ref)
	}

	return nil
}

func cloneRaw(value json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), value...)
}
