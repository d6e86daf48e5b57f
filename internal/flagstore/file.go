package flagstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gm-toolbox/pkg/toolbox"
)

// FileStore keeps flags in memory and rewrites one JSON document on every change.
//
// The document maps entity ids to "<scope>.<key>" fields holding raw values.
type FileStore struct {
	memory *MemoryStore
	path   string
}

// OpenFileStore loads path, creating parent directories. A missing file starts empty.
func OpenFileStore(path string) (*FileStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("open file flag store: empty path")
	}
	absolute, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("open file flag store %s: %w", trimmed, err)
	}
	if err := os.MkdirAll(filepath.Dir(absolute), 0o755); err != nil {
		return nil, fmt.Errorf("open file flag store %s: create dir: %w", absolute, err)
	}

	store := &FileStore{
		memory: NewMemoryStore(),
		path:   absolute,
	}

	raw, err := os.ReadFile(absolute)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return store, nil
	case err != nil:
		return nil, fmt.Errorf("open file flag store %s: read: %w", absolute, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return store, nil
	}

	var document map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("open file flag store %s: decode: %w", absolute, err)
	}
	for entityID, fields := range document {
		if len(fields) == 0 {
			continue
		}
		store.memory.entities[entityID] = fields
	}

	return store, nil
}

// Path returns the absolute document path.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns a copy of the stored value.
func (s *FileStore) Get(ctx context.Context, ref toolbox.FlagRef) (json.RawMessage, bool, error) {
	return s.memory.Get(ctx, ref)
}

// Set stores value and persists the document.
func (s *FileStore) Set(ctx context.Context, ref toolbox.FlagRef, value json.RawMessage) error {
	if err := checkRef(ctx, "set", ref); err != nil {
		return err
	}
	if err := checkValue(ref, value); err != nil {
		return err
	}

	s.memory.mu.Lock()
	defer s.memory.mu.Unlock()

	previous, hadPrevious := s.memory.entities[ref.EntityID][fieldName(ref)]
	s.memory.setLocked(ref, value)
	if err := s.persistLocked(); err != nil {
		if hadPrevious {
			s.memory.setLocked(ref, previous)
		} else {
			s.memory.unsetLocked(ref)
		}
		return fmt.Errorf("set flag %s: %w", ref, err)
	}

	return nil
}

// Unset removes the flag and persists the document when it changed.
func (s *FileStore) Unset(ctx context.Context, ref toolbox.FlagRef) error {
	if err := checkRef(ctx, "unset", ref); err != nil {
		return err
	}

	s.memory.mu.Lock()
	defer s.memory.mu.Unlock()

	previous, hadPrevious := s.memory.entities[ref.EntityID][fieldName(ref)]
	if !s.memory.unsetLocked(ref) {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		if hadPrevious {
			s.memory.setLocked(ref, previous)
		}
		return fmt.Errorf("unset flag %s: %w", ref, err)
	}

	return nil
}

// Close is a no-op; every change is already on disk.
func (s *FileStore) Close() error {
	return nil
}

// persistLocked writes the document through a temp file and rename.
func (s *FileStore) persistLocked() error {
	payload, err := json.MarshalIndent(s.memory.entities, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	temp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(payload); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("replace document: %w", err)
	}

	return nil
}
