package foundry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"gm-toolbox/pkg/toolbox"
)

// Session tracks per-user bridge state: current targets, token ownership, and
// the connections that receive target replacements.
//
// It implements toolbox.TargetRegistry and toolbox.Authority for the driver's host.
type Session struct {
	mu    sync.RWMutex
	users map[string]*userState

	onPushError func(userID string, err error)
}

type userState struct {
	targets []string
	owned   map[string]bool
	clients map[*client]struct{}
}

// NewSession creates an empty session hub.
func NewSession() *Session {
	return &Session{
		users:       make(map[string]*userState),
		onPushError: func(string, error) {},
	}
}

// Observe folds one inbound frame into session state.
//
// Hello frames seed the target set and target frames add or remove the token
// from the user's current targets. Ownership changes only when a frame states
// it; a controlToken frame without is_owner counts as not owned.
func (s *Session) Observe(frame Frame) {
	if s == nil || frame.User == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.userLocked(frame.User)
	if frame.Token != nil && frame.Token.ID != "" {
		switch {
		case frame.Token.IsOwner != nil:
			state.owned[frame.Token.ID] = *frame.Token.IsOwner
		case frame.Type == FrameTypeControlToken:
			state.owned[frame.Token.ID] = false
		}
	}

	switch frame.Type {
	case FrameTypeHello:
		state.targets = dedupe(frame.Targets)
	case FrameTypeTargetToken:
		if frame.Token == nil || frame.Targeted == nil {
			return
		}
		index := slices.Index(state.targets, frame.Token.ID)
		switch {
		case *frame.Targeted && index < 0:
			state.targets = append(state.targets, frame.Token.ID)
		case !*frame.Targeted && index >= 0:
			state.targets = slices.Delete(state.targets, index, index+1)
		}
	}
}

// HasUser reports whether any frame from userID has been observed.
func (s *Session) HasUser(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.users[userID]
	return exists
}

// CurrentTargets returns a copy of the user's targets in enumeration order.
// Unknown users have no targets.
func (s *Session) CurrentTargets(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("current targets: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.users[userID]
	if !exists {
		return []string{}, nil
	}

	return append([]string{}, state.targets...), nil
}

// ReplaceTargets swaps the user's whole target set and pushes it to the user's clients.
func (s *Session) ReplaceTargets(ctx context.Context, userID string, targets []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("replace targets: %w", err)
	}
	if userID == "" {
		return fmt.Errorf("replace targets: empty user id")
	}

	replacement := dedupe(targets)
	payload, err := encodeTargetsUpdate(userID, replacement)
	if err != nil {
		return fmt.Errorf("replace targets for %s: %w", userID, err)
	}

	s.mu.Lock()
	state := s.userLocked(userID)
	state.targets = replacement
	clients := make([]*client, 0, len(state.clients))
	for c := range state.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.enqueue(payload); err != nil {
			s.onPushError(userID, err)
		}
	}

	return nil
}

// CanModify reports whether the user owns the token according to the last frame
// that stated ownership. Tokens never reported are not modifiable.
func (s *Session) CanModify(ctx context.Context, actor toolbox.Actor, entity toolbox.Entity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("can modify: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.users[actor.ID]
	if !exists {
		return false, nil
	}

	return state.owned[entity.ID], nil
}

func (s *Session) attach(userID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userLocked(userID).clients[c] = struct{}{}
}

func (s *Session) detach(userID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, exists := s.users[userID]; exists {
		delete(state.clients, c)
	}
}

func (s *Session) clientCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, exists := s.users[userID]; exists {
		return len(state.clients)
	}

	return 0
}

func (s *Session) userLocked(userID string) *userState {
	state, exists := s.users[userID]
	if !exists {
		state = &userState{
			targets: []string{},
			owned:   make(map[string]bool),
			clients: make(map[*client]struct{}),
		}
		s.users[userID] = state
	}

	return state
}

// dedupe copies ids keeping the first occurrence of each.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, exists := seen[id]; exists {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
