package toolbox

import (
	"context"
	"encoding/json"
)

// FlagStore persists small per-entity key/value attributes that survive restarts.
//
// Values are stored as raw JSON so callers can detect shapes they did not write.
// Implementations must be concurrency-safe.
type FlagStore interface {
	// Get returns the stored value.
	//
	// When no value exists, found is false and err is nil.
	Get(ctx context.Context, ref FlagRef) (value json.RawMessage, found bool, err error)
	// Set stores value, overwriting any previous value.
	Set(ctx context.Context, ref FlagRef, value json.RawMessage) error
	// Unset removes the value. Removing a missing value succeeds.
	Unset(ctx context.Context, ref FlagRef) error
}
