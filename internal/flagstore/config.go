package flagstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gm-toolbox/pkg/toolbox"
)

const (
	// TypeMemory keeps flags for the process lifetime only.
	TypeMemory = "memory"
	// TypeFile persists flags to one JSON document.
	TypeFile = "file"
	// TypeRedis persists flags in Redis hashes.
	TypeRedis = "redis"
)

// Store is a closable flag store backend.
type Store interface {
	toolbox.FlagStore
	Close() error
}

// Config selects and parameterizes one backend.
type Config struct {
	// Type is one of TypeMemory, TypeFile, or TypeRedis. Empty means TypeMemory.
	Type string
	// Path is the document path for TypeFile.
	Path string
	// RedisURL is the connection URL for TypeRedis.
	RedisURL string
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
	// Logger receives backend state changes. Nil uses slog.Default.
	Logger *slog.Logger
}

// Validate checks that the selected backend has its required settings.
func (c Config) Validate() error {
	switch strings.TrimSpace(c.Type) {
	case "", TypeMemory:
	case TypeFile:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("flag store %s: path is required", TypeFile)
		}
	case TypeRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("flag store %s: redis_url is required", TypeRedis)
		}
	default:
		return fmt.Errorf("flag store: unsupported type %s", c.Type)
	}

	return nil
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch strings.TrimSpace(cfg.Type) {
	case TypeFile:
		store, err := OpenFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case TypeRedis:
		store, err := NewRedisStore(ctx, strings.TrimSpace(cfg.RedisURL), cfg.KeyPrefix, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return NewMemoryStore(), nil
	}
}
