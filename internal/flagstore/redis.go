package flagstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"gm-toolbox/pkg/toolbox"
)

const defaultKeyPrefix = "gm-toolbox:"

// RedisStore keeps one hash per entity. Hash fields are "<scope>.<key>" and
// hold raw JSON values.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL through a circuit breaker and verifies
// the connection.
func NewRedisStore(ctx context.Context, redisURL string, keyPrefix string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("new redis flag store: parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	rdb.AddHook(NewBreakerHook(logger, breakerFailureThreshold, breakerOpenTimeout))
	store := NewRedisStoreFromClient(rdb, keyPrefix)
	if err := store.rdb.Ping(ctx).Err(); err != nil {
		_ = store.rdb.Close()
		return nil, fmt.Errorf("new redis flag store: ping: %w", err)
	}

	return store, nil
}

// NewRedisStoreFromClient wraps an existing client. An empty prefix uses the default.
func NewRedisStoreFromClient(rdb *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	return &RedisStore{
		rdb:    rdb,
		prefix: keyPrefix,
	}
}

// Get reads one hash field. A missing field is reported as absent.
func (s *RedisStore) Get(ctx context.Context, ref toolbox.FlagRef) (json.RawMessage, bool, error) {
	if err := checkRef(ctx, "get", ref); err != nil {
		return nil, false, err
	}

	raw, err := s.rdb.HGet(ctx, s.entityKey(ref.EntityID), fieldName(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get flag %s: %w", ref, err)
	}

	return json.RawMessage(raw), true, nil
}

// Set writes one hash field.
func (s *RedisStore) Set(ctx context.Context, ref toolbox.FlagRef, value json.RawMessage) error {
	if err := checkRef(ctx, "set", ref); err != nil {
		return err
	}
	if err := checkValue(ref, value); err != nil {
		return err
	}

	if err := s.rdb.HSet(ctx, s.entityKey(ref.EntityID), fieldName(ref), []byte(value)).Err(); err != nil {
		return fmt.Errorf("set flag %s: %w", ref, err)
	}

	return nil
}

// Unset deletes one hash field. Redis drops the hash with its last field.
func (s *RedisStore) Unset(ctx context.Context, ref toolbox.FlagRef) error {
	if err := checkRef(ctx, "unset", ref); err != nil {
		return err
	}

	if err := s.rdb.HDel(ctx, s.entityKey(ref.EntityID), fieldName(ref)).Err(); err != nil {
		return fmt.Errorf("unset flag %s: %w", ref, err)
	}

	return nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("close redis flag store: %w", err)
	}

	return nil
}

func (s *RedisStore) entityKey(entityID string) string {
	return s.prefix + "flags:" + entityID
}
