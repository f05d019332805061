package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sosalert/internal/config"

	"github.com/redis/go-redis/v9"
)

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// RedisStore persists values as plain Redis strings under a namespace prefix.
// Params: redis client and namespace.
// Returns: Redis-backed store implementation.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore parses URL, connects and pings Redis.
// Params: Redis store settings from config.
// Returns: initialized store or connection error.
func NewRedisStore(ctx context.Context, settings config.RedisStoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, settings.Prefix), nil
}

// NewRedisStoreWithClient wraps existing client.
// Params: redis client and key namespace.
// Returns: store using the client.
func NewRedisStoreWithClient(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

// Get reads value for key.
// Params: key.
// Returns: value or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Set writes value without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.namespace+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespace+key).Err(); err != nil {
		return fmt.Errorf("del %q: %w", key, err)
	}
	return nil
}

// Keys scans keys by prefix and strips namespace.
// Params: key prefix.
// Returns: sorted keys.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := globEscaper.Replace(s.namespace+prefix) + "*"
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", pattern, err)
	}
	return filterSorted(keys, prefix), nil
}

// Close closes Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
