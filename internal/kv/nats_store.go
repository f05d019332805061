package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sosalert/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSStore persists values in one JetStream KV bucket.
// Params: NATS connection and bucket handle.
// Returns: KV-backed store implementation.
type NATSStore struct {
	nc     *nats.Conn
	bucket nats.KeyValue
}

// NewNATSStore opens (or creates) KV bucket and returns NATS backend.
// Params: NATS store settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStoreConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	bucket, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBucket {
			nc.Close()
			return nil, fmt.Errorf("open bucket %q: %w", settings.Bucket, err)
		}
		bucket, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  settings.Bucket,
			History: 1,
			Storage: nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, bucket: bucket}, nil
}

// Get reads latest value for key.
// Params: key.
// Returns: value or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return entry.Value(), nil
}

// Set writes value unconditionally.
func (s *NATSStore) Set(_ context.Context, key string, value []byte) error {
	if _, err := s.bucket.Put(key, value); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Remove places delete marker for key.
func (s *NATSStore) Remove(_ context.Context, key string) error {
	if err := s.bucket.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys lists live keys by prefix in ascending order.
func (s *NATSStore) Keys(_ context.Context, prefix string) ([]string, error) {
	keys, err := s.bucket.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return filterSorted(keys, prefix), nil
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
