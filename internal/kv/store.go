package kv

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// ErrNotFound indicates absent key.
var ErrNotFound = errors.New("not found")

// Store is a durable byte-oriented key-value store.
// Params: string keys with dot-separated namespaces and opaque values.
// Returns: backend persistence behavior; single-key Set/Remove are atomic.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// filterSorted keeps keys with prefix in ascending order.
// Params: raw key list and prefix; may repeat keys (Redis SCAN does).
// Returns: sorted distinct matching keys.
func filterSorted(keys []string, prefix string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
