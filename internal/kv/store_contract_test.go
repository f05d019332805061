package kv

import (
	"context"
	"errors"
	"slices"
	"testing"
)

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "sos.history"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key error = %v, want ErrNotFound", err)
	}

	if err := store.Set(ctx, "sos.history", []byte(`[]`)); err != nil {
		t.Fatalf("set history: %v", err)
	}
	if err := store.Set(ctx, "sos.history", []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("overwrite history: %v", err)
	}
	value, err := store.Get(ctx, "sos.history")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if string(value) != `[{"id":"a"}]` {
		t.Fatalf("history = %s", value)
	}

	for _, key := range []string{"sos.pending.0002.b", "sos.pending.0001.a", "sos.pending.0003.c"} {
		if err := store.Set(ctx, key, []byte(key)); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	keys, err := store.Keys(ctx, "sos.pending.")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	want := []string{"sos.pending.0001.a", "sos.pending.0002.b", "sos.pending.0003.c"}
	if !slices.Equal(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}

	if err := store.Remove(ctx, "sos.pending.0002.b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, "sos.pending.9999.none"); err != nil {
		t.Fatalf("remove missing key: %v", err)
	}
	if _, err := store.Get(ctx, "sos.pending.0002.b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed key error = %v, want ErrNotFound", err)
	}
	keys, err = store.Keys(ctx, "sos.pending.")
	if err != nil {
		t.Fatalf("keys after remove: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys after remove = %v", keys)
	}
}
