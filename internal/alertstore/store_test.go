package alertstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sosalert/internal/domain"
	"sosalert/internal/kv"
)

func newTestStore(t *testing.T, historyCap int) (*Store, *kv.MemoryStore) {
	t.Helper()
	backend := kv.NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(backend, historyCap, logger, func() time.Time { return fixed }), backend
}

func testAlert(id string) domain.EmergencyAlert {
	return domain.EmergencyAlert{ID: id, SubjectID: "resident-1", Status: domain.AlertStatusFailed}
}

func TestAppendHistoryKeepsNewestWithinCap(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 100)
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		if err := store.AppendHistory(ctx, testAlert(fmt.Sprintf("a-%03d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	history := store.History(ctx)
	if len(history) != 100 {
		t.Fatalf("history length = %d, want 100", len(history))
	}
	if history[0].ID != "a-149" {
		t.Fatalf("newest = %s, want a-149", history[0].ID)
	}
	if history[99].ID != "a-050" {
		t.Fatalf("oldest kept = %s, want a-050", history[99].ID)
	}
}

func TestHistoryTreatsMissingAndCorruptAsEmpty(t *testing.T) {
	t.Parallel()

	store, backend := newTestStore(t, 10)
	ctx := context.Background()
	if got := store.History(ctx); got == nil || len(got) != 0 {
		t.Fatalf("missing history = %#v, want empty slice", got)
	}

	if err := backend.Set(ctx, historyKey, []byte("{not json")); err != nil {
		t.Fatalf("seed corrupt history: %v", err)
	}
	if got := store.History(ctx); len(got) != 0 {
		t.Fatalf("corrupt history = %#v, want empty", got)
	}

	if err := store.AppendHistory(ctx, testAlert("a-1")); err != nil {
		t.Fatalf("append over corrupt record: %v", err)
	}
	if got := store.History(ctx); len(got) != 1 || got[0].ID != "a-1" {
		t.Fatalf("history after repair = %#v", got)
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 100)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.AppendHistory(ctx, testAlert(fmt.Sprintf("c-%02d", i)))
		}(i)
	}
	wg.Wait()

	if got := len(store.History(ctx)); got != 20 {
		t.Fatalf("history length = %d, want 20", got)
	}
}

func TestPendingQueueKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := store.EnqueuePending(ctx, testAlert(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	entries, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	got := make([]string, 0, len(entries))
	for _, entry := range entries {
		got = append(got, entry.Alert.ID)
	}
	if fmt.Sprint(got) != "[zeta alpha mid]" {
		t.Fatalf("order = %v, want insertion order", got)
	}
	if store.PendingCount(ctx) != 3 {
		t.Fatalf("pending count = %d", store.PendingCount(ctx))
	}
}

func TestPendingSequenceContinuesAfterReopen(t *testing.T) {
	t.Parallel()

	first, backend := newTestStore(t, 10)
	ctx := context.Background()
	if _, err := first.EnqueuePending(ctx, testAlert("first")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	earlier := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	reopened := New(backend, 10, nil, func() time.Time { return earlier })
	if _, err := reopened.EnqueuePending(ctx, testAlert("second")); err != nil {
		t.Fatalf("enqueue after reopen: %v", err)
	}

	entries, _ := reopened.ListPending(ctx)
	if len(entries) != 2 || entries[0].Alert.ID != "first" || entries[1].Alert.ID != "second" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestRemovePendingAndRecordAttempt(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := store.EnqueuePending(ctx, testAlert(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	entries, _ := store.ListPending(ctx)
	updated, err := store.RecordAttempt(ctx, entries[1], "service_unavailable")
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if updated.AttemptCount != 1 || updated.LastError != "service_unavailable" {
		t.Fatalf("updated = %+v", updated)
	}

	if err := store.RemovePending(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.RemovePending(ctx, "unknown"); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}

	entries, _ = store.ListPending(ctx)
	if len(entries) != 1 || entries[0].Alert.ID != "b" || entries[0].AttemptCount != 1 {
		t.Fatalf("entries = %+v", entries)
	}

	if _, err := store.RecordAttempt(ctx, testPending("gone"), "x"); err == nil {
		t.Fatalf("expected error for missing entry")
	}
}

func TestCorruptPendingEntriesAreSkipped(t *testing.T) {
	t.Parallel()

	store, backend := newTestStore(t, 10)
	ctx := context.Background()
	if _, err := store.EnqueuePending(ctx, testAlert("ok")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := backend.Set(ctx, pendingPrefix+"00000000000000000001.bad", []byte("garbage")); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	entries, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Alert.ID != "ok" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestAllStopsWhenConsumerBreaks(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, _ = store.EnqueuePending(ctx, testAlert(id))
	}

	seen := 0
	for entry := range store.All(ctx) {
		seen++
		if entry.Alert.ID == "b" {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("seen = %d, want 2", seen)
	}
}

func testPending(id string) domain.PendingEntry {
	return domain.PendingEntry{Alert: testAlert(id)}
}
