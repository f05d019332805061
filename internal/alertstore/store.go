package alertstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"sosalert/internal/domain"
	"sosalert/internal/kv"
)

const (
	historyKey    = "sos.history"
	pendingPrefix = "sos.pending."

	// DefaultHistoryCap bounds history length when no cap is configured.
	DefaultHistoryCap = 100
)

// Store keeps emergency history and the pending resend queue in a KV backend.
// Params: KV store, history cap, logger and clock.
// Returns: durable alert store.
type Store struct {
	kv         kv.Store
	historyCap int
	logger     *slog.Logger
	now        func() time.Time

	historyMu sync.Mutex

	seqMu   sync.Mutex
	seeded  bool
	lastSeq int64
}

// New creates alert store over KV backend.
// Params: KV store, history cap (<=0 uses default), logger and now func (nil uses time.Now).
// Returns: initialized store.
func New(store kv.Store, historyCap int, logger *slog.Logger, now func() time.Time) *Store {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Store{kv: store, historyCap: historyCap, logger: logger, now: now}
}

// AppendHistory prepends alert and truncates history to cap.
// Params: context and finalized alert.
// Returns: persistence error.
func (s *Store) AppendHistory(ctx context.Context, alert domain.EmergencyAlert) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	current := s.readHistory(ctx)
	next := make([]domain.EmergencyAlert, 0, min(len(current)+1, s.historyCap))
	next = append(next, alert)
	for _, existing := range current {
		if len(next) >= s.historyCap {
			break
		}
		next = append(next, existing)
	}

	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.kv.Set(ctx, historyKey, body); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// History returns alerts newest first; missing or corrupt records read as empty.
// Params: context.
// Returns: history slice (never nil).
func (s *Store) History(ctx context.Context) []domain.EmergencyAlert {
	return s.readHistory(ctx)
}

func (s *Store) readHistory(ctx context.Context) []domain.EmergencyAlert {
	body, err := s.kv.Get(ctx, historyKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("history read failed", "error", err.Error())
		}
		return []domain.EmergencyAlert{}
	}
	var history []domain.EmergencyAlert
	if err := json.Unmarshal(body, &history); err != nil {
		s.logger.Warn("history record is corrupt, treating as empty", "error", err.Error())
		return []domain.EmergencyAlert{}
	}
	if history == nil {
		return []domain.EmergencyAlert{}
	}
	return history
}

// EnqueuePending appends alert to pending queue in one atomic write.
// Params: context and failed alert.
// Returns: stored entry or persistence error.
func (s *Store) EnqueuePending(ctx context.Context, alert domain.EmergencyAlert) (domain.PendingEntry, error) {
	seq, err := s.nextSequence(ctx)
	if err != nil {
		return domain.PendingEntry{}, err
	}
	entry := domain.PendingEntry{
		Alert:      alert,
		EnqueuedAt: s.now().UTC(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return domain.PendingEntry{}, fmt.Errorf("encode pending entry: %w", err)
	}
	if err := s.kv.Set(ctx, pendingKey(seq, alert.ID), body); err != nil {
		return domain.PendingEntry{}, fmt.Errorf("write pending entry: %w", err)
	}
	return entry, nil
}

// ListPending returns pending entries in insertion order; corrupt entries are skipped.
// Params: context.
// Returns: entries or key listing error.
func (s *Store) ListPending(ctx context.Context) ([]domain.PendingEntry, error) {
	keys, err := s.kv.Keys(ctx, pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	entries := make([]domain.PendingEntry, 0, len(keys))
	for _, key := range keys {
		entry, ok := s.readPending(ctx, key)
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// All yields pending entries oldest first.
// Entries stay queued until RemovePending is called.
// Params: context.
// Returns: entry iterator.
func (s *Store) All(ctx context.Context) iter.Seq[domain.PendingEntry] {
	return func(yield func(domain.PendingEntry) bool) {
		keys, err := s.kv.Keys(ctx, pendingPrefix)
		if err != nil {
			s.logger.Warn("pending listing failed", "error", err.Error())
			return
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				return
			}
			entry, ok := s.readPending(ctx, key)
			if !ok {
				continue
			}
			if !yield(entry) {
				return
			}
		}
	}
}

// PendingCount returns number of readable pending entries.
// Params: context.
// Returns: count, zero when backend is unreadable.
func (s *Store) PendingCount(ctx context.Context) int {
	entries, err := s.ListPending(ctx)
	if err != nil {
		s.logger.Warn("pending count failed", "error", err.Error())
		return 0
	}
	return len(entries)
}

// RemovePending deletes pending entry by alert id; unknown ids are ignored.
// Params: context and alert id.
// Returns: backend error.
func (s *Store) RemovePending(ctx context.Context, alertID string) error {
	key, ok, err := s.findPendingKey(ctx, alertID)
	if err != nil || !ok {
		return err
	}
	if err := s.kv.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove pending %q: %w", alertID, err)
	}
	return nil
}

// RecordAttempt rewrites pending entry with incremented attempt count and last error.
// Params: context, entry and failure reason.
// Returns: updated entry or backend error.
func (s *Store) RecordAttempt(ctx context.Context, entry domain.PendingEntry, reason string) (domain.PendingEntry, error) {
	key, ok, err := s.findPendingKey(ctx, entry.Alert.ID)
	if err != nil {
		return entry, err
	}
	if !ok {
		return entry, fmt.Errorf("pending entry %q: %w", entry.Alert.ID, kv.ErrNotFound)
	}
	entry.AttemptCount++
	entry.LastError = reason
	body, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("encode pending entry: %w", err)
	}
	if err := s.kv.Set(ctx, key, body); err != nil {
		return entry, fmt.Errorf("write pending entry: %w", err)
	}
	return entry, nil
}

func (s *Store) readPending(ctx context.Context, key string) (domain.PendingEntry, bool) {
	body, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("pending read failed", "key", key, "error", err.Error())
		}
		return domain.PendingEntry{}, false
	}
	var entry domain.PendingEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		s.logger.Warn("pending entry is corrupt, skipping", "key", key, "error", err.Error())
		return domain.PendingEntry{}, false
	}
	return entry, true
}

func (s *Store) findPendingKey(ctx context.Context, alertID string) (string, bool, error) {
	keys, err := s.kv.Keys(ctx, pendingPrefix)
	if err != nil {
		return "", false, fmt.Errorf("list pending: %w", err)
	}
	suffix := "." + alertID
	for _, key := range keys {
		if strings.HasSuffix(key, suffix) {
			return key, true, nil
		}
	}
	return "", false, nil
}

// nextSequence returns strictly increasing enqueue sequence seeded from stored keys.
func (s *Store) nextSequence(ctx context.Context) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	if !s.seeded {
		keys, err := s.kv.Keys(ctx, pendingPrefix)
		if err != nil {
			return 0, fmt.Errorf("list pending: %w", err)
		}
		for _, key := range keys {
			if seq, ok := parseSequence(key); ok && seq > s.lastSeq {
				s.lastSeq = seq
			}
		}
		s.seeded = true
	}

	seq := s.now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq, nil
}

func pendingKey(seq int64, alertID string) string {
	return fmt.Sprintf("%s%020d.%s", pendingPrefix, seq, alertID)
}

func parseSequence(key string) (int64, bool) {
	rest := strings.TrimPrefix(key, pendingPrefix)
	head, _, found := strings.Cut(rest, ".")
	if !found {
		return 0, false
	}
	seq, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
