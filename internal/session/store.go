package session

import (
	"sync"
	"time"

	"sosalert/internal/domain"
)

const subscriberBuffer = 8

// Snapshot is the presentation view of the SOS session.
type Snapshot struct {
	State                string                 `json:"state"`
	IsHolding            bool                   `json:"is_holding"`
	IsTriggering         bool                   `json:"is_triggering"`
	CountdownRemainingMs int64                  `json:"countdown_remaining_ms"`
	ProgressPercent      float64                `json:"progress_percent"`
	LastAlert            *domain.EmergencyAlert `json:"last_alert,omitempty"`
	LastError            string                 `json:"last_error,omitempty"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

func (s Snapshot) clone() Snapshot {
	if s.LastAlert != nil {
		alert := s.LastAlert.Clone()
		s.LastAlert = &alert
	}
	return s
}

// Store keeps the latest snapshot and fans it out to subscribers.
// Slow subscribers only ever miss intermediate snapshots, never the latest one.
type Store struct {
	mu      sync.Mutex
	current Snapshot
	nextID  int
	subs    map[int]chan Snapshot
}

// NewStore creates store with idle snapshot.
func NewStore() *Store {
	return &Store{
		current: Snapshot{State: "idle"},
		subs:    make(map[int]chan Snapshot),
	}
}

// Current returns latest snapshot copy.
func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Publish replaces the snapshot and notifies subscribers without blocking.
// Params: new snapshot.
func (s *Store) Publish(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = snapshot.clone()
	for _, ch := range s.subs {
		deliverLatest(ch, s.current.clone())
	}
}

// Subscribe registers a listener primed with the current snapshot.
// Params: none.
// Returns: snapshot channel and cancel func closing it.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, subscriberBuffer)
	ch <- s.current.clone()
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns active subscriber count.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// deliverLatest drops the oldest queued snapshot when the buffer is full.
func deliverLatest(ch chan Snapshot, snapshot Snapshot) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
