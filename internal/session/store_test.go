package session

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sosalert/internal/domain"

	"github.com/gorilla/websocket"
)

func TestSubscribeIsPrimedAndReceivesUpdates(t *testing.T) {
	t.Parallel()

	store := NewStore()
	updates, cancel := store.Subscribe()
	defer cancel()

	if first := <-updates; first.State != "idle" {
		t.Fatalf("first snapshot = %+v", first)
	}
	store.Publish(Snapshot{State: "holding", IsHolding: true, CountdownRemainingMs: 2900, ProgressPercent: 3.3})
	next := <-updates
	if !next.IsHolding || next.CountdownRemainingMs != 2900 {
		t.Fatalf("next snapshot = %+v", next)
	}
}

func TestSlowSubscriberKeepsLatestSnapshot(t *testing.T) {
	t.Parallel()

	store := NewStore()
	updates, cancel := store.Subscribe()
	defer cancel()

	for i := 0; i < 3*subscriberBuffer; i++ {
		store.Publish(Snapshot{State: "holding", CountdownRemainingMs: int64(i)})
	}

	var last Snapshot
	for len(updates) > 0 {
		last = <-updates
	}
	if last.CountdownRemainingMs != int64(3*subscriberBuffer-1) {
		t.Fatalf("last snapshot = %+v", last)
	}
}

func TestCancelClosesChannelAndUnregisters(t *testing.T) {
	t.Parallel()

	store := NewStore()
	updates, cancel := store.Subscribe()
	cancel()
	cancel()

	for range updates {
	}
	if store.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", store.Subscribers())
	}
	store.Publish(Snapshot{State: "idle"})
}

func TestCurrentIsIsolatedFromCallerMutation(t *testing.T) {
	t.Parallel()

	store := NewStore()
	alert := &domain.EmergencyAlert{ID: "a-1", Contacts: []domain.Contact{{Name: "Ann"}}}
	store.Publish(Snapshot{State: "cooling_down", LastAlert: alert})
	alert.Contacts[0].Name = "changed"

	if got := store.Current().LastAlert.Contacts[0].Name; got != "Ann" {
		t.Fatalf("stored alert mutated: %q", got)
	}
}

func TestStreamPushesSnapshotsOverWebsocket(t *testing.T) {
	t.Parallel()

	store := NewStore()
	clients := make(chan int, 4)
	server := httptest.NewServer(NewStream(store, nil, func(delta int) { clients <- delta }))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot Snapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if snapshot.State != "idle" {
		t.Fatalf("initial = %+v", snapshot)
	}
	if delta := <-clients; delta != 1 {
		t.Fatalf("client delta = %d", delta)
	}

	store.Publish(Snapshot{State: "triggering", IsTriggering: true, ProgressPercent: 100})
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if !snapshot.IsTriggering || snapshot.ProgressPercent != 100 {
		t.Fatalf("update = %+v", snapshot)
	}
}
