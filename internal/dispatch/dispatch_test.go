package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"sosalert/internal/alertstore"
	"sosalert/internal/channel"
	"sosalert/internal/config"
	"sosalert/internal/directory"
	"sosalert/internal/domain"
	"sosalert/internal/kv"
	"sosalert/internal/location"
	"sosalert/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"googlemaps.github.io/maps"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChannel struct {
	name    string
	outcome domain.ChannelOutcome
	panics  bool
	calls   atomic.Int32
	last    atomic.Pointer[domain.EmergencyAlert]
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Attempt(_ context.Context, alert domain.EmergencyAlert) domain.ChannelOutcome {
	f.calls.Add(1)
	f.last.Store(&alert)
	if f.panics {
		panic("boom")
	}
	return f.outcome
}

func fixed(name string, outcome domain.ChannelOutcome) *fakeChannel {
	return &fakeChannel{name: name, outcome: outcome}
}

func newHarness(t *testing.T, channels Channels, extra func(*Options)) (*Dispatcher, *alertstore.Store) {
	t.Helper()
	store := alertstore.New(kv.NewMemoryStore(), 10, quietLogger(), fixedNow)
	opts := Options{
		Channels: channels,
		Store:    store,
		Logger:   quietLogger(),
		Now:      fixedNow,
	}
	if extra != nil {
		extra(&opts)
	}
	return New(opts), store
}

func TestTriggerAllChannelsSucceed(t *testing.T) {
	t.Parallel()

	backend := fixed("backend", domain.Success())
	queue := fixed("queue", domain.Success())
	local := fixed("local", domain.Success())
	dispatcher, store := newHarness(t, Channels{Backend: backend, Queue: queue, Local: local}, nil)

	outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1", DisplayName: "Edith"}, map[string]string{"room": "12"})
	if !outcome.Success || outcome.Err != nil || outcome.Enqueued {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Alert == nil || outcome.Alert.Status != domain.AlertStatusDelivered {
		t.Fatalf("alert = %+v", outcome.Alert)
	}
	if outcome.Alert.ID == "" || outcome.Alert.AdditionalInfo["room"] != "12" {
		t.Fatalf("alert identity/info missing: %+v", outcome.Alert)
	}
	history := store.History(context.Background())
	if len(history) != 1 || history[0].Status != domain.AlertStatusDelivered || history[0].ID != outcome.Alert.ID {
		t.Fatalf("history = %+v", history)
	}
	if store.PendingCount(context.Background()) != 0 {
		t.Fatalf("pending queue must stay empty")
	}
	for _, ch := range []*fakeChannel{backend, queue, local} {
		if ch.calls.Load() != 1 {
			t.Fatalf("%s calls = %d, want 1", ch.name, ch.calls.Load())
		}
		if sent := ch.last.Load(); sent.Status != domain.AlertStatusPending {
			t.Fatalf("%s received status %q, want pending", ch.name, sent.Status)
		}
	}
}

func TestTriggerPartialSuccessDoesNotEnqueue(t *testing.T) {
	t.Parallel()

	dispatcher, store := newHarness(t, Channels{
		Backend: fixed("backend", domain.Failed(channel.ReasonNetwork, true)),
		Queue:   fixed("queue", domain.Skipped(channel.ReasonDisabled)),
		Local:   fixed("local", domain.Success()),
	}, nil)

	outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
	if !outcome.Success || outcome.Err != nil || outcome.Enqueued {
		t.Fatalf("outcome = %+v", outcome)
	}
	backend, _ := outcome.Alert.ChannelOutcomes.Get(domain.ChannelBackend)
	if backend.Reason != channel.ReasonNetwork {
		t.Fatalf("backend outcome = %+v", backend)
	}
	if store.PendingCount(context.Background()) != 0 {
		t.Fatalf("pending queue must stay empty on overall success")
	}
}

func TestTriggerTotalFailureEnqueuesRetryableBackend(t *testing.T) {
	t.Parallel()

	dispatcher, store := newHarness(t, Channels{
		Backend: fixed("backend", domain.Failed(channel.ReasonUnavailable, true)),
		Queue:   fixed("queue", domain.Failed(channel.ReasonBroker, true)),
		Local:   fixed("local", domain.Failed(channel.ReasonPresenter, true)),
	}, nil)

	outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
	if outcome.Success || !outcome.Enqueued {
		t.Fatalf("outcome = %+v", outcome)
	}
	var deliveryErr *domain.DeliveryError
	if !errors.As(outcome.Err, &deliveryErr) || !deliveryErr.Enqueued || deliveryErr.AlertID != outcome.Alert.ID {
		t.Fatalf("err = %#v", outcome.Err)
	}
	history := store.History(context.Background())
	if len(history) != 1 || history[0].Status != domain.AlertStatusFailed {
		t.Fatalf("history = %+v", history)
	}
	pending, err := store.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Alert.ID != outcome.Alert.ID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestTriggerRejectsMissingSubjectBeforeAnySideEffect(t *testing.T) {
	t.Parallel()

	backend := fixed("backend", domain.Success())
	queue := fixed("queue", domain.Success())
	local := fixed("local", domain.Success())
	dispatcher, store := newHarness(t, Channels{Backend: backend, Queue: queue, Local: local}, nil)

	for _, subject := range []domain.Subject{{}, {ID: "   ", DisplayName: "Nobody"}} {
		outcome := dispatcher.Trigger(context.Background(), subject, nil)
		var validationErr *domain.ValidationError
		if !errors.As(outcome.Err, &validationErr) || validationErr.Field != "subject.id" {
			t.Fatalf("err = %#v", outcome.Err)
		}
		if outcome.Success || outcome.Alert != nil {
			t.Fatalf("outcome = %+v", outcome)
		}
	}
	for _, ch := range []*fakeChannel{backend, queue, local} {
		if ch.calls.Load() != 0 {
			t.Fatalf("%s was contacted", ch.name)
		}
	}
	if len(store.History(context.Background())) != 0 || store.PendingCount(context.Background()) != 0 {
		t.Fatalf("store must stay untouched")
	}
}

func TestTriggerSuccessIffAnyChannelSucceeds(t *testing.T) {
	t.Parallel()

	choices := []domain.ChannelOutcome{
		domain.Success(),
		domain.Failed(channel.ReasonUnavailable, true),
		domain.Failed(channel.ReasonValidation, false),
		domain.Skipped(channel.ReasonDisabled),
	}
	for _, b := range choices {
		for _, q := range choices {
			for _, l := range choices {
				name := fmt.Sprintf("%s-%s/%s-%s/%s-%s", b.Kind, b.Reason, q.Kind, q.Reason, l.Kind, l.Reason)
				dispatcher, store := newHarness(t, Channels{
					Backend: fixed("backend", b),
					Queue:   fixed("queue", q),
					Local:   fixed("local", l),
				}, nil)

				outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
				wantSuccess := b.IsSuccess() || q.IsSuccess() || l.IsSuccess()
				if outcome.Success != wantSuccess {
					t.Fatalf("%s: success = %v, want %v", name, outcome.Success, wantSuccess)
				}
				wantEnqueued := !wantSuccess && b.IsFailed() && b.Retryable
				if outcome.Enqueued != wantEnqueued {
					t.Fatalf("%s: enqueued = %v, want %v", name, outcome.Enqueued, wantEnqueued)
				}
				if got := store.PendingCount(context.Background()); (got == 1) != wantEnqueued {
					t.Fatalf("%s: pending count = %d", name, got)
				}
				if (outcome.Err == nil) != wantSuccess {
					t.Fatalf("%s: err = %v", name, outcome.Err)
				}
				if !outcome.Alert.ChannelOutcomes.Complete() {
					t.Fatalf("%s: outcomes incomplete: %+v", name, outcome.Alert.ChannelOutcomes)
				}
			}
		}
	}
}

type hangingSender struct{ release chan struct{} }

func (h *hangingSender) Name() string { return "queue" }
func (h *hangingSender) Ready() error { return nil }
func (h *hangingSender) Send(context.Context, domain.EmergencyAlert) error {
	<-h.release
	return nil
}

func TestHangingChannelDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	hang := &hangingSender{release: make(chan struct{})}
	defer close(hang.release)

	queue := channel.NewGuard(hang, config.ChannelGate{Enabled: true, TimeoutMS: 50}, quietLogger())
	dispatcher, _ := newHarness(t, Channels{
		Backend: fixed("backend", domain.Success()),
		Queue:   queue,
		Local:   fixed("local", domain.Success()),
	}, nil)

	started := time.Now()
	outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("dispatch took %s, want bounded by channel timeout", elapsed)
	}
	if !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	queueOutcome, _ := outcome.Alert.ChannelOutcomes.Get(domain.ChannelQueue)
	if queueOutcome.Kind != domain.OutcomeFailed || queueOutcome.Reason != channel.ReasonTimeout {
		t.Fatalf("queue outcome = %+v", queueOutcome)
	}
	for _, name := range []string{domain.ChannelBackend, domain.ChannelLocal} {
		if got, _ := outcome.Alert.ChannelOutcomes.Get(name); !got.IsSuccess() {
			t.Fatalf("%s outcome = %+v", name, got)
		}
	}
}

func TestPanickingChannelIsContained(t *testing.T) {
	t.Parallel()

	dispatcher, _ := newHarness(t, Channels{
		Backend: &fakeChannel{name: "backend", panics: true},
		Queue:   fixed("queue", domain.Success()),
	}, nil)

	outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
	if !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	backend, _ := outcome.Alert.ChannelOutcomes.Get(domain.ChannelBackend)
	if backend.Kind != domain.OutcomeFailed || backend.Reason != channel.ReasonPanic || backend.Retryable {
		t.Fatalf("backend outcome = %+v", backend)
	}
	local, _ := outcome.Alert.ChannelOutcomes.Get(domain.ChannelLocal)
	if local.Kind != domain.OutcomeSkipped {
		t.Fatalf("missing channel outcome = %+v", local)
	}
}

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, error)    { return nil, errors.New("disk full") }
func (brokenKV) Set(context.Context, string, []byte) error      { return errors.New("disk full") }
func (brokenKV) Remove(context.Context, string) error           { return errors.New("disk full") }
func (brokenKV) Keys(context.Context, string) ([]string, error) { return nil, errors.New("disk full") }
func (brokenKV) Close() error                                   { return nil }

func TestStorageFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	dispatcher := New(Options{
		Channels: Channels{
			Backend: fixed("backend", domain.Failed(channel.ReasonUnavailable, true)),
			Local:   fixed("local", domain.Success()),
		},
		Store:  alertstore.New(brokenKV{}, 10, quietLogger(), fixedNow),
		Logger: quietLogger(),
		Now:    fixedNow,
	})
	outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
	if !outcome.Success || outcome.Err != nil {
		t.Fatalf("outcome = %+v", outcome)
	}

	failing := New(Options{
		Channels: Channels{Backend: fixed("backend", domain.Failed(channel.ReasonUnavailable, true))},
		Store:    alertstore.New(brokenKV{}, 10, quietLogger(), fixedNow),
		Logger:   quietLogger(),
		Now:      fixedNow,
	})
	outcome = failing.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
	if outcome.Success || outcome.Enqueued {
		t.Fatalf("outcome = %+v", outcome)
	}
	var deliveryErr *domain.DeliveryError
	if !errors.As(outcome.Err, &deliveryErr) || deliveryErr.Enqueued {
		t.Fatalf("err = %#v", outcome.Err)
	}
}

type slowLocation struct{}

func (slowLocation) Current(ctx context.Context) (domain.LocationSnapshot, error) {
	time.Sleep(5 * time.Second)
	return domain.LocationSnapshot{Available: true}, nil
}

type staticDirectory struct {
	contactsErr error
}

func (d staticDirectory) Contacts(context.Context, string) ([]domain.Contact, error) {
	if d.contactsErr != nil {
		return nil, d.contactsErr
	}
	return []domain.Contact{{ID: "c1", Name: "Daughter"}}, nil
}

func (d staticDirectory) Staff(context.Context, string) ([]domain.StaffMember, error) {
	return []domain.StaffMember{{ID: "s1", Name: "Night nurse"}}, nil
}

func TestEnrichmentIsBestEffortAndBounded(t *testing.T) {
	t.Parallel()

	local := fixed("local", domain.Success())
	dispatcher, _ := newHarness(t, Channels{Local: local}, func(opts *Options) {
		opts.Location = slowLocation{}
		opts.LocationTimeout = 30 * time.Millisecond
		opts.Directory = staticDirectory{contactsErr: errors.New("directory down")}
	})

	started := time.Now()
	outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("enrichment took %s", elapsed)
	}
	if !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	alert := outcome.Alert
	if alert.Location.Available {
		t.Fatalf("location = %+v, want unavailable", alert.Location)
	}
	if alert.Contacts == nil || len(alert.Contacts) != 0 {
		t.Fatalf("contacts = %#v, want empty", alert.Contacts)
	}
	if len(alert.Staff) != 1 || alert.Staff[0].Name != "Night nurse" {
		t.Fatalf("staff = %+v", alert.Staff)
	}
	sent := local.last.Load()
	if len(sent.Staff) != 1 {
		t.Fatalf("channel payload missing staff: %+v", sent)
	}
}

type switchableDirectory struct {
	hang atomic.Bool
}

func (d *switchableDirectory) Contacts(ctx context.Context, _ string) ([]domain.Contact, error) {
	if d.hang.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []domain.Contact{{ID: "c1", Name: "Daughter", Primary: true}}, nil
}

func (d *switchableDirectory) Staff(ctx context.Context, _ string) ([]domain.StaffMember, error) {
	if d.hang.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []domain.StaffMember{{ID: "s1", Name: "Night nurse"}}, nil
}

type hangingGeocoder struct{}

func (hangingGeocoder) ReverseGeocode(ctx context.Context, _ *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEnrichmentFallbacksSurviveHangingSources(t *testing.T) {
	t.Parallel()

	source := &switchableDirectory{}
	cached := directory.NewCached(source, time.Minute, 50*time.Millisecond, quietLogger())
	if _, err := cached.Contacts(context.Background(), "E1"); err != nil {
		t.Fatalf("warm contacts: %v", err)
	}
	if _, err := cached.Staff(context.Background(), "E1"); err != nil {
		t.Fatalf("warm staff: %v", err)
	}
	source.hang.Store(true)

	provider := location.NewGeocodingProvider(
		location.NewStaticProvider(config.LocationConfig{Enabled: true, Latitude: 1, Longitude: 2}, fixedNow),
		hangingGeocoder{}, "", 50*time.Millisecond, quietLogger(),
	)
	local := fixed("local", domain.Success())
	dispatcher, _ := newHarness(t, Channels{Local: local}, func(opts *Options) {
		opts.Location = provider
		opts.Directory = cached
		opts.LocationTimeout = 100 * time.Millisecond
		opts.DirectoryTimeout = 100 * time.Millisecond
	})

	for i := 0; i < 3; i++ {
		outcome := dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
		alert := outcome.Alert
		if alert == nil || !outcome.Success {
			t.Fatalf("trigger %d outcome = %+v", i, outcome)
		}
		if !alert.Location.Available || *alert.Location.Latitude != 1 || *alert.Location.Longitude != 2 {
			t.Fatalf("trigger %d location = %+v, want static fix", i, alert.Location)
		}
		if len(alert.Contacts) != 1 || alert.Contacts[0].ID != "c1" {
			t.Fatalf("trigger %d contacts = %+v, want cached", i, alert.Contacts)
		}
		if len(alert.Staff) != 1 || alert.Staff[0].ID != "s1" {
			t.Fatalf("trigger %d staff = %+v, want cached", i, alert.Staff)
		}
	}
}

func TestTriggerRecordsMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	dispatcher, _ := newHarness(t, Channels{
		Backend: fixed("backend", domain.Failed(channel.ReasonUnavailable, true)),
	}, func(opts *Options) { opts.Metrics = m })

	dispatcher.Trigger(context.Background(), domain.Subject{ID: "E1"}, nil)
	dispatcher.Trigger(context.Background(), domain.Subject{}, nil)

	count, err := testutil.GatherAndCount(m.Registry(), "sosalert_triggers_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 2 {
		t.Fatalf("trigger series = %d, want 2 (failed, rejected)", count)
	}
	count, err = testutil.GatherAndCount(m.Registry(), "sosalert_channel_outcomes_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 3 {
		t.Fatalf("channel outcome series = %d, want 3", count)
	}
}
