package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sosalert/internal/channel"
	"sosalert/internal/directory"
	"sosalert/internal/domain"
	"sosalert/internal/location"
	"sosalert/internal/metrics"

	"github.com/google/uuid"
)

const (
	defaultLocationTimeout  = 1500 * time.Millisecond
	defaultDirectoryTimeout = 2 * time.Second
)

// AlertStore is the persistence surface the dispatcher writes to.
type AlertStore interface {
	AppendHistory(ctx context.Context, alert domain.EmergencyAlert) error
	EnqueuePending(ctx context.Context, alert domain.EmergencyAlert) (domain.PendingEntry, error)
	PendingCount(ctx context.Context) int
}

// Channels groups the three delivery paths; nil entries are reported as disabled.
type Channels struct {
	Backend channel.Channel
	Queue   channel.Channel
	Local   channel.Channel
}

func (c Channels) byName(name string) channel.Channel {
	switch name {
	case domain.ChannelBackend:
		return c.Backend
	case domain.ChannelQueue:
		return c.Queue
	case domain.ChannelLocal:
		return c.Local
	default:
		return nil
	}
}

// Options configures dispatcher collaborators.
type Options struct {
	Location         location.Provider
	Directory        directory.Directory
	Channels         Channels
	Store            AlertStore
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string
	LocationTimeout  time.Duration
	DirectoryTimeout time.Duration
}

// Outcome is the final result of one trigger.
// Alert is nil when the trigger was rejected before construction.
type Outcome struct {
	Success  bool
	Alert    *domain.EmergencyAlert
	Err      error
	Enqueued bool
}

// Dispatcher validates, enriches, fans out and records one emergency alert per trigger.
type Dispatcher struct {
	location         location.Provider
	directory        directory.Directory
	channels         Channels
	store            AlertStore
	metrics          *metrics.Metrics
	logger           *slog.Logger
	now              func() time.Time
	newID            func() string
	locationTimeout  time.Duration
	directoryTimeout time.Duration
}

// New creates dispatcher.
// Params: options; zero timeouts use 1.5s for location and 2s for directory.
// Returns: dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		location:         opts.Location,
		directory:        opts.Directory,
		channels:         opts.Channels,
		store:            opts.Store,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		now:              opts.Now,
		newID:            opts.NewID,
		locationTimeout:  opts.LocationTimeout,
		directoryTimeout: opts.DirectoryTimeout,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	if d.locationTimeout <= 0 {
		d.locationTimeout = defaultLocationTimeout
	}
	if d.directoryTimeout <= 0 {
		d.directoryTimeout = defaultDirectoryTimeout
	}
	return d
}

// Trigger raises one emergency alert for subject.
// Params: context, subject identity and free-form additional info.
// Returns: aggregated outcome; channel faults never escape as errors or panics.
func (d *Dispatcher) Trigger(ctx context.Context, subject domain.Subject, additionalInfo map[string]string) Outcome {
	started := d.now()
	if strings.TrimSpace(subject.ID) == "" {
		d.observeTrigger("rejected", 0)
		return Outcome{Err: &domain.ValidationError{Field: "subject.id", Message: "subject identity is required"}}
	}

	enrichment := d.enrich(ctx, subject.ID)
	alert := domain.EmergencyAlert{
		ID:             d.newID(),
		SubjectID:      strings.TrimSpace(subject.ID),
		SubjectName:    subject.DisplayName,
		SubjectPhone:   subject.Phone,
		CreatedAt:      started.UTC(),
		Location:       enrichment.location,
		Contacts:       enrichment.contacts,
		Staff:          enrichment.staff,
		AdditionalInfo: copyInfo(additionalInfo),
		Status:         domain.AlertStatusPending,
	}

	outcomes := d.fanOut(ctx, alert)
	for _, name := range domain.ChannelNames() {
		outcome := outcomes[name]
		if err := alert.ChannelOutcomes.Set(name, outcome); err != nil {
			d.logger.Error("channel outcome rejected", "alert_id", alert.ID, "channel", name, "error", err.Error())
		}
		if d.metrics != nil {
			d.metrics.ObserveChannel(name, string(outcome.Kind), outcome.Reason)
		}
	}

	result := Outcome{Success: alert.ChannelOutcomes.AnySuccess()}
	if result.Success {
		alert.Status = domain.AlertStatusDelivered
	} else {
		alert.Status = domain.AlertStatusFailed
	}

	if d.store != nil {
		if err := d.store.AppendHistory(ctx, alert); err != nil {
			d.logger.Error("history write failed", "alert_id", alert.ID, "error", err.Error())
		}
		if !result.Success && retryableBackendFailure(alert.ChannelOutcomes) {
			if _, err := d.store.EnqueuePending(ctx, alert); err != nil {
				d.logger.Error("pending enqueue failed", "alert_id", alert.ID, "error", err.Error())
			} else {
				result.Enqueued = true
			}
		}
		if d.metrics != nil {
			d.metrics.SetPending(d.store.PendingCount(ctx))
		}
	}

	if !result.Success {
		result.Err = &domain.DeliveryError{AlertID: alert.ID, Outcomes: alert.ChannelOutcomes, Enqueued: result.Enqueued}
		d.logger.Error("emergency alert not delivered", "alert_id", alert.ID, "enqueued", result.Enqueued, "error", result.Err.Error())
	} else {
		d.logger.Info("emergency alert delivered", "alert_id", alert.ID, "subject_id", alert.SubjectID, "outcomes", summarize(alert.ChannelOutcomes))
	}

	resultLabel := string(domain.AlertStatusFailed)
	if result.Success {
		resultLabel = string(domain.AlertStatusDelivered)
	}
	d.observeTrigger(resultLabel, d.now().Sub(started))

	result.Alert = &alert
	return result
}

func (d *Dispatcher) observeTrigger(result string, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveTrigger(result, elapsed)
	}
}

type enrichment struct {
	location domain.LocationSnapshot
	contacts []domain.Contact
	staff    []domain.StaffMember
}

// enrich resolves location, contacts and staff concurrently; every lookup degrades on failure.
func (d *Dispatcher) enrich(ctx context.Context, subjectID string) enrichment {
	out := enrichment{
		location: domain.UnavailableLocation(d.now().UTC()),
		contacts: []domain.Contact{},
		staff:    []domain.StaffMember{},
	}

	var wg sync.WaitGroup
	if d.location != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot, err := bounded(ctx, d.locationTimeout, d.location.Current)
			if err != nil {
				d.logger.Warn("location unavailable", "subject_id", subjectID, "error", err.Error())
				return
			}
			out.location = snapshot
		}()
	}
	if d.directory != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			contacts, err := bounded(ctx, d.directoryTimeout, func(ctx context.Context) ([]domain.Contact, error) {
				return d.directory.Contacts(ctx, subjectID)
			})
			if err != nil {
				d.logger.Warn("contacts unavailable", "subject_id", subjectID, "error", err.Error())
				return
			}
			if contacts != nil {
				out.contacts = contacts
			}
		}()
		go func() {
			defer wg.Done()
			staff, err := bounded(ctx, d.directoryTimeout, func(ctx context.Context) ([]domain.StaffMember, error) {
				return d.directory.Staff(ctx, subjectID)
			})
			if err != nil {
				d.logger.Warn("staff unavailable", "subject_id", subjectID, "error", err.Error())
				return
			}
			if staff != nil {
				out.staff = staff
			}
		}()
	}
	wg.Wait()
	return out
}

// fanOut sends alert to every channel concurrently and waits for all of them.
func (d *Dispatcher) fanOut(ctx context.Context, alert domain.EmergencyAlert) map[string]domain.ChannelOutcome {
	names := domain.ChannelNames()
	results := make([]domain.ChannelOutcome, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		target := d.channels.byName(name)
		if target == nil {
			results[i] = domain.Skipped(channel.ReasonDisabled)
			continue
		}
		wg.Add(1)
		go func(i int, target channel.Channel, payload domain.EmergencyAlert) {
			defer wg.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					d.logger.Error("channel panicked", "alert_id", payload.ID, "channel", target.Name(), "panic", fmt.Sprint(recovered))
					results[i] = domain.Failed(channel.ReasonPanic, false)
				}
			}()
			results[i] = target.Attempt(ctx, payload)
		}(i, target, alert.Clone())
	}
	wg.Wait()

	out := make(map[string]domain.ChannelOutcome, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

// bounded runs lookup with its own deadline and returns even if lookup ignores ctx.
func bounded[T any](ctx context.Context, timeout time.Duration, lookup func(context.Context) (T, error)) (T, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- result{err: fmt.Errorf("lookup panic: %v", recovered)}
			}
		}()
		value, err := lookup(lookupCtx)
		done <- result{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-lookupCtx.Done():
		var zero T
		return zero, fmt.Errorf("lookup timed out after %s: %w", timeout, lookupCtx.Err())
	}
}

func retryableBackendFailure(outcomes domain.ChannelOutcomes) bool {
	backend, ok := outcomes.Get(domain.ChannelBackend)
	return ok && backend.IsFailed() && backend.Retryable
}

func summarize(outcomes domain.ChannelOutcomes) string {
	parts := make([]string, 0, 3)
	for _, name := range domain.ChannelNames() {
		if outcome, ok := outcomes.Get(name); ok {
			parts = append(parts, name+"="+string(outcome.Kind))
		}
	}
	return strings.Join(parts, ",")
}

func copyInfo(info map[string]string) map[string]string {
	if len(info) == 0 {
		return nil
	}
	out := make(map[string]string, len(info))
	for key, value := range info {
		out[key] = value
	}
	return out
}
