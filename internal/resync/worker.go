package resync

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"sosalert/internal/channel"
	"sosalert/internal/domain"
	"sosalert/internal/metrics"

	"github.com/robfig/cron/v3"
)

// DefaultMaxAttempts bounds resend attempts per pending alert.
const DefaultMaxAttempts = 10

// Queue is the pending-alert surface used for resending.
type Queue interface {
	All(ctx context.Context) iter.Seq[domain.PendingEntry]
	RemovePending(ctx context.Context, alertID string) error
	RecordAttempt(ctx context.Context, entry domain.PendingEntry, reason string) (domain.PendingEntry, error)
	PendingCount(ctx context.Context) int
}

// Report summarizes one resend pass.
type Report struct {
	Delivered int
	Retried   int
	Dropped   int
}

// Worker periodically resends pending alerts through the backend channel.
type Worker struct {
	queue       Queue
	backend     channel.Channel
	schedule    string
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// New creates resend worker.
// Params: queue, guarded backend channel, cron schedule, attempt bound (<=0 uses 10), metrics and logger.
// Returns: stopped worker.
func New(queue Queue, backend channel.Channel, schedule string, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:       queue,
		backend:     backend,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger,
	}
}

// Start schedules resend passes; overlapping passes are skipped.
// Params: parent context cancelled on shutdown.
// Returns: schedule parse error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return fmt.Errorf("resync worker already started")
	}

	cronLogger := slogCronLogger{logger: w.logger}
	scheduler := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := scheduler.AddFunc(w.schedule, func() { w.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule resync %q: %w", w.schedule, err)
	}
	scheduler.Start()

	w.cron = scheduler
	w.cancel = cancel
	w.logger.Info("resync worker started", "schedule", w.schedule, "max_attempts", w.maxAttempts)
	return nil
}

// Stop cancels the running pass and waits for it to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	scheduler, cancel := w.cron, w.cancel
	w.cron, w.cancel = nil, nil
	w.mu.Unlock()

	if scheduler == nil {
		return
	}
	cancel()
	<-scheduler.Stop().Done()
}

// RunOnce resends every pending alert in insertion order.
// Params: context bounding the pass.
// Returns: pass report.
func (w *Worker) RunOnce(ctx context.Context) Report {
	var report Report
	for entry := range w.queue.All(ctx) {
		outcome := w.backend.Attempt(ctx, entry.Alert)
		switch outcome.Kind {
		case domain.OutcomeSuccess:
			if err := w.queue.RemovePending(ctx, entry.Alert.ID); err != nil {
				w.logger.Error("resent alert could not be dequeued", "alert_id", entry.Alert.ID, "error", err.Error())
			}
			report.Delivered++
			w.observe("delivered")
			w.logger.Info("pending alert resent", "alert_id", entry.Alert.ID, "attempts", entry.AttemptCount+1)
		case domain.OutcomeSkipped:
			w.logger.Debug("backend channel unavailable for resync", "reason", outcome.Reason)
			w.refreshGauge(ctx)
			return report
		default:
			if w.handleFailure(ctx, entry, outcome) {
				report.Dropped++
			} else {
				report.Retried++
			}
		}
	}
	w.refreshGauge(ctx)
	return report
}

// handleFailure records failed resend and drops entries that cannot succeed.
// Returns: true when entry was removed from the queue.
func (w *Worker) handleFailure(ctx context.Context, entry domain.PendingEntry, outcome domain.ChannelOutcome) bool {
	updated, err := w.queue.RecordAttempt(ctx, entry, outcome.Reason)
	if err != nil {
		w.logger.Warn("resync attempt not recorded", "alert_id", entry.Alert.ID, "error", err.Error())
		updated = entry
		updated.AttemptCount++
	}
	if outcome.Retryable && updated.AttemptCount < w.maxAttempts {
		w.observe("retry")
		return false
	}

	if err := w.queue.RemovePending(ctx, entry.Alert.ID); err != nil {
		w.logger.Error("pending alert could not be dropped", "alert_id", entry.Alert.ID, "error", err.Error())
	}
	w.observe("dropped")
	w.logger.Error("pending alert dropped; emergency was never confirmed by backend",
		"alert_id", entry.Alert.ID,
		"subject_id", entry.Alert.SubjectID,
		"attempts", updated.AttemptCount,
		"reason", outcome.Reason,
	)
	return true
}

func (w *Worker) observe(result string) {
	if w.metrics != nil {
		w.metrics.ObserveResync(result)
	}
}

func (w *Worker) refreshGauge(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.SetPending(w.queue.PendingCount(ctx))
	}
}

// slogCronLogger adapts slog to cron.Logger.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
