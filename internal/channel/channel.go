package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sosalert/internal/config"
	"sosalert/internal/domain"
	"sosalert/internal/permanent"
)

// Failure reasons reported in channel outcomes.
const (
	ReasonDisabled      = "disabled"
	ReasonMisconfigured = "misconfigured"
	ReasonTimeout       = "timeout"
	ReasonCancelled     = "cancelled"
	ReasonPanic         = "panic"
	ReasonNetwork       = "network_unreachable"
	ReasonRouteNotFound = "route_not_found"
	ReasonUnavailable   = "service_unavailable"
	ReasonValidation    = "validation"
	ReasonForbidden     = "forbidden"
	ReasonUnexpected    = "unexpected_status"
	ReasonBroker        = "broker_unavailable"
	ReasonRender        = "render_failed"
	ReasonPresenter     = "presenter_failed"
	ReasonSendFailed    = "send_failed"
)

// Sender delivers one alert over one transport.
// Params: context bounded by channel timeout and alert copy owned by the sender.
// Returns: nil on acceptance; *Failure (optionally permanent-marked) otherwise.
type Sender interface {
	Name() string
	Ready() error
	Send(ctx context.Context, alert domain.EmergencyAlert) error
}

// Channel is the dispatcher view of one guarded sender.
type Channel interface {
	Name() string
	Attempt(ctx context.Context, alert domain.EmergencyAlert) domain.ChannelOutcome
}

// Failure is a classified send error.
// Params: stable reason code and root cause.
// Returns: error carrying outcome reason.
type Failure struct {
	Reason string
	Err    error
}

// Error renders reason and cause.
func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Reason
	}
	return f.Reason + ": " + f.Err.Error()
}

// Unwrap exposes root cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Fail builds retryable classified failure.
func Fail(reason string, err error) error {
	return &Failure{Reason: reason, Err: err}
}

// FailPermanent builds non-retryable classified failure.
func FailPermanent(reason string, err error) error {
	return permanent.Mark(&Failure{Reason: reason, Err: err})
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("sender panic: %v", p.value)
}

// Guard applies enable gating, readiness, timeout and panic containment to a sender.
// Params: sender, gate settings and logger.
// Returns: Channel that never blocks past its timeout and never panics.
type Guard struct {
	sender  Sender
	gate    config.ChannelGate
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuard wraps sender with channel gate.
// Params: sender, gate (timeout <=0 means 5s) and optional logger.
// Returns: guarded channel.
func NewGuard(sender Sender, gate config.ChannelGate, logger *slog.Logger) *Guard {
	timeout := time.Duration(gate.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{sender: sender, gate: gate, timeout: timeout, logger: logger}
}

// Name returns wrapped sender name.
func (g *Guard) Name() string {
	return g.sender.Name()
}

// Attempt runs one delivery attempt and classifies the result.
// Params: parent context and alert (sender receives a deep copy).
// Returns: channel outcome; disabled/misconfigured are reported without I/O.
func (g *Guard) Attempt(ctx context.Context, alert domain.EmergencyAlert) domain.ChannelOutcome {
	if !g.gate.Enabled {
		return domain.Skipped(ReasonDisabled)
	}
	if err := g.sender.Ready(); err != nil {
		return domain.Skipped(ReasonMisconfigured + ": " + err.Error())
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	payload := alert.Clone()
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- panicError{value: recovered}
			}
		}()
		done <- g.sender.Send(attemptCtx, payload)
	}()

	var outcome domain.ChannelOutcome
	select {
	case err := <-done:
		outcome = classify(err)
	case <-attemptCtx.Done():
		select {
		case err := <-done:
			outcome = classify(err)
		default:
			outcome = abandoned(attemptCtx.Err())
		}
	}

	if outcome.IsFailed() {
		g.logger.Warn("channel attempt failed", "channel", g.Name(), "alert_id", alert.ID, "reason", outcome.Reason, "retryable", outcome.Retryable)
	} else {
		g.logger.Debug("channel attempt finished", "channel", g.Name(), "alert_id", alert.ID, "outcome", string(outcome.Kind))
	}
	return outcome
}

// classify maps send error into outcome.
// Params: sender error.
// Returns: success or failed outcome with retry flag.
func classify(err error) domain.ChannelOutcome {
	if err == nil {
		return domain.Success()
	}
	var panicked panicError
	if errors.As(err, &panicked) {
		return domain.Failed(ReasonPanic, false)
	}
	retryable := permanent.Retryable(err)
	var failure *Failure
	if errors.As(err, &failure) {
		return domain.Failed(failure.Reason, retryable)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return abandoned(err)
	}
	return domain.Failed(ReasonSendFailed, retryable)
}

// abandoned reports an attempt cut short by its context.
// Returns: timeout only when a deadline expired; cancelled for caller shutdown.
func abandoned(err error) domain.ChannelOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Failed(ReasonTimeout, true)
	}
	return domain.Failed(ReasonCancelled, true)
}
