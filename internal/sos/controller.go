package sos

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"sosalert/internal/clock"
	"sosalert/internal/dispatch"
	"sosalert/internal/domain"
	"sosalert/internal/session"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("sos controller closed")

// Dispatcher raises one alert per completed hold.
type Dispatcher interface {
	Trigger(ctx context.Context, subject domain.Subject, additionalInfo map[string]string) dispatch.Outcome
}

// Publisher receives a snapshot after every state change.
type Publisher interface {
	Publish(snapshot session.Snapshot)
}

// Controller owns the countdown session and serializes every event on one loop goroutine.
type Controller struct {
	policy     Policy
	source     clock.Source
	dispatcher Dispatcher
	subject    domain.Subject
	publisher  Publisher
	logger     *slog.Logger

	commands chan func()
	results  chan dispatch.Outcome
	cancel   context.CancelFunc
	done     chan struct{}

	// loop-owned
	state     State
	ticker    clock.Ticker
	cooldown  clock.Timer
	info      map[string]string
	lastAlert *domain.EmergencyAlert
	lastError string
	loopCtx   context.Context
}

// NewController starts controller loop.
// Params: policy, time source, dispatcher, subject, publisher and logger.
// Returns: running controller; call Close to stop it.
func NewController(policy Policy, source clock.Source, dispatcher Dispatcher, subject domain.Subject, publisher Publisher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		policy:     policy,
		source:     source,
		dispatcher: dispatcher,
		subject:    subject,
		publisher:  publisher,
		logger:     logger,
		commands:   make(chan func()),
		results:    make(chan dispatch.Outcome, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      Idle{},
		loopCtx:    ctx,
	}
	go c.run(ctx)
	return c
}

// Press starts a hold without extra alert details.
// Returns: true when the press was accepted.
func (c *Controller) Press() bool {
	return c.PressWithInfo(nil)
}

// PressWithInfo starts a hold; info is attached to the alert if the hold completes.
// Returns: true when the press was accepted, false while holding, triggering or cooling down.
func (c *Controller) PressWithInfo(info map[string]string) bool {
	var changed bool
	err := c.do(func() {
		changed = c.apply(Press{At: c.source.Now()})
		if changed {
			c.info = maps.Clone(info)
		}
	})
	return err == nil && changed
}

// Release cancels an in-progress hold; it is a no-op in any other state.
// Returns: true when a hold was cancelled.
func (c *Controller) Release() bool {
	var changed bool
	err := c.do(func() {
		changed = c.apply(Release{})
	})
	return err == nil && changed
}

// Snapshot returns the session view after every previously issued command.
func (c *Controller) Snapshot() session.Snapshot {
	var snapshot session.Snapshot
	if err := c.do(func() { snapshot = c.snapshot() }); err != nil {
		return session.Snapshot{State: Idle{}.Name()}
	}
	return snapshot
}

// Close stops the loop and any running timers. An in-flight dispatch is abandoned.
func (c *Controller) Close() {
	c.cancel()
	<-c.done
}

func (c *Controller) do(command func()) error {
	executed := make(chan struct{})
	wrapped := func() {
		command()
		close(executed)
	}
	select {
	case c.commands <- wrapped:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-executed:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.stopTimers()

	for {
		var tickC, cooldownC <-chan time.Time
		if c.ticker != nil {
			tickC = c.ticker.C()
		}
		if c.cooldown != nil {
			cooldownC = c.cooldown.C()
		}

		select {
		case <-ctx.Done():
			return
		case command := <-c.commands:
			command()
		case <-tickC:
			c.apply(Tick{})
		case outcome := <-c.results:
			c.apply(DispatchDone{Outcome: outcome})
		case <-cooldownC:
			c.cooldown = nil
			c.apply(CooldownElapsed{})
		}
	}
}

// apply runs one transition and its effects.
// Returns: true when the state changed.
func (c *Controller) apply(ev Event) bool {
	prev := c.state
	next, effects := Transition(c.policy, prev, ev)
	if next == prev {
		return false
	}
	c.state = next

	if done, ok := ev.(DispatchDone); ok {
		c.lastAlert = done.Outcome.Alert
		c.lastError = ""
		if done.Outcome.Err != nil {
			c.lastError = done.Outcome.Err.Error()
		}
	}
	for _, eff := range effects {
		c.runEffect(eff)
	}
	if prev.Name() != next.Name() {
		c.logger.Info("sos state changed", "from", prev.Name(), "to", next.Name())
	}
	if c.publisher != nil {
		c.publisher.Publish(c.snapshot())
	}
	return true
}

func (c *Controller) runEffect(eff Effect) {
	switch typed := eff.(type) {
	case StartTicker:
		c.stopTicker()
		c.ticker = c.source.NewTicker(c.policy.Tick)
	case StopTicker:
		c.stopTicker()
	case Dispatch:
		subject, info := c.subject, c.info
		c.info = nil
		ctx := c.loopCtx
		c.logger.Warn("sos hold completed, dispatching emergency alert", "subject_id", subject.ID)
		go func() {
			outcome := c.dispatcher.Trigger(ctx, subject, info)
			select {
			case c.results <- outcome:
			case <-ctx.Done():
			}
		}()
	case StartCooldown:
		if c.cooldown != nil {
			c.cooldown.Stop()
		}
		c.cooldown = c.source.NewTimer(typed.Duration)
	}
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) stopTimers() {
	c.stopTicker()
	if c.cooldown != nil {
		c.cooldown.Stop()
		c.cooldown = nil
	}
}

func (c *Controller) snapshot() session.Snapshot {
	snapshot := session.Snapshot{
		State:                c.state.Name(),
		CountdownRemainingMs: Remaining(c.state).Milliseconds(),
		ProgressPercent:      Progress(c.policy, c.state),
		LastError:            c.lastError,
		UpdatedAt:            c.source.Now(),
	}
	switch c.state.(type) {
	case Holding:
		snapshot.IsHolding = true
	case Triggering:
		snapshot.IsTriggering = true
	}
	if c.lastAlert != nil {
		alert := c.lastAlert.Clone()
		snapshot.LastAlert = &alert
	}
	return snapshot
}
