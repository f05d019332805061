package sos

import (
	"time"

	"sosalert/internal/config"
	"sosalert/internal/dispatch"
)

// Policy holds countdown timing.
type Policy struct {
	Hold            time.Duration
	Tick            time.Duration
	CooldownSuccess time.Duration
	CooldownFailure time.Duration
}

// DefaultPolicy returns 3s hold, 100ms tick and 2s/3s cooldowns.
func DefaultPolicy() Policy {
	return Policy{
		Hold:            3000 * time.Millisecond,
		Tick:            100 * time.Millisecond,
		CooldownSuccess: 2000 * time.Millisecond,
		CooldownFailure: 3000 * time.Millisecond,
	}
}

// PolicyFromConfig builds policy from [sos] section; non-positive values keep defaults.
// Params: sos config.
// Returns: normalized policy.
func PolicyFromConfig(cfg config.SOSConfig) Policy {
	policy := DefaultPolicy()
	if cfg.HoldMS > 0 {
		policy.Hold = time.Duration(cfg.HoldMS) * time.Millisecond
	}
	if cfg.TickMS > 0 {
		policy.Tick = time.Duration(cfg.TickMS) * time.Millisecond
	}
	if cfg.CooldownSuccessMS > 0 {
		policy.CooldownSuccess = time.Duration(cfg.CooldownSuccessMS) * time.Millisecond
	}
	if cfg.CooldownFailureMS > 0 {
		policy.CooldownFailure = time.Duration(cfg.CooldownFailureMS) * time.Millisecond
	}
	return policy
}

// State is the countdown session; one of Idle, Holding, Triggering, CoolingDown.
type State interface {
	Name() string
	sealed()
}

// Idle waits for a press.
type Idle struct{}

// Holding counts down while the button is held.
type Holding struct {
	Remaining time.Duration
	StartedAt time.Time
}

// Triggering waits for the dispatcher outcome.
type Triggering struct {
	StartedAt time.Time
}

// CoolingDown shows the terminal result before re-arming.
type CoolingDown struct {
	Window  time.Duration
	Success bool
}

func (Idle) Name() string        { return "idle" }
func (Holding) Name() string     { return "holding" }
func (Triggering) Name() string  { return "triggering" }
func (CoolingDown) Name() string { return "cooling_down" }

func (Idle) sealed()        {}
func (Holding) sealed()     {}
func (Triggering) sealed()  {}
func (CoolingDown) sealed() {}

// Event drives a transition.
type Event interface {
	event()
}

// Press starts a hold at the given time.
type Press struct {
	At time.Time
}

// Release ends a hold.
type Release struct{}

// Tick is one countdown period.
type Tick struct{}

// DispatchDone carries the dispatcher outcome back into the machine.
type DispatchDone struct {
	Outcome dispatch.Outcome
}

// CooldownElapsed ends the terminal window.
type CooldownElapsed struct{}

func (Press) event()           {}
func (Release) event()         {}
func (Tick) event()            {}
func (DispatchDone) event()    {}
func (CooldownElapsed) event() {}

// Effect is a side effect requested by a transition.
type Effect interface {
	effect()
}

// StartTicker starts the countdown ticker.
type StartTicker struct{}

// StopTicker stops the countdown ticker.
type StopTicker struct{}

// Dispatch invokes the dispatcher once.
type Dispatch struct{}

// StartCooldown arms the re-arm timer.
type StartCooldown struct {
	Duration time.Duration
}

func (StartTicker) effect()   {}
func (StopTicker) effect()    {}
func (Dispatch) effect()      {}
func (StartCooldown) effect() {}

// Transition computes the next state and the effects to run.
// Params: timing policy, current state and event.
// Returns: next state (same value when the event is ignored) and effects.
func Transition(policy Policy, state State, ev Event) (State, []Effect) {
	switch current := state.(type) {
	case Idle:
		if press, ok := ev.(Press); ok {
			return Holding{Remaining: policy.Hold, StartedAt: press.At}, []Effect{StartTicker{}}
		}
	case Holding:
		switch ev.(type) {
		case Release:
			return Idle{}, []Effect{StopTicker{}}
		case Tick:
			remaining := current.Remaining - policy.Tick
			if remaining <= 0 {
				return Triggering{StartedAt: current.StartedAt}, []Effect{StopTicker{}, Dispatch{}}
			}
			return Holding{Remaining: remaining, StartedAt: current.StartedAt}, nil
		}
	case Triggering:
		if done, ok := ev.(DispatchDone); ok {
			window := policy.CooldownFailure
			if done.Outcome.Success {
				window = policy.CooldownSuccess
			}
			return CoolingDown{Window: window, Success: done.Outcome.Success}, []Effect{StartCooldown{Duration: window}}
		}
	case CoolingDown:
		if _, ok := ev.(CooldownElapsed); ok {
			return Idle{}, nil
		}
	}
	return state, nil
}

// Progress returns hold completion percent clamped to [0,100].
// Params: policy and state.
// Returns: 0 when idle, 100 once triggered.
func Progress(policy Policy, state State) float64 {
	switch current := state.(type) {
	case Holding:
		if policy.Hold <= 0 {
			return 100
		}
		percent := float64(policy.Hold-current.Remaining) * 100 / float64(policy.Hold)
		return min(max(percent, 0), 100)
	case Triggering, CoolingDown:
		return 100
	default:
		return 0
	}
}

// Remaining returns countdown left in holding state.
func Remaining(state State) time.Duration {
	if holding, ok := state.(Holding); ok && holding.Remaining > 0 {
		return holding.Remaining
	}
	return 0
}
