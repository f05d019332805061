package domain

import "errors"

// Channel names used in outcomes, logs and metrics.
const (
	ChannelBackend = "backend"
	ChannelQueue   = "queue"
	ChannelLocal   = "local"
)

// ChannelNames lists dispatch channels in fan-out order.
// Params: none.
// Returns: fresh slice of channel names.
func ChannelNames() []string {
	return []string{ChannelBackend, ChannelQueue, ChannelLocal}
}

// ErrOutcomeAlreadySet is returned when a channel slot is written twice.
var ErrOutcomeAlreadySet = errors.New("channel outcome already set")

// OutcomeKind classifies one channel attempt.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
)

// ChannelOutcome is the result of one channel attempt.
// Params: kind, failure/skip reason and retry classification.
// Returns: per-channel delivery verdict.
type ChannelOutcome struct {
	Kind      OutcomeKind `json:"kind"`
	Reason    string      `json:"reason,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

// Success builds successful outcome.
func Success() ChannelOutcome {
	return ChannelOutcome{Kind: OutcomeSuccess}
}

// Failed builds failed outcome with reason and retry flag.
func Failed(reason string, retryable bool) ChannelOutcome {
	return ChannelOutcome{Kind: OutcomeFailed, Reason: reason, Retryable: retryable}
}

// Skipped builds skipped outcome with reason.
func Skipped(reason string) ChannelOutcome {
	return ChannelOutcome{Kind: OutcomeSkipped, Reason: reason}
}

// IsSuccess reports success kind.
func (o ChannelOutcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }

// IsFailed reports failed kind.
func (o ChannelOutcome) IsFailed() bool { return o.Kind == OutcomeFailed }

// ChannelOutcomes holds one outcome slot per channel.
// Params: nil slot means channel has not reported yet.
// Returns: aggregated outcome record.
type ChannelOutcomes struct {
	Backend *ChannelOutcome `json:"backend,omitempty"`
	Queue   *ChannelOutcome `json:"queue,omitempty"`
	Local   *ChannelOutcome `json:"local,omitempty"`
}

// Set writes one channel slot exactly once.
// Params: channel name and outcome.
// Returns: ErrOutcomeAlreadySet on second write, error on unknown channel.
func (c *ChannelOutcomes) Set(channel string, outcome ChannelOutcome) error {
	slot, err := c.slot(channel)
	if err != nil {
		return err
	}
	if *slot != nil {
		return ErrOutcomeAlreadySet
	}
	value := outcome
	*slot = &value
	return nil
}

// Get returns channel slot value.
// Params: channel name.
// Returns: outcome and true when slot is populated.
func (c ChannelOutcomes) Get(channel string) (ChannelOutcome, bool) {
	slot, err := c.slot(channel)
	if err != nil || *slot == nil {
		return ChannelOutcome{}, false
	}
	return **slot, true
}

// AnySuccess reports whether at least one channel succeeded.
func (c ChannelOutcomes) AnySuccess() bool {
	for _, name := range ChannelNames() {
		if outcome, ok := c.Get(name); ok && outcome.IsSuccess() {
			return true
		}
	}
	return false
}

// Complete reports whether every channel slot is populated.
func (c ChannelOutcomes) Complete() bool {
	return c.Backend != nil && c.Queue != nil && c.Local != nil
}

func (c *ChannelOutcomes) slot(channel string) (**ChannelOutcome, error) {
	switch channel {
	case ChannelBackend:
		return &c.Backend, nil
	case ChannelQueue:
		return &c.Queue, nil
	case ChannelLocal:
		return &c.Local, nil
	default:
		return nil, errors.New("unknown channel " + channel)
	}
}

func (c ChannelOutcomes) clone() ChannelOutcomes {
	return ChannelOutcomes{
		Backend: cloneOutcome(c.Backend),
		Queue:   cloneOutcome(c.Queue),
		Local:   cloneOutcome(c.Local),
	}
}

func cloneOutcome(value *ChannelOutcome) *ChannelOutcome {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
