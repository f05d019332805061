package domain

import (
	"fmt"
	"strings"
)

// ValidationError rejects a trigger before any side effect.
// Params: offending field and human-readable message.
// Returns: typed error for errors.As checks.
type ValidationError struct {
	Field   string
	Message string
}

// Error renders validation failure.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// DeliveryError reports that no channel accepted the alert.
// Params: alert id and per-channel outcomes.
// Returns: actionable error surfaced to the user.
type DeliveryError struct {
	AlertID  string
	Outcomes ChannelOutcomes
	Enqueued bool
}

// Error renders user-facing delivery failure.
func (e *DeliveryError) Error() string {
	parts := make([]string, 0, 3)
	for _, name := range ChannelNames() {
		outcome, ok := e.Outcomes.Get(name)
		if !ok {
			continue
		}
		if outcome.Reason == "" {
			parts = append(parts, name+"="+string(outcome.Kind))
			continue
		}
		parts = append(parts, name+"="+string(outcome.Kind)+"("+outcome.Reason+")")
	}
	message := "emergency alert was not delivered"
	if len(parts) > 0 {
		message += " [" + strings.Join(parts, " ") + "]"
	}
	if e.Enqueued {
		message += "; it was saved and will be resent automatically"
	}
	return message + "; press and hold SOS again to retry"
}
