package domain

import (
	"maps"
	"slices"
	"time"
)

// AlertStatus is emergency alert delivery state.
// Params: pending/delivered/failed constants.
// Returns: status persisted in history.
type AlertStatus string

const (
	// AlertStatusPending marks alert constructed but not yet aggregated.
	AlertStatusPending AlertStatus = "pending"
	// AlertStatusDelivered marks alert accepted by at least one channel.
	AlertStatusDelivered AlertStatus = "delivered"
	// AlertStatusFailed marks alert rejected by every attempted channel.
	AlertStatusFailed AlertStatus = "failed"
)

// Subject identifies the person raising the alarm.
// Params: stable identity, display name and phone.
// Returns: trigger input for dispatcher.
type Subject struct {
	ID          string `json:"id" toml:"id"`
	DisplayName string `json:"display_name" toml:"display_name"`
	Phone       string `json:"phone,omitempty" toml:"phone"`
}

// LocationSnapshot is a best-effort device position.
// Params: availability flag, optional coordinates and address.
// Returns: location block embedded in alert.
type LocationSnapshot struct {
	Available bool      `json:"available"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Address   string    `json:"address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UnavailableLocation returns snapshot used when no position could be resolved.
// Params: observation timestamp.
// Returns: snapshot with Available=false.
func UnavailableLocation(at time.Time) LocationSnapshot {
	return LocationSnapshot{Available: false, Timestamp: at}
}

// Contact is one emergency contact.
type Contact struct {
	ID           string `json:"id" toml:"id"`
	Name         string `json:"name" toml:"name"`
	Phone        string `json:"phone" toml:"phone"`
	Relationship string `json:"relationship,omitempty" toml:"relationship"`
	Primary      bool   `json:"primary,omitempty" toml:"primary"`
}

// StaffMember is one on-duty caregiver.
type StaffMember struct {
	ID    string `json:"id" toml:"id"`
	Name  string `json:"name" toml:"name"`
	Phone string `json:"phone,omitempty" toml:"phone"`
	Role  string `json:"role,omitempty" toml:"role"`
}

// EmergencyAlert is one SOS event with enrichment and delivery outcomes.
// Params: identity, subject context, location, directory lists and status.
// Returns: payload sent to channels and stored in history.
type EmergencyAlert struct {
	ID              string            `json:"id"`
	SubjectID       string            `json:"subject_id"`
	SubjectName     string            `json:"subject_name"`
	SubjectPhone    string            `json:"subject_phone,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Location        LocationSnapshot  `json:"location"`
	Contacts        []Contact         `json:"contacts"`
	Staff           []StaffMember     `json:"staff"`
	AdditionalInfo  map[string]string `json:"additional_info,omitempty"`
	Status          AlertStatus       `json:"status"`
	ChannelOutcomes ChannelOutcomes   `json:"channel_outcomes"`
}

// Clone returns deep copy so channels cannot mutate shared alert state.
// Params: none.
// Returns: independent alert copy.
func (a EmergencyAlert) Clone() EmergencyAlert {
	out := a
	out.Location = a.Location.clone()
	out.Contacts = slices.Clone(a.Contacts)
	out.Staff = slices.Clone(a.Staff)
	out.AdditionalInfo = maps.Clone(a.AdditionalInfo)
	out.ChannelOutcomes = a.ChannelOutcomes.clone()
	return out
}

func (l LocationSnapshot) clone() LocationSnapshot {
	out := l
	out.Latitude = cloneFloat(l.Latitude)
	out.Longitude = cloneFloat(l.Longitude)
	out.Accuracy = cloneFloat(l.Accuracy)
	return out
}

func cloneFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

// PendingEntry is one undelivered alert waiting for resync.
// Params: alert snapshot, enqueue time, attempts and last resync failure.
// Returns: pending-queue record.
type PendingEntry struct {
	Alert        EmergencyAlert `json:"alert"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
}
