// Package notifications delivers rotation lifecycle events to external
// endpoints without blocking the rotation itself.
package notifications

import (
	"context"
	"time"
)

// EventType represents the type of rotation event.
type EventType string

const (
	// EventTypeStarted is sent once a notification has been decoded.
	EventTypeStarted EventType = "started"

	// EventTypeCompleted is sent when every system holds the new credential.
	EventTypeCompleted EventType = "completed"

	// EventTypeSkipped is sent when no application matched the secret's tags.
	EventTypeSkipped EventType = "skipped"

	// EventTypeFailed is sent when a rotation stopped on an error.
	EventTypeFailed EventType = "failed"
)

// RotationStatus represents the outcome status of a rotation.
type RotationStatus string

const (
	StatusInProgress RotationStatus = "in_progress"
	StatusSuccess    RotationStatus = "success"
	StatusSkipped    RotationStatus = "skipped"
	StatusFailure    RotationStatus = "failure"

	// StatusPartial marks a failure after the application credential was
	// already replaced, so the systems disagree until the next attempt.
	StatusPartial RotationStatus = "partial"
)

// RotationEvent describes one step in the life of a rotation. It never
// carries secret values.
type RotationEvent struct {
	Type EventType

	// RotationID is the invocation id of the rotation.
	RotationID string

	Vault         string
	Secret        string
	ApplicationID string

	// Stage is the last stage the rotation reached.
	Stage string

	Status RotationStatus

	// Error contains the error if the rotation failed.
	Error error

	Duration time.Duration

	// NewVersion is the Key Vault version written by a completed rotation.
	NewVersion string

	Metadata  map[string]string
	Timestamp time.Time
}

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeStarted,
		EventTypeCompleted,
		EventTypeSkipped,
		EventTypeFailed,
	}
}

// NotificationProvider defines the interface for sending rotation notifications.
type NotificationProvider interface {
	// Name identifies the provider in logs.
	Name() string

	// Send sends a notification for the given rotation event.
	Send(ctx context.Context, event RotationEvent) error

	// SupportsEvent returns true if this provider handles the given event type.
	SupportsEvent(eventType EventType) bool

	// Validate checks if the provider configuration is valid.
	Validate(ctx context.Context) error
}

// Sender accepts events for asynchronous delivery.
type Sender interface {
	Send(event RotationEvent)
}
