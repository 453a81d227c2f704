// Package delivery records, executes and retries individual webhook deliveries.
package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/webhooks/internal/entity"
)

// Field limits for recorded outcomes.
const (
	MaxResponseBodyLength = 1000
	MaxErrorMessageLength = 500
)

// DefaultMaxAttempts is the number of attempts made before a delivery is
// terminally failed.
const DefaultMaxAttempts = 3

// Status is the state of a delivery.
type Status string

const (
	// StatusPending is the state of a delivery whose first attempt is in flight.
	StatusPending Status = "pending"

	// StatusSuccess is terminal: the endpoint answered 2xx.
	StatusSuccess Status = "success"

	// StatusFailed is terminal: attempts are exhausted or the subscription
	// is no longer deliverable.
	StatusFailed Status = "failed"

	// StatusRetrying waits for NextRetryAt before the next attempt.
	StatusRetrying Status = "retrying"
)

// Statuses lists every delivery status.
var Statuses = []Status{StatusPending, StatusSuccess, StatusFailed, StatusRetrying}

func (s Status) String() string { return string(s) }

// Validate returns an error if s is not a known status.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusRetrying:
		return nil
	default:
		return fmt.Errorf("delivery: invalid status %q", string(s))
	}
}

// IsTerminal reports whether a delivery in this status will never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed:
		return true
	case StatusPending, StatusRetrying:
		return false
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// Delivery is the ledger row for one logical event sent to one subscription.
// The row is updated in place on every attempt.
type Delivery struct {
	entity.Entity

	// ID is the unique identifier for this delivery.
	ID uuid.UUID `json:"id"`

	// WebhookID references the owning subscription.
	WebhookID uuid.UUID `json:"webhook_id"`

	// OwnerID is copied from the subscription for owner-scoped queries.
	OwnerID string `json:"owner_id"`

	// EventID identifies the logical event instance and is stable across retries.
	EventID uuid.UUID `json:"event_id"`

	// EventType is the type of the delivered event.
	EventType string `json:"event_type"`

	// Payload is the serialized envelope, exactly as sent.
	Payload json.RawMessage `json:"payload"`

	// Status is the current state.
	Status Status `json:"status"`

	// StatusCode is the HTTP status of the last attempt, nil when no response arrived.
	StatusCode *int `json:"status_code,omitempty"`

	// ResponseBody is the truncated body of the last response.
	ResponseBody *string `json:"response_body,omitempty"`

	// ErrorMessage describes the last failure.
	ErrorMessage *string `json:"error_message,omitempty"`

	// DurationMs is the duration of the last attempt.
	DurationMs int64 `json:"duration_ms"`

	// AttemptNumber is the 1-based number of the current or next attempt.
	AttemptNumber int `json:"attempt_number"`

	// MaxAttempts bounds AttemptNumber.
	MaxAttempts int `json:"max_attempts"`

	// NextRetryAt is set only while the delivery is retrying.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// CompletedAt is set once the delivery reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of d.
func (d *Delivery) Clone() *Delivery {
	cp := *d
	if d.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), d.Payload...)
	}
	if d.StatusCode != nil {
		v := *d.StatusCode
		cp.StatusCode = &v
	}
	if d.ResponseBody != nil {
		v := *d.ResponseBody
		cp.ResponseBody = &v
	}
	if d.ErrorMessage != nil {
		v := *d.ErrorMessage
		cp.ErrorMessage = &v
	}
	if d.NextRetryAt != nil {
		v := *d.NextRetryAt
		cp.NextRetryAt = &v
	}
	if d.CompletedAt != nil {
		v := *d.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// ListOpts configures filtering and pagination for delivery listing.
type ListOpts struct {
	Status *Status
	Offset int
	Limit  int
}

// Stats aggregates the ledger.
type Stats struct {
	// ByStatus counts deliveries per status.
	ByStatus map[Status]int64 `json:"by_status"`

	// AvgSuccessDurationMs is the mean duration of successful deliveries.
	AvgSuccessDurationMs float64 `json:"avg_success_duration_ms"`
}
