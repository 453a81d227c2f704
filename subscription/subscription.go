// Package subscription owns webhook subscriptions: the registered delivery
// targets, their secrets, and their lifecycle status.
package subscription

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/webhooks/internal/entity"
)

// DefaultMaxFailures is the consecutive failure count that disables a subscription.
const DefaultMaxFailures = 5

// MaxFailureReasonLength caps LastFailureReason.
const MaxFailureReasonLength = 500

// Subscription is a registered delivery target owned by a single owner.
type Subscription struct {
	entity.Entity

	// ID is the unique identifier for this subscription.
	ID uuid.UUID `json:"id"`

	// OwnerID identifies the tenant or user that owns this subscription.
	OwnerID string `json:"owner_id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// URL is the delivery destination.
	URL string `json:"url"`

	// Secret is the HMAC signing key, 64 hex characters. Never serialized.
	Secret string `json:"-"`

	// Events is the set of event types this subscription receives.
	Events []string `json:"events"`

	// Headers are extra HTTP headers sent with each delivery.
	Headers map[string]string `json:"headers,omitempty"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// IsActive mirrors Status == StatusActive.
	IsActive bool `json:"is_active"`

	// ConsecutiveFailures counts failed deliveries since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// MaxFailures is the threshold at which the subscription is disabled.
	MaxFailures int `json:"max_failures"`

	LastTriggeredAt   *time.Time `json:"last_triggered_at,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
}

// Subscribes reports whether eventType is in the subscription's event set.
// Matching is exact.
func (s *Subscription) Subscribes(eventType string) bool {
	return slices.Contains(s.Events, eventType)
}

// Deliverable reports whether live events may be delivered to s.
func (s *Subscription) Deliverable() bool {
	return s.Status == StatusActive && s.IsActive
}

// ApplyFailure counts one failed delivery at time at and disables an active
// subscription that reaches MaxFailures. It reports whether this failure
// disabled s.
func (s *Subscription) ApplyFailure(reason string, at time.Time) bool {
	at = at.UTC()
	s.ConsecutiveFailures++
	s.LastFailureAt = &at
	s.LastTriggeredAt = cloneTime(&at)
	s.LastFailureReason = reason
	s.UpdatedAt = at
	if s.Status == StatusActive && s.ConsecutiveFailures >= s.MaxFailures {
		s.Status = StatusDisabled
		s.IsActive = false
		return true
	}
	return false
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.Headers != nil {
		cp.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			cp.Headers[k] = v
		}
	}
	cp.LastTriggeredAt = cloneTime(s.LastTriggeredAt)
	cp.LastSuccessAt = cloneTime(s.LastSuccessAt)
	cp.LastFailureAt = cloneTime(s.LastFailureAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
