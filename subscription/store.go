package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a subscription does not exist or belongs to
// another owner.
var ErrNotFound = errors.New("webhooks: subscription not found")

// ErrInvalidTransition is returned when a status change is not allowed from
// the subscription's current status.
var ErrInvalidTransition = errors.New("webhooks: invalid status transition")

// Store defines the persistence contract for subscriptions.
type Store interface {
	// CreateSubscription persists a new subscription.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns a subscription by ID regardless of owner or status.
	GetSubscription(ctx context.Context, subID uuid.UUID) (*Subscription, error)

	// UpdateSubscription writes the configuration fields (name, url, secret,
	// events, headers, max failures). Status and failure counters are left
	// alone so owner edits never race with the circuit breaker.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// SetStatus moves a subscription to status, keeping IsActive in step,
	// but only while its current status is one of from. The check and the
	// write are a single conditional update: a row in any other status
	// yields ErrInvalidTransition. resetFailures also zeroes
	// ConsecutiveFailures.
	SetStatus(ctx context.Context, subID uuid.UUID, from []Status, status Status, resetFailures bool, at time.Time) (*Subscription, error)

	// ListSubscriptions returns a page of an owner's subscriptions and the
	// total number matching the filter.
	ListSubscriptions(ctx context.Context, ownerID string, opts ListOpts) ([]*Subscription, int64, error)

	// ListDeliverable returns the owner's active subscriptions whose event
	// set contains eventType. This runs on every trigger.
	ListDeliverable(ctx context.Context, ownerID, eventType string) ([]*Subscription, error)

	// RecordSuccess atomically zeroes ConsecutiveFailures, stamps
	// LastSuccessAt and LastTriggeredAt, and clears LastFailureReason.
	RecordSuccess(ctx context.Context, subID uuid.UUID, at time.Time) (*Subscription, error)

	// RecordFailure atomically increments ConsecutiveFailures and stamps
	// LastFailureAt, LastTriggeredAt and LastFailureReason. An active
	// subscription reaching MaxFailures becomes disabled in the same write;
	// tripped reports whether this write was the one that disabled it.
	RecordFailure(ctx context.Context, subID uuid.UUID, reason string, at time.Time) (sub *Subscription, tripped bool, err error)

	// CountByStatus returns the number of subscriptions per status. An empty
	// ownerID counts across all owners.
	CountByStatus(ctx context.Context, ownerID string) (map[Status]int64, error)
}
