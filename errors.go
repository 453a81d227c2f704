package webhooks

import (
	"errors"

	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/subscription"
)

// Sentinel errors returned by Dispatcher operations.
var (
	// ErrNoStore is returned when a Dispatcher is created without a store.
	ErrNoStore = errors.New("webhooks: store is required")

	// ErrSubscriptionNotFound is returned when a subscription does not exist,
	// is deleted, or belongs to another owner.
	ErrSubscriptionNotFound = subscription.ErrNotFound

	// ErrDeliveryNotFound is returned when a delivery cannot be found.
	ErrDeliveryNotFound = delivery.ErrNotFound

	// ErrInvalidTransition is returned when a subscription status change is
	// not allowed from its current status.
	ErrInvalidTransition = subscription.ErrInvalidTransition

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("webhooks: store is closed")

	// ErrOwnerRequired is returned when an operation is called without an owner.
	ErrOwnerRequired = errors.New("webhooks: owner id is required")

	// ErrEventTypeRequired is returned when TriggerEvent is called without an event type.
	ErrEventTypeRequired = errors.New("webhooks: event type is required")

	// ErrPayloadValidationFailed is returned when event data fails JSON Schema validation.
	ErrPayloadValidationFailed = errors.New("webhooks: payload validation failed")
)
