package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a delivery does not exist.
var ErrNotFound = errors.New("webhooks: delivery not found")

// Store defines the persistence contract for the delivery ledger.
type Store interface {
	// CreateDelivery records a new delivery.
	CreateDelivery(ctx context.Context, d *Delivery) error

	// UpdateDelivery writes the outcome and retry bookkeeping of a delivery.
	UpdateDelivery(ctx context.Context, d *Delivery) error

	// GetDelivery returns a delivery by ID.
	GetDelivery(ctx context.Context, delID uuid.UUID) (*Delivery, error)

	// ListBySubscription returns a page of a subscription's deliveries,
	// newest first, and the total number matching the filter.
	ListBySubscription(ctx context.Context, webhookID uuid.UUID, opts ListOpts) ([]*Delivery, int64, error)

	// ListDue returns the deliveries matching f, oldest first: retrying rows
	// whose NextRetryAt has passed and pending rows abandoned mid-attempt.
	ListDue(ctx context.Context, f DueFilter) ([]*Delivery, error)

	// ClaimDue leases a due delivery to the caller with a single conditional
	// write. It reports false when the row no longer matches c, which means
	// another sweeper got there first.
	ClaimDue(ctx context.Context, c Claim) (bool, error)

	// DeliveryStats aggregates the ledger. An empty ownerID spans all owners.
	DeliveryStats(ctx context.Context, ownerID string) (*Stats, error)
}

// DueFilter selects deliveries the sweeper should pick up.
type DueFilter struct {
	// OwnerID restricts the scan to one owner. Empty spans all owners.
	OwnerID string

	// Now is the reference time for retrying rows.
	Now time.Time

	// StaleBefore is the cutoff for pending rows: a pending row last
	// written at or before it was abandoned by a crashed or hung attempt.
	StaleBefore time.Time

	// Limit caps the number of rows returned.
	Limit int
}

// Matches reports whether d is due under f.
func (f DueFilter) Matches(d *Delivery) bool {
	if f.OwnerID != "" && d.OwnerID != f.OwnerID {
		return false
	}
	switch d.Status {
	case StatusRetrying:
		return d.NextRetryAt != nil && !d.NextRetryAt.After(f.Now)
	case StatusPending:
		return !d.UpdatedAt.After(f.StaleBefore)
	default:
		return false
	}
}

// DueAt returns the time ordering d in the due scan.
func DueAt(d *Delivery) time.Time {
	if d.Status == StatusRetrying && d.NextRetryAt != nil {
		return *d.NextRetryAt
	}
	return d.UpdatedAt
}

// Claim identifies a due delivery and the lease taken on it.
type Claim struct {
	// ID is the delivery to claim.
	ID uuid.UUID

	// Status and AttemptNumber are the values the sweeper listed. The claim
	// fails if either has moved since.
	Status        Status
	AttemptNumber int

	// Now and StaleBefore repeat the due condition of the listing scan.
	Now         time.Time
	StaleBefore time.Time

	// LeaseUntil is written to NextRetryAt so a crashed claimant's row
	// becomes due again once the lease runs out.
	LeaseUntil time.Time
}

// Filter returns the due filter the claim re-checks.
func (c Claim) Filter() DueFilter {
	return DueFilter{Now: c.Now, StaleBefore: c.StaleBefore}
}
