// Package memory provides an in-memory Store implementation for unit testing.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/webhooks"
	"github.com/xraph/webhooks/delivery"
	wstore "github.com/xraph/webhooks/store"
	"github.com/xraph/webhooks/subscription"
)

// compile-time interface check.
var _ wstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store for testing. Every
// read returns a copy and every counter update happens under the write lock,
// which gives the same atomicity as a row-level UPDATE.
type Store struct {
	mu sync.RWMutex

	subscriptions map[uuid.UUID]*subscription.Subscription
	deliveries    map[uuid.UUID]*delivery.Delivery

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		subscriptions: make(map[uuid.UUID]*subscription.Subscription),
		deliveries:    make(map[uuid.UUID]*delivery.Delivery),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return webhooks.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// subscription.Store
// ──────────────────────────────────────────────────

// CreateSubscription persists a copy of sub.
func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webhooks.ErrStoreClosed
	}

	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// GetSubscription returns a copy of the subscription by ID.
func (s *Store) GetSubscription(_ context.Context, subID uuid.UUID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return sub.Clone(), nil
}

// UpdateSubscription writes the configuration fields of sub.
func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webhooks.ErrStoreClosed
	}

	existing, ok := s.subscriptions[sub.ID]
	if !ok {
		return subscription.ErrNotFound
	}
	in := sub.Clone()
	existing.Name = in.Name
	existing.URL = in.URL
	existing.Secret = in.Secret
	existing.Events = in.Events
	existing.Headers = in.Headers
	existing.MaxFailures = in.MaxFailures
	existing.UpdatedAt = in.UpdatedAt
	return nil
}

// SetStatus moves a subscription to status if it is currently in one of from.
func (s *Store) SetStatus(_ context.Context, subID uuid.UUID, from []subscription.Status, status subscription.Status, resetFailures bool, at time.Time) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, webhooks.ErrStoreClosed
	}

	sub, ok := s.subscriptions[subID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	if !slices.Contains(from, sub.Status) {
		return nil, subscription.ErrInvalidTransition
	}
	sub.Status = status
	sub.IsActive = status == subscription.StatusActive
	if resetFailures {
		sub.ConsecutiveFailures = 0
	}
	sub.UpdatedAt = at.UTC()
	return sub.Clone(), nil
}

// ListSubscriptions returns a page of an owner's subscriptions, oldest first.
func (s *Store) ListSubscriptions(_ context.Context, ownerID string, opts subscription.ListOpts) ([]*subscription.Subscription, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.OwnerID != ownerID {
			continue
		}
		if opts.Status != nil {
			if sub.Status != *opts.Status {
				continue
			}
		} else if sub.Status == subscription.StatusDeleted {
			continue
		}
		result = append(result, sub.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	total := int64(len(result))
	return applyPagination(result, opts.Offset, opts.Limit), total, nil
}

// ListDeliverable returns the owner's active subscriptions for eventType.
func (s *Store) ListDeliverable(_ context.Context, ownerID, eventType string) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.OwnerID != ownerID || !sub.Deliverable() || !sub.Subscribes(eventType) {
			continue
		}
		result = append(result, sub.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// RecordSuccess resets the failure counter.
func (s *Store) RecordSuccess(_ context.Context, subID uuid.UUID, at time.Time) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, webhooks.ErrStoreClosed
	}

	sub, ok := s.subscriptions[subID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	at = at.UTC()
	sub.ConsecutiveFailures = 0
	sub.LastSuccessAt = &at
	sub.LastTriggeredAt = &at
	sub.LastFailureReason = ""
	sub.UpdatedAt = at
	return sub.Clone(), nil
}

// RecordFailure increments the failure counter and disables an active
// subscription that reaches its threshold.
func (s *Store) RecordFailure(_ context.Context, subID uuid.UUID, reason string, at time.Time) (*subscription.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, webhooks.ErrStoreClosed
	}

	sub, ok := s.subscriptions[subID]
	if !ok {
		return nil, false, subscription.ErrNotFound
	}
	tripped := sub.ApplyFailure(reason, at)
	return sub.Clone(), tripped, nil
}

// CountByStatus counts subscriptions per status.
func (s *Store) CountByStatus(_ context.Context, ownerID string) (map[subscription.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[subscription.Status]int64, len(subscription.Statuses))
	for _, sub := range s.subscriptions {
		if ownerID != "" && sub.OwnerID != ownerID {
			continue
		}
		counts[sub.Status]++
	}
	return counts, nil
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

// CreateDelivery records a copy of d.
func (s *Store) CreateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webhooks.ErrStoreClosed
	}

	s.deliveries[d.ID] = d.Clone()
	return nil
}

// UpdateDelivery replaces the stored delivery with a copy of d.
func (s *Store) UpdateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webhooks.ErrStoreClosed
	}

	if _, ok := s.deliveries[d.ID]; !ok {
		return delivery.ErrNotFound
	}
	s.deliveries[d.ID] = d.Clone()
	return nil
}

// GetDelivery returns a copy of the delivery by ID.
func (s *Store) GetDelivery(_ context.Context, delID uuid.UUID) (*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[delID]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return d.Clone(), nil
}

// ListBySubscription returns delivery history for a subscription, newest first.
func (s *Store) ListBySubscription(_ context.Context, webhookID uuid.UUID, opts delivery.ListOpts) ([]*delivery.Delivery, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*delivery.Delivery, 0)
	for _, d := range s.deliveries {
		if d.WebhookID != webhookID {
			continue
		}
		if opts.Status != nil && d.Status != *opts.Status {
			continue
		}
		result = append(result, d.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := int64(len(result))
	return applyPagination(result, opts.Offset, opts.Limit), total, nil
}

// ListDue returns due retries and stale pending deliveries, oldest first.
func (s *Store) ListDue(_ context.Context, f delivery.DueFilter) ([]*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*delivery.Delivery
	for _, d := range s.deliveries {
		if f.Matches(d) {
			result = append(result, d.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return delivery.DueAt(result[i]).Before(delivery.DueAt(result[j]))
	})

	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

// ClaimDue leases the delivery if it is still due and unchanged.
func (s *Store) ClaimDue(_ context.Context, c delivery.Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, webhooks.ErrStoreClosed
	}

	d, ok := s.deliveries[c.ID]
	if !ok || d.Status != c.Status || d.AttemptNumber != c.AttemptNumber || !c.Filter().Matches(d) {
		return false, nil
	}
	lease := c.LeaseUntil.UTC()
	d.NextRetryAt = &lease
	d.UpdatedAt = c.Now.UTC()
	return true, nil
}

// DeliveryStats aggregates the ledger.
func (s *Store) DeliveryStats(_ context.Context, ownerID string) (*delivery.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &delivery.Stats{ByStatus: make(map[delivery.Status]int64, len(delivery.Statuses))}
	var (
		successes int64
		totalMs   int64
	)
	for _, d := range s.deliveries {
		if ownerID != "" && d.OwnerID != ownerID {
			continue
		}
		stats.ByStatus[d.Status]++
		if d.Status == delivery.StatusSuccess {
			successes++
			totalMs += d.DurationMs
		}
	}
	if successes > 0 {
		stats.AvgSuccessDurationMs = float64(totalMs) / float64(successes)
	}
	return stats, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset >= len(items) {
		return []*T{}
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
