// Package breaker disables subscriptions whose endpoints keep failing.
//
// The counters live on the subscription row and every update goes through
// the store's atomic RecordSuccess/RecordFailure, so a live delivery and a
// retry sweep finishing at the same time cannot lose an increment.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/webhooks/clock"
	"github.com/xraph/webhooks/internal/textutil"
	"github.com/xraph/webhooks/observability"
	"github.com/xraph/webhooks/subscription"
)

// Store is the atomic counter contract the breaker relies on.
type Store interface {
	RecordSuccess(ctx context.Context, subID uuid.UUID, at time.Time) (*subscription.Subscription, error)
	RecordFailure(ctx context.Context, subID uuid.UUID, reason string, at time.Time) (*subscription.Subscription, bool, error)
}

// Breaker tracks consecutive failures per subscription.
type Breaker struct {
	store   Store
	clock   clock.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a circuit breaker.
func New(store Store, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Breaker {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{store: store, clock: clk, metrics: metrics, logger: logger}
}

// OnSuccess resets the failure counter and clears the last failure reason.
// sub is refreshed with the stored row.
func (b *Breaker) OnSuccess(ctx context.Context, sub *subscription.Subscription) error {
	updated, err := b.store.RecordSuccess(ctx, sub.ID, b.clock.Now())
	if err != nil {
		return fmt.Errorf("webhooks: record success for %s: %w", sub.ID, err)
	}
	*sub = *updated
	return nil
}

// OnFailure counts a failure. When the count reaches MaxFailures an active
// subscription is disabled; only an explicit Resume re-enables it.
// sub is refreshed with the stored row.
func (b *Breaker) OnFailure(ctx context.Context, sub *subscription.Subscription, reason string) error {
	updated, tripped, err := b.store.RecordFailure(ctx, sub.ID, textutil.Truncate(reason, subscription.MaxFailureReasonLength), b.clock.Now())
	if err != nil {
		return fmt.Errorf("webhooks: record failure for %s: %w", sub.ID, err)
	}

	if tripped {
		b.metrics.SubscriptionDisabled()
		b.logger.WarnContext(ctx, "subscription disabled after consecutive failures",
			"subscription_id", updated.ID,
			"owner_id", updated.OwnerID,
			"consecutive_failures", updated.ConsecutiveFailures,
			"max_failures", updated.MaxFailures,
			"reason", updated.LastFailureReason,
		)
	}

	*sub = *updated
	return nil
}
