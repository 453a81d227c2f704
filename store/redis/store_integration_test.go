//go:build integration

package redis_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/internal/entity"
	"github.com/xraph/webhooks/subscription"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newSubscription(owner string, events ...string) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:      entity.At(t0),
		ID:          uuid.New(),
		OwnerID:     owner,
		Name:        "orders",
		URL:         "https://example.com/hook",
		Secret:      "s3cret",
		Events:      events,
		Status:      subscription.StatusActive,
		IsActive:    true,
		MaxFailures: 3,
	}
}

func newDelivery(sub *subscription.Subscription, status delivery.Status, next *time.Time) *delivery.Delivery {
	return &delivery.Delivery{
		Entity:        entity.At(t0),
		ID:            uuid.New(),
		WebhookID:     sub.ID,
		OwnerID:       sub.OwnerID,
		EventID:       uuid.New(),
		EventType:     "order.created",
		Payload:       []byte(`{"b":1,"a":2}`),
		Status:        status,
		AttemptNumber: 1,
		MaxAttempts:   3,
		NextRetryAt:   next,
	}
}

func TestSubscriptionLifecycle_Integration(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)

	sub := newSubscription("owner-1", "order.created", "order.paid")
	require.NoError(t, store.CreateSubscription(ctx, sub))

	t.Run("get returns stored subscription", func(t *testing.T) {
		got, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.URL, got.URL)
		assert.ElementsMatch(t, sub.Events, got.Events)
	})

	t.Run("deliverable resolves by event", func(t *testing.T) {
		subs, err := store.ListDeliverable(ctx, "owner-1", "order.paid")
		require.NoError(t, err)
		require.Len(t, subs, 1)

		subs, err = store.ListDeliverable(ctx, "owner-2", "order.paid")
		require.NoError(t, err)
		assert.Empty(t, subs)
	})

	t.Run("update reindexes events", func(t *testing.T) {
		sub.Events = []string{"invoice.created"}
		sub.Name = "invoices"
		require.NoError(t, store.UpdateSubscription(ctx, sub))

		subs, err := store.ListDeliverable(ctx, "owner-1", "order.paid")
		require.NoError(t, err)
		assert.Empty(t, subs)

		subs, err = store.ListDeliverable(ctx, "owner-1", "invoice.created")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "invoices", subs[0].Name)
	})

	t.Run("failures trip the breaker atomically", func(t *testing.T) {
		var (
			wg    sync.WaitGroup
			trips atomic.Int32
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, tripped, err := store.RecordFailure(ctx, sub.ID, "HTTP 500", t0)
				assert.NoError(t, err)
				if tripped {
					trips.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, trips.Load(), "exactly one write reports the trip")

		got, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.ConsecutiveFailures)
		assert.Equal(t, subscription.StatusDisabled, got.Status)
		assert.False(t, got.IsActive)
		assert.Equal(t, "HTTP 500", got.LastFailureReason)
	})

	t.Run("pause of a disabled subscription is rejected", func(t *testing.T) {
		_, err := store.SetStatus(ctx, sub.ID, subscription.SourcesOf(subscription.StatusPaused), subscription.StatusPaused, false, t0)
		assert.ErrorIs(t, err, subscription.ErrInvalidTransition)

		got, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusDisabled, got.Status)
	})

	t.Run("resume resets failures", func(t *testing.T) {
		got, err := store.SetStatus(ctx, sub.ID, subscription.SourcesOf(subscription.StatusActive), subscription.StatusActive, true, t0)
		require.NoError(t, err)
		assert.Equal(t, 0, got.ConsecutiveFailures)
		assert.True(t, got.IsActive)
	})

	t.Run("missing subscription", func(t *testing.T) {
		_, err := store.RecordSuccess(ctx, uuid.New(), t0)
		assert.ErrorIs(t, err, subscription.ErrNotFound)
	})
}

func TestDeliveryLedger_Integration(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)

	sub := newSubscription("owner-1", "order.created")
	require.NoError(t, store.CreateSubscription(ctx, sub))

	due := t0.Add(time.Minute)
	later := t0.Add(time.Hour)
	retrying := newDelivery(sub, delivery.StatusRetrying, &due)
	notYet := newDelivery(sub, delivery.StatusRetrying, &later)
	require.NoError(t, store.CreateDelivery(ctx, retrying))
	require.NoError(t, store.CreateDelivery(ctx, notYet))

	got, err := store.GetDelivery(ctx, retrying.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"b":1,"a":2}`, string(got.Payload), "payload bytes are kept verbatim")

	list, err := store.ListDue(ctx, delivery.DueFilter{Now: t0.Add(2 * time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, retrying.ID, list[0].ID)

	retrying.Status = delivery.StatusSuccess
	retrying.NextRetryAt = nil
	retrying.DurationMs = 120
	require.NoError(t, store.UpdateDelivery(ctx, retrying))

	list, err = store.ListDue(ctx, delivery.DueFilter{Now: t0.Add(2 * time.Hour), Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, notYet.ID, list[0].ID)

	page, total, err := store.ListBySubscription(ctx, sub.ID, delivery.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, page, 1)

	stats, err := store.DeliveryStats(ctx, "owner-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ByStatus[delivery.StatusSuccess])
	assert.EqualValues(t, 1, stats.ByStatus[delivery.StatusRetrying])
	assert.InDelta(t, 120, stats.AvgSuccessDurationMs, 0.001)

	err = store.UpdateDelivery(ctx, newDelivery(sub, delivery.StatusFailed, nil))
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestDueClaims_Integration(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)

	sub := newSubscription("owner-1", "order.created")
	require.NoError(t, store.CreateSubscription(ctx, sub))

	stale := newDelivery(sub, delivery.StatusPending, nil)
	fresh := newDelivery(sub, delivery.StatusPending, nil)
	fresh.UpdatedAt = t0.Add(9 * time.Minute)
	due := t0.Add(time.Minute)
	retrying := newDelivery(sub, delivery.StatusRetrying, &due)
	for _, d := range []*delivery.Delivery{stale, fresh, retrying} {
		require.NoError(t, store.CreateDelivery(ctx, d))
	}

	now := t0.Add(10 * time.Minute)
	filter := delivery.DueFilter{Now: now, StaleBefore: now.Add(-5 * time.Minute), Limit: 10}
	list, err := store.ListDue(ctx, filter)
	require.NoError(t, err)
	require.Len(t, list, 2, "stale pending and due retry, not the fresh pending row")
	assert.Equal(t, stale.ID, list[0].ID)
	assert.Equal(t, retrying.ID, list[1].ID)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		for _, d := range list {
			wg.Add(1)
			go func(d *delivery.Delivery) {
				defer wg.Done()
				ok, err := store.ClaimDue(ctx, delivery.Claim{
					ID: d.ID, Status: d.Status, AttemptNumber: d.AttemptNumber,
					Now: filter.Now, StaleBefore: filter.StaleBefore, LeaseUntil: now.Add(5 * time.Minute),
				})
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(d)
		}
	}
	wg.Wait()
	assert.EqualValues(t, 2, wins.Load(), "each row is claimed once")

	list, err = store.ListDue(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, list, "claimed rows are leased")

	later := now.Add(6 * time.Minute)
	list, err = store.ListDue(ctx, delivery.DueFilter{Now: later, StaleBefore: later.Add(-5 * time.Minute), Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list, 3, "expired leases and the now stale row come due again")
}
