package breaker_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/webhooks/breaker"
	"github.com/xraph/webhooks/clock"
	"github.com/xraph/webhooks/internal/entity"
	"github.com/xraph/webhooks/observability"
	"github.com/xraph/webhooks/store/memory"
	"github.com/xraph/webhooks/subscription"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T, maxFailures int) (*breaker.Breaker, *memory.Store, *subscription.Subscription, *observability.Metrics) {
	t.Helper()
	store := memory.New()
	sub := &subscription.Subscription{
		Entity:      entity.At(t0),
		ID:          uuid.New(),
		OwnerID:     "owner-1",
		Name:        "test",
		URL:         "https://example.com",
		Events:      []string{"a"},
		Status:      subscription.StatusActive,
		IsActive:    true,
		MaxFailures: maxFailures,
	}
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return breaker.New(store, clock.NewManual(t0), metrics, nil), store, sub, metrics
}

func TestBreakerDisablesAtThreshold(t *testing.T) {
	b, _, sub, metrics := setup(t, 5)

	for i := 1; i <= 5; i++ {
		if err := b.OnFailure(context.Background(), sub, "HTTP 500"); err != nil {
			t.Fatal(err)
		}
		if sub.ConsecutiveFailures != i {
			t.Fatalf("expected %d failures, got %d", i, sub.ConsecutiveFailures)
		}
		if i < 5 && sub.Status != subscription.StatusActive {
			t.Fatalf("disabled early at failure %d", i)
		}
	}

	if sub.Status != subscription.StatusDisabled || sub.IsActive {
		t.Fatalf("expected disabled, got %s", sub.Status)
	}
	if got := testutil.ToFloat64(metrics.SubscriptionsDisabledTotal); got != 1 {
		t.Fatalf("expected one trip recorded, got %v", got)
	}

	// Failures after the trip keep counting but do not report a second trip.
	if err := b.OnFailure(context.Background(), sub, "HTTP 500"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.SubscriptionsDisabledTotal); got != 1 {
		t.Fatalf("expected still one trip, got %v", got)
	}
}

func TestBreakerTripsAfterThresholdLowered(t *testing.T) {
	store := memory.New()
	sub := &subscription.Subscription{
		Entity:      entity.At(t0),
		ID:          uuid.New(),
		OwnerID:     "owner-1",
		URL:         "https://example.com",
		Events:      []string{"a"},
		Status:      subscription.StatusActive,
		IsActive:    true,
		MaxFailures: 10,
	}
	ctx := context.Background()
	_ = store.CreateSubscription(ctx, sub)

	var logs bytes.Buffer
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := breaker.New(store, clock.NewManual(t0), metrics, slog.New(slog.NewTextHandler(&logs, nil)))

	for range 4 {
		_ = b.OnFailure(ctx, sub, "HTTP 500")
	}

	// The owner lowers the threshold below the current count.
	sub.MaxFailures = 2
	if err := store.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	if err := b.OnFailure(ctx, sub, "HTTP 500"); err != nil {
		t.Fatal(err)
	}
	if sub.Status != subscription.StatusDisabled || sub.ConsecutiveFailures != 5 {
		t.Fatalf("expected disabled at 5 failures, got %s/%d", sub.Status, sub.ConsecutiveFailures)
	}
	if got := testutil.ToFloat64(metrics.SubscriptionsDisabledTotal); got != 1 {
		t.Fatalf("expected the trip to be recorded, got %v", got)
	}
	if !strings.Contains(logs.String(), "subscription disabled") {
		t.Fatalf("expected a disable warning, got %q", logs.String())
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	b, store, sub, _ := setup(t, 5)

	for range 4 {
		_ = b.OnFailure(context.Background(), sub, "HTTP 503")
	}
	if err := b.OnSuccess(context.Background(), sub); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetSubscription(context.Background(), sub.ID)
	if got.ConsecutiveFailures != 0 || got.LastFailureReason != "" || got.LastSuccessAt == nil {
		t.Fatalf("success did not reset the counters: %+v", got)
	}
	if sub.ConsecutiveFailures != 0 {
		t.Fatal("caller's copy not refreshed")
	}
}

func TestBreakerTruncatesReason(t *testing.T) {
	b, _, sub, _ := setup(t, 5)

	if err := b.OnFailure(context.Background(), sub, strings.Repeat("x", 2000)); err != nil {
		t.Fatal(err)
	}
	if len(sub.LastFailureReason) != subscription.MaxFailureReasonLength {
		t.Fatalf("expected reason of %d chars, got %d", subscription.MaxFailureReasonLength, len(sub.LastFailureReason))
	}
}

func TestBreakerConcurrentFailures(t *testing.T) {
	b, store, sub, metrics := setup(t, 10)

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := sub.Clone()
			_ = b.OnFailure(context.Background(), cp, "boom")
		}()
	}
	wg.Wait()

	got, _ := store.GetSubscription(context.Background(), sub.ID)
	if got.ConsecutiveFailures != 25 {
		t.Fatalf("lost updates: expected 25, got %d", got.ConsecutiveFailures)
	}
	if got.Status != subscription.StatusDisabled {
		t.Fatal("expected disabled")
	}
	if trips := testutil.ToFloat64(metrics.SubscriptionsDisabledTotal); trips != 1 {
		t.Fatalf("expected exactly one trip, got %v", trips)
	}
}

func TestBreakerUnknownSubscription(t *testing.T) {
	b, _, _, _ := setup(t, 5)
	ghost := &subscription.Subscription{ID: uuid.New()}

	if err := b.OnFailure(context.Background(), ghost, "x"); err == nil {
		t.Fatal("expected error")
	}
	if err := b.OnSuccess(context.Background(), ghost); err == nil {
		t.Fatal("expected error")
	}
}
