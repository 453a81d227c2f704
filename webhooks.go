package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/xraph/webhooks/breaker"
	"github.com/xraph/webhooks/catalog"
	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/observability"
	"github.com/xraph/webhooks/store"
	"github.com/xraph/webhooks/subscription"
)

// Stats aggregates the registry and the ledger for one owner.
type Stats struct {
	Subscriptions        map[subscription.Status]int64 `json:"subscriptions"`
	Deliveries           map[delivery.Status]int64     `json:"deliveries"`
	AvgSuccessDurationMs float64                       `json:"avg_success_duration_ms"`
}

// wireServices initializes the internal services after options have been applied.
func (d *Dispatcher) wireServices() error {
	d.catalog = catalog.New(d.logger)
	for _, def := range d.eventTypes {
		if err := d.catalog.Register(def); err != nil {
			return fmt.Errorf("webhooks: register event type: %w", err)
		}
	}

	d.subs = subscription.NewService(d.store, subscription.ServiceConfig{
		Clock:          d.clock,
		GenerateSecret: d.secretGen,
		MaxFailures:    d.config.MaxFailures,
	}, d.logger)

	d.breaker = breaker.New(d.store, d.clock, d.metrics, d.logger)

	d.engine = delivery.NewEngine(d.store, d.store, d.breaker, delivery.EngineConfig{
		RequestTimeout: d.config.RequestTimeout,
		MaxAttempts:    d.config.MaxAttempts,
		RetrySchedule:  d.config.RetrySchedule,
		Concurrency:    d.config.Concurrency,
		GonePolicy:     d.config.GonePolicy,
		HTTPClient:     d.httpClient,
		Clock:          d.clock,
		Metrics:        d.metrics,
		Tracer:         d.tracer,
	}, d.logger)
	return nil
}

// TriggerEvent delivers an event to every active subscription of ownerID
// whose event set contains eventType.
//
// The critical path:
//  1. Validate the event data against its registered schema, if any.
//  2. Resolve matching subscriptions. No match means no side effects.
//  3. Deliver to each subscription concurrently under one event ID.
//
// Delivery failures are recorded on the returned rows and never reported as
// errors. The error is non-nil only when the store could not be reached; the
// deliveries that were recorded are still returned.
func (d *Dispatcher) TriggerEvent(ctx context.Context, ownerID, eventType string, data any) ([]*delivery.Delivery, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if err := d.catalog.Validate(eventType, data); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPayloadValidationFailed, err.Error())
	}

	subs, err := d.store.ListDeliverable(ctx, ownerID, eventType)
	if err != nil {
		return nil, fmt.Errorf("webhooks: resolve subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return []*delivery.Delivery{}, nil
	}

	d.metrics.EventTriggered()
	eventID := uuid.New()

	results := make([]*delivery.Delivery, len(subs))
	errs := make([]error, len(subs))
	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup

	for i, sub := range subs {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, sub *subscription.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = d.engine.Deliver(ctx, sub, eventID, eventType, data)
		}(i, sub)
	}
	wg.Wait()

	out := make([]*delivery.Delivery, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}

	joined := errors.Join(errs...)
	if joined != nil {
		d.logger.ErrorContext(ctx, "event fan-out incomplete",
			"owner_id", ownerID,
			"event_type", eventType,
			"event_id", eventID,
			"error", joined,
		)
	} else {
		d.logger.DebugContext(ctx, "event triggered",
			"owner_id", ownerID,
			"event_type", eventType,
			"event_id", eventID,
			"subscriptions", len(subs),
		)
	}
	return out, joined
}

// RetryDue re-attempts retrying deliveries whose retry time has come. An
// empty ownerID sweeps every owner. limit <= 0 uses Config.SweepBatchLimit.
func (d *Dispatcher) RetryDue(ctx context.Context, ownerID string, limit int) (*delivery.SweepResult, error) {
	if limit <= 0 {
		limit = d.config.SweepBatchLimit
	}
	return d.engine.RetryDue(ctx, ownerID, limit)
}

// SendTest sends a synthetic webhook.test event to a subscription. Test
// deliveries are attempted once and do not move the circuit breaker.
func (d *Dispatcher) SendTest(ctx context.Context, subID uuid.UUID, ownerID string) (*delivery.Delivery, error) {
	sub, err := d.subs.Get(ctx, subID, ownerID)
	if err != nil {
		return nil, err
	}
	return d.engine.DeliverTest(ctx, sub)
}

// ListDeliveries returns a page of a subscription's delivery history,
// newest first. History stays readable after the subscription is deleted.
func (d *Dispatcher) ListDeliveries(ctx context.Context, subID uuid.UUID, ownerID string, opts delivery.ListOpts) ([]*delivery.Delivery, int64, error) {
	sub, err := d.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, 0, err
	}
	if sub.OwnerID != ownerID {
		return nil, 0, ErrSubscriptionNotFound
	}
	if opts.Status != nil {
		if err := opts.Status.Validate(); err != nil {
			return nil, 0, &subscription.ValidationError{Field: "status", Message: err.Error()}
		}
	}
	return d.store.ListBySubscription(ctx, subID, opts)
}

// GetDelivery returns one delivery owned by ownerID.
func (d *Dispatcher) GetDelivery(ctx context.Context, delID uuid.UUID, ownerID string) (*delivery.Delivery, error) {
	del, err := d.store.GetDelivery(ctx, delID)
	if err != nil {
		return nil, err
	}
	if del.OwnerID != ownerID {
		return nil, ErrDeliveryNotFound
	}
	return del, nil
}

// Stats returns subscription counts by status, delivery counts by status
// and the average duration of successful deliveries. Every status is
// present in the maps, zero or not.
func (d *Dispatcher) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	subCounts, err := d.store.CountByStatus(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("webhooks: count subscriptions: %w", err)
	}
	ledger, err := d.store.DeliveryStats(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("webhooks: delivery stats: %w", err)
	}

	st := &Stats{
		Subscriptions:        make(map[subscription.Status]int64, len(subscription.Statuses)),
		Deliveries:           make(map[delivery.Status]int64, len(delivery.Statuses)),
		AvgSuccessDurationMs: ledger.AvgSuccessDurationMs,
	}
	for _, s := range subscription.Statuses {
		st.Subscriptions[s] = subCounts[s]
	}
	for _, s := range delivery.Statuses {
		st.Deliveries[s] = ledger.ByStatus[s]
	}
	return st, nil
}

// Snapshot returns the statistics of every owner in the shape the
// observability.StatsExporter publishes.
func (d *Dispatcher) Snapshot(ctx context.Context) (*observability.Snapshot, error) {
	st, err := d.Stats(ctx, "")
	if err != nil {
		return nil, err
	}
	snap := &observability.Snapshot{
		Subscriptions:        make(map[string]int64, len(st.Subscriptions)),
		Deliveries:           make(map[string]int64, len(st.Deliveries)),
		AvgSuccessDurationMs: st.AvgSuccessDurationMs,
	}
	for k, v := range st.Subscriptions {
		snap.Subscriptions[k.String()] = v
	}
	for k, v := range st.Deliveries {
		snap.Deliveries[k.String()] = v
	}
	return snap, nil
}

// Subscriptions returns the subscription management service.
func (d *Dispatcher) Subscriptions() *subscription.Service {
	return d.subs
}

// Catalog returns the event type catalog.
func (d *Dispatcher) Catalog() *catalog.Catalog {
	return d.catalog
}

// Store returns the underlying store.
func (d *Dispatcher) Store() store.Store {
	return d.store
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}
