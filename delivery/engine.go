package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/webhooks/clock"
	"github.com/xraph/webhooks/internal/entity"
	"github.com/xraph/webhooks/internal/textutil"
	"github.com/xraph/webhooks/observability"
	"github.com/xraph/webhooks/signature"
	"github.com/xraph/webhooks/subscription"
)

// TestEventType is the event type of manual test deliveries.
const TestEventType = "webhook.test"

// DefaultBatchLimit is the number of due retries handled per sweep.
const DefaultBatchLimit = 100

// ReasonInactive is recorded on retries whose subscription stopped being active.
const ReasonInactive = "Webhook no longer active"

// ReasonTimeout is recorded when an attempt hits the request timeout.
const ReasonTimeout = "Request timeout"

// LeaseGrace is added to the request timeout to form the sweep lease. A
// pending row untouched for longer than the lease was abandoned mid-attempt,
// and a claimed row is hidden from other sweepers for the same span.
const LeaseGrace = time.Minute

// SubscriptionStore is the part of the subscription store the engine reads.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, subID uuid.UUID) (*subscription.Subscription, error)
	SetStatus(ctx context.Context, subID uuid.UUID, from []subscription.Status, status subscription.Status, resetFailures bool, at time.Time) (*subscription.Subscription, error)
}

// Breaker receives the outcome of every live delivery attempt.
type Breaker interface {
	OnSuccess(ctx context.Context, sub *subscription.Subscription) error
	OnFailure(ctx context.Context, sub *subscription.Subscription, reason string) error
}

// EngineConfig holds engine configuration.
type EngineConfig struct {
	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration

	// MaxAttempts is stamped on every new delivery.
	MaxAttempts int

	// RetrySchedule is the backoff table.
	RetrySchedule []time.Duration

	// Concurrency bounds in-flight attempts during a sweep.
	Concurrency int

	// GonePolicy decides how a 410 response is handled.
	GonePolicy GonePolicy

	// HTTPClient performs the requests. Nil builds one from RequestTimeout.
	HTTPClient *http.Client

	// Clock stamps outcomes and schedules retries.
	Clock clock.Clock

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// SweepResult summarizes one RetryDue sweep.
type SweepResult struct {
	Processed   int `json:"processed"`
	Succeeded   int `json:"succeeded"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Abandoned   int `json:"abandoned"`

	// Skipped counts due rows another sweeper claimed first.
	Skipped int `json:"skipped"`
}

// Engine executes delivery attempts and records them in the ledger.
type Engine struct {
	store     Store
	subs      SubscriptionStore
	breaker   Breaker
	sender    *Sender
	scheduler *Scheduler
	config    EngineConfig
	logger    *slog.Logger
}

// NewEngine creates a delivery engine.
func NewEngine(store Store, subs SubscriptionStore, breaker Breaker, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Engine{
		store:     store,
		subs:      subs,
		breaker:   breaker,
		sender:    NewSender(cfg.HTTPClient, cfg.RequestTimeout),
		scheduler: NewScheduler(cfg.RetrySchedule),
		config:    cfg,
		logger:    logger,
	}
}

// Scheduler returns the engine's retry scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Deliver signs the event for sub, records a pending delivery and performs
// the first attempt. The returned error is non-nil only when the ledger or
// the breaker could not be written; delivery failures are recorded on the
// returned row instead.
func (e *Engine) Deliver(ctx context.Context, sub *subscription.Subscription, eventID uuid.UUID, eventType string, data any) (*Delivery, error) {
	d, err := e.record(ctx, sub, eventID, eventType, data, e.config.MaxAttempts)
	if err != nil {
		return nil, err
	}
	return d, e.attempt(ctx, sub, d, true)
}

// DeliverTest sends a synthetic event to sub. Test deliveries are recorded
// in the ledger but are never retried and never move the breaker.
func (e *Engine) DeliverTest(ctx context.Context, sub *subscription.Subscription) (*Delivery, error) {
	now := e.config.Clock.Now()
	data := map[string]any{
		"message":    "This is a test webhook delivery",
		"webhook_id": sub.ID.String(),
		"test":       true,
		"sent_at":    now.Format(time.RFC3339),
	}
	d, err := e.record(ctx, sub, uuid.New(), TestEventType, data, 1)
	if err != nil {
		return nil, err
	}
	return d, e.attempt(ctx, sub, d, false)
}

// RetryDue re-attempts retrying deliveries whose NextRetryAt has passed and
// pending deliveries whose first attempt was abandoned. Each row is claimed
// before its attempt so concurrent sweepers never send it twice. Deliveries
// of subscriptions that are no longer active are failed with ReasonInactive
// instead. An empty ownerID sweeps all owners.
func (e *Engine) RetryDue(ctx context.Context, ownerID string, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	now := e.config.Clock.Now()
	lease := e.lease()
	filter := DueFilter{
		OwnerID:     ownerID,
		Now:         now,
		StaleBefore: now.Add(-lease),
		Limit:       limit,
	}
	due, err := e.store.ListDue(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("webhooks: list due retries: %w", err)
	}

	var (
		mu   sync.Mutex
		res  SweepResult
		errs []error
		wg   sync.WaitGroup
	)
	sem := make(chan struct{}, e.config.Concurrency)

	for _, d := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return &res, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(d *Delivery) {
			defer wg.Done()
			defer func() { <-sem }()

			claimed, err := e.store.ClaimDue(ctx, Claim{
				ID:            d.ID,
				Status:        d.Status,
				AttemptNumber: d.AttemptNumber,
				Now:           filter.Now,
				StaleBefore:   filter.StaleBefore,
				LeaseUntil:    now.Add(lease),
			})
			if err != nil || !claimed {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, fmt.Errorf("webhooks: claim delivery %s: %w", d.ID, err))
				} else {
					res.Skipped++
				}
				return
			}

			outcome, err := e.retry(ctx, d)

			mu.Lock()
			defer mu.Unlock()
			res.Processed++
			switch outcome {
			case StatusSuccess:
				res.Succeeded++
			case StatusRetrying:
				res.Rescheduled++
			case StatusFailed:
				if d.ErrorMessage != nil && *d.ErrorMessage == ReasonInactive {
					res.Abandoned++
				} else {
					res.Failed++
				}
			case StatusPending:
			}
			if err != nil {
				errs = append(errs, err)
			}
		}(d)
	}
	wg.Wait()

	e.config.Metrics.RecordSweep("succeeded", res.Succeeded)
	e.config.Metrics.RecordSweep("rescheduled", res.Rescheduled)
	e.config.Metrics.RecordSweep("failed", res.Failed)
	e.config.Metrics.RecordSweep("abandoned", res.Abandoned)

	if res.Processed > 0 || res.Skipped > 0 {
		e.logger.InfoContext(ctx, "retry sweep finished",
			"owner_id", ownerID,
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"rescheduled", res.Rescheduled,
			"failed", res.Failed,
			"abandoned", res.Abandoned,
			"skipped", res.Skipped,
		)
	}
	return &res, errors.Join(errs...)
}

// lease is how long a claimed row stays hidden from other sweepers, and how
// long a pending row may sit untouched before it counts as abandoned.
func (e *Engine) lease() time.Duration {
	timeout := e.config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return timeout + LeaseGrace
}

// retry handles one claimed delivery and reports the status it ended in.
func (e *Engine) retry(ctx context.Context, d *Delivery) (Status, error) {
	sub, err := e.subs.GetSubscription(ctx, d.WebhookID)
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		return d.Status, fmt.Errorf("webhooks: load subscription %s: %w", d.WebhookID, err)
	}

	if sub == nil || !sub.Deliverable() {
		now := e.config.Clock.Now()
		reason := ReasonInactive
		d.Status = StatusFailed
		d.ErrorMessage = &reason
		d.NextRetryAt = nil
		d.CompletedAt = &now
		d.Touch(now)
		if err := e.store.UpdateDelivery(ctx, d); err != nil {
			return d.Status, fmt.Errorf("webhooks: update delivery %s: %w", d.ID, err)
		}
		e.logger.DebugContext(ctx, "retry abandoned, subscription inactive",
			"delivery_id", d.ID, "webhook_id", d.WebhookID)
		return d.Status, nil
	}

	// A recovered test delivery stays a one-shot that never moves the breaker.
	err = e.attempt(ctx, sub, d, d.EventType != TestEventType)
	return d.Status, err
}

// record builds and signs the envelope and inserts the pending ledger row.
func (e *Engine) record(ctx context.Context, sub *subscription.Subscription, eventID uuid.UUID, eventType string, data any, maxAttempts int) (*Delivery, error) {
	now := e.config.Clock.Now()

	body, truncated, err := signature.NewEnvelope(eventID, eventType, now, data).Encode()
	if err != nil {
		return nil, err
	}
	if truncated {
		e.logger.WarnContext(ctx, "payload exceeded size limit and was truncated",
			"webhook_id", sub.ID, "event_type", eventType)
	}

	d := &Delivery{
		Entity:        entity.At(now),
		ID:            uuid.New(),
		WebhookID:     sub.ID,
		OwnerID:       sub.OwnerID,
		EventID:       eventID,
		EventType:     eventType,
		Payload:       body,
		Status:        StatusPending,
		AttemptNumber: 1,
		MaxAttempts:   maxAttempts,
	}
	if err := e.store.CreateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("webhooks: record delivery: %w", err)
	}
	return d, nil
}

// attempt performs one HTTP attempt for d, classifies it, updates the
// ledger row and, when live, feeds the breaker.
func (e *Engine) attempt(ctx context.Context, sub *subscription.Subscription, d *Delivery, live bool) error {
	var span trace.Span
	if e.config.Tracer != nil {
		ctx, span = e.config.Tracer.StartDeliverySpan(ctx, d.ID.String(), d.EventID.String(), sub.ID.String(), d.AttemptNumber)
	}

	// Stored payload bytes are resent unchanged, signed with the current secret.
	res := e.sender.Send(ctx, Request{
		URL:        sub.URL,
		Body:       d.Payload,
		Signature:  signature.Header(d.Payload, sub.Secret),
		EventType:  d.EventType,
		WebhookID:  sub.ID.String(),
		DeliveryID: d.ID.String(),
		Headers:    sub.Headers,
	})

	now := e.config.Clock.Now()
	d.DurationMs = res.Duration.Milliseconds()
	d.Touch(now)
	d.StatusCode = nil
	d.ResponseBody = nil
	if res.StatusCode > 0 {
		code := res.StatusCode
		body := textutil.Truncate(res.Body, MaxResponseBodyLength)
		d.StatusCode = &code
		d.ResponseBody = &body
	}

	var reason string
	revoke := false
	if res.Success() {
		d.Status = StatusSuccess
		d.ErrorMessage = nil
		d.NextRetryAt = nil
		d.CompletedAt = &now
	} else {
		reason = failureReason(res)
		d.ErrorMessage = &reason
		revoke = res.StatusCode == http.StatusGone && e.config.GonePolicy == GoneRevokes
		if live && !revoke && d.CanRetry() {
			e.scheduler.ScheduleRetry(d, now)
		} else {
			d.Status = StatusFailed
			d.NextRetryAt = nil
			d.CompletedAt = &now
		}
	}

	if span != nil {
		e.config.Tracer.EndDeliverySpan(span, res.StatusCode, d.DurationMs, reason)
	}
	e.config.Metrics.RecordDelivery(string(d.Status), res.Duration.Seconds())

	var errs []error
	if err := e.store.UpdateDelivery(ctx, d); err != nil {
		errs = append(errs, fmt.Errorf("webhooks: update delivery %s: %w", d.ID, err))
	}

	switch d.Status {
	case StatusSuccess:
		e.logger.DebugContext(ctx, "delivered",
			"delivery_id", d.ID, "webhook_id", sub.ID, "status", res.StatusCode, "duration_ms", d.DurationMs)
	case StatusRetrying:
		e.logger.DebugContext(ctx, "retry scheduled",
			"delivery_id", d.ID, "attempt", d.AttemptNumber, "next_retry_at", d.NextRetryAt, "reason", reason)
	case StatusFailed:
		e.logger.WarnContext(ctx, "delivery failed",
			"delivery_id", d.ID, "webhook_id", sub.ID, "attempt", d.AttemptNumber, "reason", reason)
	case StatusPending:
	}

	if !live {
		return errors.Join(errs...)
	}

	if revoke {
		_, err := e.subs.SetStatus(ctx, sub.ID, subscription.SourcesOf(subscription.StatusDeleted), subscription.StatusDeleted, false, now)
		switch {
		case errors.Is(err, subscription.ErrInvalidTransition):
			// Already deleted by its owner or another attempt.
		case err != nil:
			errs = append(errs, fmt.Errorf("webhooks: revoke subscription %s: %w", sub.ID, err))
		default:
			e.logger.WarnContext(ctx, "subscription revoked (410 Gone)", "webhook_id", sub.ID)
		}
	}

	if e.breaker != nil {
		var err error
		if d.Status == StatusSuccess {
			err = e.breaker.OnSuccess(ctx, sub)
		} else {
			err = e.breaker.OnFailure(ctx, sub, reason)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// failureReason describes a failed attempt for the ledger and the breaker.
func failureReason(res Result) string {
	switch {
	case res.Timeout():
		return ReasonTimeout
	case res.Err != nil:
		return textutil.Truncate(res.Err.Error(), MaxErrorMessageLength)
	default:
		return fmt.Sprintf("HTTP %d", res.StatusCode)
	}
}
