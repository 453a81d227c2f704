package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/xraph/webhooks/clock"
	"github.com/xraph/webhooks/internal/entity"
	"github.com/xraph/webhooks/signature"
)

// ServiceConfig holds the injectable collaborators of a Service.
type ServiceConfig struct {
	// Clock stamps timestamps. Defaults to the system clock.
	Clock clock.Clock

	// GenerateSecret creates signing secrets. Defaults to signature.GenerateSecret.
	GenerateSecret func() string

	// MaxFailures is applied to subscriptions created without their own threshold.
	MaxFailures int
}

// Service provides subscription management operations. Every operation is
// scoped to an owner: another owner's subscription is reported as
// ErrNotFound, never as forbidden.
type Service struct {
	store  Store
	config ServiceConfig
	logger *slog.Logger
}

// NewService creates a new subscription service.
func NewService(store Store, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.GenerateSecret == nil {
		cfg.GenerateSecret = signature.GenerateSecret
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Service{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// Create registers a new subscription with a freshly generated secret.
func (svc *Service) Create(ctx context.Context, in Input) (*Subscription, error) {
	if in.OwnerID == "" {
		return nil, &ValidationError{Field: "owner_id", Message: "required"}
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "required"}
	}
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return nil, err
	}
	if err := validateHeaders(in.Headers); err != nil {
		return nil, err
	}

	maxFailures := in.MaxFailures
	if maxFailures <= 0 {
		maxFailures = svc.config.MaxFailures
	}

	sub := &Subscription{
		Entity:      entity.At(svc.config.Clock.Now()),
		ID:          uuid.New(),
		OwnerID:     in.OwnerID,
		Name:        strings.TrimSpace(in.Name),
		URL:         in.URL,
		Secret:      svc.config.GenerateSecret(),
		Events:      events,
		Headers:     in.Headers,
		Status:      StatusActive,
		IsActive:    true,
		MaxFailures: maxFailures,
	}

	if err := svc.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("webhooks: create subscription: %w", err)
	}

	svc.logger.DebugContext(ctx, "subscription created",
		"subscription_id", sub.ID,
		"owner_id", sub.OwnerID,
		"events", len(sub.Events),
	)
	return sub, nil
}

// Get returns a subscription owned by ownerID. Deleted subscriptions are
// reported as not found.
func (svc *Service) Get(ctx context.Context, subID uuid.UUID, ownerID string) (*Subscription, error) {
	sub, err := svc.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.OwnerID != ownerID || sub.Status == StatusDeleted {
		return nil, ErrNotFound
	}
	return sub, nil
}

// List returns a page of the owner's subscriptions and the total count.
func (svc *Service) List(ctx context.Context, ownerID string, opts ListOpts) ([]*Subscription, int64, error) {
	if opts.Status != nil {
		if err := opts.Status.Validate(); err != nil {
			return nil, 0, &ValidationError{Field: "status", Message: err.Error()}
		}
	}
	return svc.store.ListSubscriptions(ctx, ownerID, opts)
}

// Update applies a partial update to the subscription's configuration.
// Status cannot be changed here; use Pause, Resume or SoftDelete.
func (svc *Service) Update(ctx context.Context, subID uuid.UUID, ownerID string, p Patch) (*Subscription, error) {
	sub, err := svc.Get(ctx, subID, ownerID)
	if err != nil {
		return nil, err
	}

	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, &ValidationError{Field: "name", Message: "required"}
		}
		sub.Name = name
	}
	if p.URL != nil {
		if err := validateURL(*p.URL); err != nil {
			return nil, err
		}
		sub.URL = *p.URL
	}
	if p.Events != nil {
		events, err := normalizeEvents(p.Events)
		if err != nil {
			return nil, err
		}
		sub.Events = events
	}
	if p.Headers != nil {
		if err := validateHeaders(p.Headers); err != nil {
			return nil, err
		}
		sub.Headers = p.Headers
	}
	if p.MaxFailures != nil {
		if *p.MaxFailures <= 0 {
			return nil, &ValidationError{Field: "max_failures", Message: "must be positive"}
		}
		sub.MaxFailures = *p.MaxFailures
	}

	sub.Touch(svc.config.Clock.Now())
	if err := svc.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("webhooks: update subscription: %w", err)
	}
	return sub, nil
}

// SoftDelete marks the subscription deleted. The row and its deliveries are kept.
func (svc *Service) SoftDelete(ctx context.Context, subID uuid.UUID, ownerID string) error {
	_, err := svc.transition(ctx, subID, ownerID, StatusDeleted, false)
	return err
}

// Pause stops deliveries to an active subscription.
func (svc *Service) Pause(ctx context.Context, subID uuid.UUID, ownerID string) (*Subscription, error) {
	return svc.transition(ctx, subID, ownerID, StatusPaused, false)
}

// Resume reactivates a paused or disabled subscription and resets its
// failure counter, giving a disabled endpoint a fresh start.
func (svc *Service) Resume(ctx context.Context, subID uuid.UUID, ownerID string) (*Subscription, error) {
	return svc.transition(ctx, subID, ownerID, StatusActive, true)
}

// RegenerateSecret replaces the signing secret. Deliveries made from now on
// are signed with the new secret; the old one stops working immediately.
func (svc *Service) RegenerateSecret(ctx context.Context, subID uuid.UUID, ownerID string) (string, error) {
	sub, err := svc.Get(ctx, subID, ownerID)
	if err != nil {
		return "", err
	}

	sub.Secret = svc.config.GenerateSecret()
	sub.Touch(svc.config.Clock.Now())
	if err := svc.store.UpdateSubscription(ctx, sub); err != nil {
		return "", fmt.Errorf("webhooks: regenerate secret: %w", err)
	}

	svc.logger.InfoContext(ctx, "subscription secret regenerated", "subscription_id", sub.ID)
	return sub.Secret, nil
}

func (svc *Service) transition(ctx context.Context, subID uuid.UUID, ownerID string, to Status, resetFailures bool) (*Subscription, error) {
	sub, err := svc.Get(ctx, subID, ownerID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(sub.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, sub.Status, to)
	}

	// The store re-checks the source status in the same write, so a breaker
	// trip landing between Get and SetStatus still yields ErrInvalidTransition.
	updated, err := svc.store.SetStatus(ctx, subID, SourcesOf(to), to, resetFailures, svc.config.Clock.Now())
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("webhooks: set subscription status: %w", err)
	}

	svc.logger.InfoContext(ctx, "subscription status changed",
		"subscription_id", subID,
		"from", sub.Status,
		"to", to,
	)
	return updated, nil
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{Field: "url", Message: "invalid URL"}
	}
	return nil
}

// normalizeEvents trims and de-duplicates event types, keeping first-seen order.
func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, &ValidationError{Field: "events", Message: "at least one event type required"}
	}
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			return nil, &ValidationError{Field: "events", Message: "event type must not be empty"}
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func validateHeaders(headers map[string]string) error {
	for k := range headers {
		if signature.IsReservedHeader(k) {
			return &ValidationError{Field: "headers", Message: k + " is set by the delivery engine"}
		}
	}
	return nil
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "subscription validation: " + e.Field + ": " + e.Message
}
