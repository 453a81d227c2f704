package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xraph/grove"

	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/internal/entity"
	"github.com/xraph/webhooks/subscription"
)

// --- Subscription models ---

type subscriptionModel struct {
	grove.BaseModel `grove:"table:webhook_subscriptions"`

	ID                  string            `grove:"id,pk"`
	OwnerID             string            `grove:"owner_id"`
	Name                string            `grove:"name"`
	URL                 string            `grove:"url"`
	Secret              string            `grove:"secret"`
	Events              []string          `grove:"events,array"`
	Headers             map[string]string `grove:"headers,type:jsonb"`
	Status              string            `grove:"status"`
	IsActive            bool              `grove:"is_active"`
	ConsecutiveFailures int               `grove:"consecutive_failures"`
	MaxFailures         int               `grove:"max_failures"`
	LastTriggeredAt     *time.Time        `grove:"last_triggered_at"`
	LastSuccessAt       *time.Time        `grove:"last_success_at"`
	LastFailureAt       *time.Time        `grove:"last_failure_at"`
	LastFailureReason   string            `grove:"last_failure_reason"`
	CreatedAt           time.Time         `grove:"created_at"`
	UpdatedAt           time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                  sub.ID.String(),
		OwnerID:             sub.OwnerID,
		Name:                sub.Name,
		URL:                 sub.URL,
		Secret:              sub.Secret,
		Events:              sub.Events,
		Headers:             sub.Headers,
		Status:              string(sub.Status),
		IsActive:            sub.IsActive,
		ConsecutiveFailures: sub.ConsecutiveFailures,
		MaxFailures:         sub.MaxFailures,
		LastTriggeredAt:     sub.LastTriggeredAt,
		LastSuccessAt:       sub.LastSuccessAt,
		LastFailureAt:       sub.LastFailureAt,
		LastFailureReason:   sub.LastFailureReason,
		CreatedAt:           sub.CreatedAt,
		UpdatedAt:           sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	status, err := subscription.ParseStatus(m.Status)
	if err != nil {
		return nil, err
	}
	return &subscription.Subscription{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                  subID,
		OwnerID:             m.OwnerID,
		Name:                m.Name,
		URL:                 m.URL,
		Secret:              m.Secret,
		Events:              m.Events,
		Headers:             m.Headers,
		Status:              status,
		IsActive:            m.IsActive,
		ConsecutiveFailures: m.ConsecutiveFailures,
		MaxFailures:         m.MaxFailures,
		LastTriggeredAt:     m.LastTriggeredAt,
		LastSuccessAt:       m.LastSuccessAt,
		LastFailureAt:       m.LastFailureAt,
		LastFailureReason:   m.LastFailureReason,
	}, nil
}

// --- Delivery models ---

// Payload is kept as TEXT, not JSONB, so the stored bytes are exactly the
// bytes that were signed.
type deliveryModel struct {
	grove.BaseModel `grove:"table:webhook_deliveries"`

	ID            string     `grove:"id,pk"`
	WebhookID     string     `grove:"webhook_id"`
	OwnerID       string     `grove:"owner_id"`
	EventID       string     `grove:"event_id"`
	EventType     string     `grove:"event_type"`
	Payload       string     `grove:"payload"`
	Status        string     `grove:"status"`
	StatusCode    *int       `grove:"status_code"`
	ResponseBody  *string    `grove:"response_body"`
	ErrorMessage  *string    `grove:"error_message"`
	DurationMs    int64      `grove:"duration_ms"`
	AttemptNumber int        `grove:"attempt_number"`
	MaxAttempts   int        `grove:"max_attempts"`
	NextRetryAt   *time.Time `grove:"next_retry_at"`
	CompletedAt   *time.Time `grove:"completed_at"`
	CreatedAt     time.Time  `grove:"created_at"`
	UpdatedAt     time.Time  `grove:"updated_at"`
}

func toDeliveryModel(d *delivery.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:            d.ID.String(),
		WebhookID:     d.WebhookID.String(),
		OwnerID:       d.OwnerID,
		EventID:       d.EventID.String(),
		EventType:     d.EventType,
		Payload:       string(d.Payload),
		Status:        string(d.Status),
		StatusCode:    d.StatusCode,
		ResponseBody:  d.ResponseBody,
		ErrorMessage:  d.ErrorMessage,
		DurationMs:    d.DurationMs,
		AttemptNumber: d.AttemptNumber,
		MaxAttempts:   d.MaxAttempts,
		NextRetryAt:   d.NextRetryAt,
		CompletedAt:   d.CompletedAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func fromDeliveryModel(m *deliveryModel) (*delivery.Delivery, error) {
	delID, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	webhookID, err := uuid.Parse(m.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("parse webhook ID %q: %w", m.WebhookID, err)
	}
	eventID, err := uuid.Parse(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	status, err := delivery.ParseStatus(m.Status)
	if err != nil {
		return nil, err
	}
	return &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            delID,
		WebhookID:     webhookID,
		OwnerID:       m.OwnerID,
		EventID:       eventID,
		EventType:     m.EventType,
		Payload:       json.RawMessage(m.Payload),
		Status:        status,
		StatusCode:    m.StatusCode,
		ResponseBody:  m.ResponseBody,
		ErrorMessage:  m.ErrorMessage,
		DurationMs:    m.DurationMs,
		AttemptNumber: m.AttemptNumber,
		MaxAttempts:   m.MaxAttempts,
		NextRetryAt:   m.NextRetryAt,
		CompletedAt:   m.CompletedAt,
	}, nil
}

// --- Aggregates ---

// statusAggregate is one row of a GROUP BY status query.
type statusAggregate struct {
	Status  string `grove:"status"`
	Count   int64  `grove:"count"`
	TotalMs int64  `grove:"total_ms"`
}
