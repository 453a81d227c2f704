package mongo

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

	ID                  string            `grove:"id,pk"                bson:"_id"`
	OwnerID             string            `grove:"owner_id"             bson:"owner_id"`
	Name                string            `grove:"name"                 bson:"name"`
	URL                 string            `grove:"url"                  bson:"url"`
	Secret              string            `grove:"secret"               bson:"secret"`
	Events              []string          `grove:"events"               bson:"events"`
	Headers             map[string]string `grove:"headers"              bson:"headers,omitempty"`
	Status              string            `grove:"status"               bson:"status"`
	IsActive            bool              `grove:"is_active"            bson:"is_active"`
	ConsecutiveFailures int               `grove:"consecutive_failures" bson:"consecutive_failures"`
	MaxFailures         int               `grove:"max_failures"         bson:"max_failures"`
	LastTriggeredAt     *time.Time        `grove:"last_triggered_at"    bson:"last_triggered_at,omitempty"`
	LastSuccessAt       *time.Time        `grove:"last_success_at"      bson:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `grove:"last_failure_at"      bson:"last_failure_at,omitempty"`
	LastFailureReason   string            `grove:"last_failure_reason"  bson:"last_failure_reason"`
	CreatedAt           time.Time         `grove:"created_at"           bson:"created_at"`
	UpdatedAt           time.Time         `grove:"updated_at"           bson:"updated_at"`
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

// Payload is stored as a string so the document holds the exact signed bytes.
type deliveryModel struct {
	grove.BaseModel `grove:"table:webhook_deliveries"`

	ID            string     `grove:"id,pk"          bson:"_id"`
	WebhookID     string     `grove:"webhook_id"     bson:"webhook_id"`
	OwnerID       string     `grove:"owner_id"       bson:"owner_id"`
	EventID       string     `grove:"event_id"       bson:"event_id"`
	EventType     string     `grove:"event_type"     bson:"event_type"`
	Payload       string     `grove:"payload"        bson:"payload"`
	Status        string     `grove:"status"         bson:"status"`
	StatusCode    *int       `grove:"status_code"    bson:"status_code,omitempty"`
	ResponseBody  *string    `grove:"response_body"  bson:"response_body,omitempty"`
	ErrorMessage  *string    `grove:"error_message"  bson:"error_message,omitempty"`
	DurationMs    int64      `grove:"duration_ms"    bson:"duration_ms"`
	AttemptNumber int        `grove:"attempt_number" bson:"attempt_number"`
	MaxAttempts   int        `grove:"max_attempts"   bson:"max_attempts"`
	NextRetryAt   *time.Time `grove:"next_retry_at"  bson:"next_retry_at,omitempty"`
	CompletedAt   *time.Time `grove:"completed_at"   bson:"completed_at,omitempty"`
	CreatedAt     time.Time  `grove:"created_at"     bson:"created_at"`
	UpdatedAt     time.Time  `grove:"updated_at"     bson:"updated_at"`
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

// statusAggregate is one $group result keyed by status.
type statusAggregate struct {
	Status  string `bson:"_id"`
	Count   int64  `bson:"count"`
	TotalMs int64  `bson:"total_ms"`
}
