package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/webhooks/subscription"
)

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/mongo: create subscription: %w", err)
	}
	return nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, subID uuid.UUID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

// UpdateSubscription sets the configuration fields only.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	res, err := s.mdb.Collection(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": sub.ID.String()},
		bson.M{"$set": bson.M{
			"name":         sub.Name,
			"url":          sub.URL,
			"secret":       sub.Secret,
			"events":       sub.Events,
			"headers":      sub.Headers,
			"max_failures": sub.MaxFailures,
			"updated_at":   sub.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("webhooks/mongo: update subscription: %w", err)
	}
	if res.MatchedCount == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

// SetStatus moves a subscription to status if its current status is in from.
func (s *Store) SetStatus(ctx context.Context, subID uuid.UUID, from []subscription.Status, status subscription.Status, resetFailures bool, at time.Time) (*subscription.Subscription, error) {
	set := bson.M{
		"status":     string(status),
		"is_active":  status == subscription.StatusActive,
		"updated_at": at,
	}
	if resetFailures {
		set["consecutive_failures"] = 0
	}
	filter := bson.M{
		"_id":    subID.String(),
		"status": bson.M{"$in": subscription.StatusStrings(from)},
	}
	sub, err := s.findAndUpdate(ctx, filter, bson.M{"$set": set}, returnAfter())
	if errors.Is(err, subscription.ErrNotFound) {
		if _, err := s.GetSubscription(ctx, subID); err != nil {
			return nil, err
		}
		return nil, subscription.ErrInvalidTransition
	}
	return sub, err
}

// ListSubscriptions returns a page of an owner's subscriptions.
func (s *Store) ListSubscriptions(ctx context.Context, ownerID string, opts subscription.ListOpts) ([]*subscription.Subscription, int64, error) {
	filter := bson.M{"owner_id": ownerID}
	if opts.Status != nil {
		filter["status"] = string(*opts.Status)
	} else {
		filter["status"] = bson.M{"$ne": string(subscription.StatusDeleted)}
	}

	total, err := s.mdb.NewFind((*subscriptionModel)(nil)).
		Filter(filter).
		Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/mongo: count subscriptions: %w", err)
	}

	var models []subscriptionModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("webhooks/mongo: list subscriptions: %w", err)
	}

	result, err := fromSubscriptionModels(models)
	return result, total, err
}

// ListDeliverable returns the owner's active subscriptions for eventType.
// Matching a scalar against the events array tests membership.
func (s *Store) ListDeliverable(ctx context.Context, ownerID, eventType string) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	if err := s.mdb.NewFind(&models).
		Filter(bson.M{
			"owner_id":  ownerID,
			"status":    string(subscription.StatusActive),
			"is_active": true,
			"events":    eventType,
		}).
		Sort(bson.D{{Key: "created_at", Value: 1}}).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("webhooks/mongo: resolve subscriptions: %w", err)
	}
	return fromSubscriptionModels(models)
}

// RecordSuccess resets the failure counter.
func (s *Store) RecordSuccess(ctx context.Context, subID uuid.UUID, at time.Time) (*subscription.Subscription, error) {
	return s.findAndUpdate(ctx, byID(subID), bson.M{"$set": bson.M{
		"consecutive_failures": 0,
		"last_success_at":      at,
		"last_triggered_at":    at,
		"last_failure_reason":  "",
		"updated_at":           at,
	}}, returnAfter())
}

// RecordFailure increments the failure counter and trips the breaker with
// an update pipeline, so the whole change is one atomic document write. The
// pre-image comes back and the same rule is replayed on it, which tells this
// write's trip apart from a subscription that was already disabled.
func (s *Store) RecordFailure(ctx context.Context, subID uuid.UUID, reason string, at time.Time) (*subscription.Subscription, bool, error) {
	trippedCond := bson.M{"$and": bson.A{
		bson.M{"$eq": bson.A{"$status", string(subscription.StatusActive)}},
		bson.M{"$gte": bson.A{"$consecutive_failures", "$max_failures"}},
	}}
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"consecutive_failures": bson.M{"$add": bson.A{"$consecutive_failures", 1}},
			"last_failure_at":      at,
			"last_triggered_at":    at,
			"last_failure_reason":  bson.M{"$literal": reason},
			"updated_at":           at,
		}},
		bson.M{"$set": bson.M{
			"status": bson.M{"$cond": bson.A{trippedCond, string(subscription.StatusDisabled), "$status"}},
		}},
		bson.M{"$set": bson.M{
			"is_active": bson.M{"$eq": bson.A{"$status", string(subscription.StatusActive)}},
		}},
	}
	before, err := s.findAndUpdate(ctx, byID(subID), pipeline, returnBefore())
	if err != nil {
		return nil, false, err
	}
	tripped := before.ApplyFailure(reason, at)
	return before, tripped, nil
}

// CountByStatus returns subscription counts per status.
func (s *Store) CountByStatus(ctx context.Context, ownerID string) (map[subscription.Status]int64, error) {
	rows, err := s.aggregateByStatus(ctx, colSubscriptions, ownerID)
	if err != nil {
		return nil, fmt.Errorf("webhooks/mongo: count subscriptions by status: %w", err)
	}
	counts := make(map[subscription.Status]int64, len(rows))
	for _, r := range rows {
		counts[subscription.Status(r.Status)] = r.Count
	}
	return counts, nil
}

func byID(subID uuid.UUID) bson.M { return bson.M{"_id": subID.String()} }

func (s *Store) findAndUpdate(ctx context.Context, filter bson.M, update any, opts *options.FindOneAndUpdateOptionsBuilder) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.Collection(colSubscriptions).
		FindOneAndUpdate(ctx, filter, update, opts).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/mongo: update subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func fromSubscriptionModels(models []subscriptionModel) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, 0, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, nil
}
