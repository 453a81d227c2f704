package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/webhooks/delivery"
)

// CreateDelivery records a new delivery.
func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/mongo: create delivery: %w", err)
	}
	return nil
}

// UpdateDelivery replaces a delivery document.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("webhooks/mongo: update delivery: %w", err)
	}
	if res.MatchedCount() == 0 {
		return delivery.ErrNotFound
	}
	return nil
}

// GetDelivery returns a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, delID uuid.UUID) (*delivery.Delivery, error) {
	var m deliveryModel

	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": delID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, delivery.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/mongo: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

// ListBySubscription returns a subscription's deliveries, newest first.
func (s *Store) ListBySubscription(ctx context.Context, webhookID uuid.UUID, opts delivery.ListOpts) ([]*delivery.Delivery, int64, error) {
	filter := bson.M{"webhook_id": webhookID.String()}
	if opts.Status != nil {
		filter["status"] = string(*opts.Status)
	}

	total, err := s.mdb.NewFind((*deliveryModel)(nil)).
		Filter(filter).
		Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/mongo: count deliveries: %w", err)
	}

	var models []deliveryModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("webhooks/mongo: list deliveries: %w", err)
	}

	result, err := fromDeliveryModels(models)
	return result, total, err
}

// dueMatch selects retrying rows whose retry time has passed and pending
// rows abandoned before staleBefore.
func dueMatch(now, staleBefore time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"status": string(delivery.StatusRetrying), "next_retry_at": bson.M{"$lte": now}},
		bson.M{"status": string(delivery.StatusPending), "updated_at": bson.M{"$lte": staleBefore}},
	}}
}

// ListDue returns due retries and stale pending deliveries, ordered by the
// time each became due.
func (s *Store) ListDue(ctx context.Context, f delivery.DueFilter) ([]*delivery.Delivery, error) {
	match := dueMatch(f.Now, f.StaleBefore)
	if f.OwnerID != "" {
		match["owner_id"] = f.OwnerID
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$addFields", Value: bson.M{"due_at": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$status", string(delivery.StatusRetrying)}},
			"$next_retry_at",
			"$updated_at",
		}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "due_at", Value: 1}}}},
	}
	if f.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(f.Limit)}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$unset", Value: "due_at"}})

	cur, err := s.mdb.Collection(colDeliveries).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("webhooks/mongo: list due deliveries: %w", err)
	}
	var models []deliveryModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("webhooks/mongo: list due deliveries: %w", err)
	}
	return fromDeliveryModels(models)
}

// ClaimDue leases a due delivery with a conditional UpdateOne.
func (s *Store) ClaimDue(ctx context.Context, c delivery.Claim) (bool, error) {
	filter := dueMatch(c.Now, c.StaleBefore)
	filter["_id"] = c.ID.String()
	filter["status"] = string(c.Status)
	filter["attempt_number"] = c.AttemptNumber

	res, err := s.mdb.Collection(colDeliveries).UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"next_retry_at": c.LeaseUntil,
		"updated_at":    c.Now,
	}})
	if err != nil {
		return false, fmt.Errorf("webhooks/mongo: claim delivery: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// DeliveryStats aggregates the ledger by status.
func (s *Store) DeliveryStats(ctx context.Context, ownerID string) (*delivery.Stats, error) {
	rows, err := s.aggregateByStatus(ctx, colDeliveries, ownerID)
	if err != nil {
		return nil, fmt.Errorf("webhooks/mongo: delivery stats: %w", err)
	}

	stats := &delivery.Stats{ByStatus: make(map[delivery.Status]int64, len(rows))}
	for _, r := range rows {
		st := delivery.Status(r.Status)
		stats.ByStatus[st] = r.Count
		if st == delivery.StatusSuccess && r.Count > 0 {
			stats.AvgSuccessDurationMs = float64(r.TotalMs) / float64(r.Count)
		}
	}
	return stats, nil
}

func fromDeliveryModels(models []deliveryModel) ([]*delivery.Delivery, error) {
	result := make([]*delivery.Delivery, 0, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}
