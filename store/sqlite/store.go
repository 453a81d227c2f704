// Package sqlite implements store.Store on SQLite via Grove ORM.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/webhooks/delivery"
	wstore "github.com/xraph/webhooks/store"
	"github.com/xraph/webhooks/subscription"
)

// compile-time interface check
var _ wstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("webhooks/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("webhooks/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/sqlite: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID uuid.UUID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/sqlite: get subscription: %w", err)
	}
	return fromSubscriptionModel(m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("name = ?", sub.Name).
		Set("url = ?", sub.URL).
		Set("secret = ?", sub.Secret).
		Set("events = ?", encodeEvents(sub.Events)).
		Set("headers = ?", encodeHeaders(sub.Headers)).
		Set("max_failures = ?", sub.MaxFailures).
		Set("updated_at = ?", sub.UpdatedAt.UTC()).
		Where("id = ?", sub.ID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("webhooks/sqlite: update subscription: %w", err)
	}
	return expectRow(res, subscription.ErrNotFound)
}

// SetStatus passes the allowed source statuses as a JSON array and matches
// them with json_each, the same way ListDeliverable matches events.
func (s *Store) SetStatus(ctx context.Context, subID uuid.UUID, from []subscription.Status, status subscription.Status, resetFailures bool, at time.Time) (*subscription.Subscription, error) {
	sources, err := json.Marshal(subscription.StatusStrings(from))
	if err != nil {
		return nil, fmt.Errorf("webhooks/sqlite: encode statuses: %w", err)
	}
	sub, err := s.updateReturning(ctx, `
		UPDATE webhook_subscriptions
		SET status = ?,
		    is_active = ?,
		    consecutive_failures = CASE WHEN ? = 1 THEN 0 ELSE consecutive_failures END,
		    updated_at = ?
		WHERE id = ? AND status IN (SELECT value FROM json_each(?))
		RETURNING *
	`, string(status), boolInt(status == subscription.StatusActive), boolInt(resetFailures), at.UTC(), subID.String(), string(sources))
	if errors.Is(err, subscription.ErrNotFound) {
		return nil, s.missOrConflict(ctx, subID)
	}
	return sub, err
}

func (s *Store) ListSubscriptions(ctx context.Context, ownerID string, opts subscription.ListOpts) ([]*subscription.Subscription, int64, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).Where("owner_id = ?", ownerID)
	cq := s.sdb.NewSelect((*subscriptionModel)(nil)).Where("owner_id = ?", ownerID)

	if opts.Status != nil {
		q = q.Where("status = ?", string(*opts.Status))
		cq = cq.Where("status = ?", string(*opts.Status))
	} else {
		q = q.Where("status <> ?", string(subscription.StatusDeleted))
		cq = cq.Where("status <> ?", string(subscription.StatusDeleted))
	}

	total, err := cq.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/sqlite: count subscriptions: %w", err)
	}

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("webhooks/sqlite: list subscriptions: %w", err)
	}

	result, err := fromSubscriptionModels(models)
	return result, total, err
}

// ListDeliverable matches the event type inside the JSON events column.
func (s *Store) ListDeliverable(ctx context.Context, ownerID, eventType string) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	if err := s.sdb.NewSelect(&models).
		Where("owner_id = ?", ownerID).
		Where("status = ?", string(subscription.StatusActive)).
		Where("is_active = 1").
		Where("EXISTS (SELECT 1 FROM json_each(events) WHERE json_each.value = ?)", eventType).
		OrderExpr("created_at ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("webhooks/sqlite: resolve subscriptions: %w", err)
	}
	return fromSubscriptionModels(models)
}

func (s *Store) RecordSuccess(ctx context.Context, subID uuid.UUID, at time.Time) (*subscription.Subscription, error) {
	ts := at.UTC()
	return s.updateReturning(ctx, `
		UPDATE webhook_subscriptions
		SET consecutive_failures = 0,
		    last_success_at = ?,
		    last_triggered_at = ?,
		    last_failure_reason = '',
		    updated_at = ?
		WHERE id = ?
		RETURNING *
	`, ts, ts, ts, subID.String())
}

// RecordFailure relies on SQLite serializing writers. The tripping write and
// the plain increment are separate guarded statements, so the caller learns
// which one applied.
func (s *Store) RecordFailure(ctx context.Context, subID uuid.UUID, reason string, at time.Time) (*subscription.Subscription, bool, error) {
	ts := at.UTC()
	for range maxFailureWriteRounds {
		sub, err := s.updateReturning(ctx, `
			UPDATE webhook_subscriptions
			SET consecutive_failures = consecutive_failures + 1,
			    last_failure_at = ?,
			    last_triggered_at = ?,
			    last_failure_reason = ?,
			    status = 'disabled',
			    is_active = 0,
			    updated_at = ?
			WHERE id = ? AND status = 'active' AND consecutive_failures + 1 >= max_failures
			RETURNING *
		`, ts, ts, reason, ts, subID.String())
		if !errors.Is(err, subscription.ErrNotFound) {
			return sub, err == nil, err
		}

		sub, err = s.updateReturning(ctx, `
			UPDATE webhook_subscriptions
			SET consecutive_failures = consecutive_failures + 1,
			    last_failure_at = ?,
			    last_triggered_at = ?,
			    last_failure_reason = ?,
			    updated_at = ?
			WHERE id = ? AND NOT (status = 'active' AND consecutive_failures + 1 >= max_failures)
			RETURNING *
		`, ts, ts, reason, ts, subID.String())
		if !errors.Is(err, subscription.ErrNotFound) {
			return sub, false, err
		}

		if _, err := s.GetSubscription(ctx, subID); err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("webhooks/sqlite: record failure: row kept changing")
}

func (s *Store) CountByStatus(ctx context.Context, ownerID string) (map[subscription.Status]int64, error) {
	var rows []statusAggregate
	err := s.sdb.NewRaw(`
		SELECT status, COUNT(*) AS count, 0 AS total_ms
		FROM webhook_subscriptions
		WHERE (? = '' OR owner_id = ?)
		GROUP BY status
	`, ownerID, ownerID).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("webhooks/sqlite: count subscriptions by status: %w", err)
	}

	counts := make(map[subscription.Status]int64, len(rows))
	for _, r := range rows {
		counts[subscription.Status(r.Status)] = r.Count
	}
	return counts, nil
}

func (s *Store) missOrConflict(ctx context.Context, subID uuid.UUID) error {
	if _, err := s.GetSubscription(ctx, subID); err != nil {
		return err
	}
	return subscription.ErrInvalidTransition
}

func (s *Store) updateReturning(ctx context.Context, query string, args ...any) (*subscription.Subscription, error) {
	var models []subscriptionModel
	if err := s.sdb.NewRaw(query, args...).Scan(ctx, &models); err != nil {
		if isNoRows(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/sqlite: update subscription: %w", err)
	}
	if len(models) == 0 {
		return nil, subscription.ErrNotFound
	}
	return fromSubscriptionModel(&models[0])
}

// ==================== Delivery Store ====================

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/sqlite: create delivery: %w", err)
	}
	return nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("webhooks/sqlite: update delivery: %w", err)
	}
	return expectRow(res, delivery.ErrNotFound)
}

func (s *Store) GetDelivery(ctx context.Context, delID uuid.UUID) (*delivery.Delivery, error) {
	m := new(deliveryModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", delID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, delivery.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/sqlite: get delivery: %w", err)
	}
	return fromDeliveryModel(m)
}

func (s *Store) ListBySubscription(ctx context.Context, webhookID uuid.UUID, opts delivery.ListOpts) ([]*delivery.Delivery, int64, error) {
	var models []deliveryModel
	q := s.sdb.NewSelect(&models).Where("webhook_id = ?", webhookID.String())
	cq := s.sdb.NewSelect((*deliveryModel)(nil)).Where("webhook_id = ?", webhookID.String())

	if opts.Status != nil {
		q = q.Where("status = ?", string(*opts.Status))
		cq = cq.Where("status = ?", string(*opts.Status))
	}

	total, err := cq.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/sqlite: count deliveries: %w", err)
	}

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("webhooks/sqlite: list deliveries: %w", err)
	}

	result, err := fromDeliveryModels(models)
	return result, total, err
}

func (s *Store) ListDue(ctx context.Context, f delivery.DueFilter) ([]*delivery.Delivery, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	var models []deliveryModel
	err := s.sdb.NewRaw(`
		SELECT * FROM webhook_deliveries
		WHERE ((status = 'retrying' AND next_retry_at <= ?) OR (status = 'pending' AND updated_at <= ?))
		  AND (? = '' OR owner_id = ?)
		ORDER BY CASE WHEN status = 'retrying' THEN next_retry_at ELSE updated_at END ASC
		LIMIT ?
	`, f.Now.UTC(), f.StaleBefore.UTC(), f.OwnerID, f.OwnerID, limit).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("webhooks/sqlite: list due deliveries: %w", err)
	}
	return fromDeliveryModels(models)
}

func (s *Store) ClaimDue(ctx context.Context, c delivery.Claim) (bool, error) {
	now := c.Now.UTC()
	res, err := s.sdb.NewRaw(`
		UPDATE webhook_deliveries
		SET next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND attempt_number = ?
		  AND ((status = 'retrying' AND next_retry_at <= ?) OR (status = 'pending' AND updated_at <= ?))
	`, c.LeaseUntil.UTC(), now, c.ID.String(), string(c.Status), c.AttemptNumber, now, c.StaleBefore.UTC()).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("webhooks/sqlite: claim delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("webhooks/sqlite: claim delivery: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeliveryStats(ctx context.Context, ownerID string) (*delivery.Stats, error) {
	var rows []statusAggregate
	err := s.sdb.NewRaw(`
		SELECT status, COUNT(*) AS count, COALESCE(SUM(duration_ms), 0) AS total_ms
		FROM webhook_deliveries
		WHERE (? = '' OR owner_id = ?)
		GROUP BY status
	`, ownerID, ownerID).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("webhooks/sqlite: delivery stats: %w", err)
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

// ==================== Helpers ====================

const maxFailureWriteRounds = 5

func fromSubscriptionModels(models []subscriptionModel) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func fromDeliveryModels(models []deliveryModel) ([]*delivery.Delivery, error) {
	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

func expectRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
