// Package postgres implements store.Store on PostgreSQL via Grove ORM.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/webhooks/delivery"
	wstore "github.com/xraph/webhooks/store"
	"github.com/xraph/webhooks/subscription"
)

// compile-time interface check
var _ wstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("webhooks/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("webhooks/postgres: migration failed: %w", err)
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
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/postgres: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID uuid.UUID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/postgres: get subscription: %w", err)
	}
	return fromSubscriptionModel(m)
}

// UpdateSubscription writes configuration columns only, leaving status and
// counters to SetStatus and the atomic breaker updates.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return fmt.Errorf("webhooks/postgres: encode headers: %w", err)
	}
	res, err := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("name = $1", sub.Name).
		Set("url = $2", sub.URL).
		Set("secret = $3", sub.Secret).
		Set("events = $4", sub.Events).
		Set("headers = $5::jsonb", string(headers)).
		Set("max_failures = $6", sub.MaxFailures).
		Set("updated_at = $7", sub.UpdatedAt).
		Where("id = $8", sub.ID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("webhooks/postgres: update subscription: %w", err)
	}
	return expectRow(res, subscription.ErrNotFound)
}

func (s *Store) SetStatus(ctx context.Context, subID uuid.UUID, from []subscription.Status, status subscription.Status, resetFailures bool, at time.Time) (*subscription.Subscription, error) {
	sub, err := s.updateReturning(ctx, `
		UPDATE webhook_subscriptions
		SET status = $1,
		    is_active = $2,
		    consecutive_failures = CASE WHEN $3 THEN 0 ELSE consecutive_failures END,
		    updated_at = $4
		WHERE id = $5 AND status = ANY($6)
		RETURNING *
	`, string(status), status == subscription.StatusActive, resetFailures, at.UTC(), subID.String(), subscription.StatusStrings(from))
	if errors.Is(err, subscription.ErrNotFound) {
		return nil, s.missOrConflict(ctx, subID)
	}
	return sub, err
}

func (s *Store) ListSubscriptions(ctx context.Context, ownerID string, opts subscription.ListOpts) ([]*subscription.Subscription, int64, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models).Where("owner_id = $1", ownerID)
	cq := s.pg.NewSelect((*subscriptionModel)(nil)).Where("owner_id = $1", ownerID)

	if opts.Status != nil {
		q = q.Where("status = $2", string(*opts.Status))
		cq = cq.Where("status = $2", string(*opts.Status))
	} else {
		q = q.Where("status <> $2", string(subscription.StatusDeleted))
		cq = cq.Where("status <> $2", string(subscription.StatusDeleted))
	}

	total, err := cq.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/postgres: count subscriptions: %w", err)
	}

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("webhooks/postgres: list subscriptions: %w", err)
	}

	result, err := fromSubscriptionModels(models)
	return result, total, err
}

func (s *Store) ListDeliverable(ctx context.Context, ownerID, eventType string) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	if err := s.pg.NewSelect(&models).
		Where("owner_id = $1", ownerID).
		Where("status = $2", string(subscription.StatusActive)).
		Where("is_active = true").
		Where("$3 = ANY(events)", eventType).
		OrderExpr("created_at ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("webhooks/postgres: resolve subscriptions: %w", err)
	}
	return fromSubscriptionModels(models)
}

func (s *Store) RecordSuccess(ctx context.Context, subID uuid.UUID, at time.Time) (*subscription.Subscription, error) {
	return s.updateReturning(ctx, `
		UPDATE webhook_subscriptions
		SET consecutive_failures = 0,
		    last_success_at = $1,
		    last_triggered_at = $1,
		    last_failure_reason = '',
		    updated_at = $1
		WHERE id = $2
		RETURNING *
	`, at.UTC(), subID.String())
}

// RecordFailure counts a failure with one of two guarded statements: the
// first applies only when this failure trips the breaker, the second only
// when it does not. Each serializes on the row lock and re-checks its guard,
// so exactly one concurrent failure observes the trip.
func (s *Store) RecordFailure(ctx context.Context, subID uuid.UUID, reason string, at time.Time) (*subscription.Subscription, bool, error) {
	args := []any{at.UTC(), reason, subID.String()}
	for range maxFailureWriteRounds {
		sub, err := s.updateReturning(ctx, `
			UPDATE webhook_subscriptions
			SET consecutive_failures = consecutive_failures + 1,
			    last_failure_at = $1,
			    last_triggered_at = $1,
			    last_failure_reason = $2,
			    status = 'disabled',
			    is_active = FALSE,
			    updated_at = $1
			WHERE id = $3 AND status = 'active' AND consecutive_failures + 1 >= max_failures
			RETURNING *
		`, args...)
		if !errors.Is(err, subscription.ErrNotFound) {
			return sub, err == nil, err
		}

		sub, err = s.updateReturning(ctx, `
			UPDATE webhook_subscriptions
			SET consecutive_failures = consecutive_failures + 1,
			    last_failure_at = $1,
			    last_triggered_at = $1,
			    last_failure_reason = $2,
			    updated_at = $1
			WHERE id = $3 AND NOT (status = 'active' AND consecutive_failures + 1 >= max_failures)
			RETURNING *
		`, args...)
		if !errors.Is(err, subscription.ErrNotFound) {
			return sub, false, err
		}

		if _, err := s.GetSubscription(ctx, subID); err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("webhooks/postgres: record failure: row kept changing")
}

func (s *Store) CountByStatus(ctx context.Context, ownerID string) (map[subscription.Status]int64, error) {
	var rows []statusAggregate
	err := s.pg.NewRaw(`
		SELECT status, COUNT(*) AS count, 0 AS total_ms
		FROM webhook_subscriptions
		WHERE ($1 = '' OR owner_id = $1)
		GROUP BY status
	`, ownerID).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("webhooks/postgres: count subscriptions by status: %w", err)
	}

	counts := make(map[subscription.Status]int64, len(rows))
	for _, r := range rows {
		counts[subscription.Status(r.Status)] = r.Count
	}
	return counts, nil
}

// missOrConflict tells a missing row from one whose status guard failed.
func (s *Store) missOrConflict(ctx context.Context, subID uuid.UUID) error {
	if _, err := s.GetSubscription(ctx, subID); err != nil {
		return err
	}
	return subscription.ErrInvalidTransition
}

func (s *Store) updateReturning(ctx context.Context, query string, args ...any) (*subscription.Subscription, error) {
	var models []subscriptionModel
	if err := s.pg.NewRaw(query, args...).Scan(ctx, &models); err != nil {
		if isNoRows(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/postgres: update subscription: %w", err)
	}
	if len(models) == 0 {
		return nil, subscription.ErrNotFound
	}
	return fromSubscriptionModel(&models[0])
}

// ==================== Delivery Store ====================

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/postgres: create delivery: %w", err)
	}
	return nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("webhooks/postgres: update delivery: %w", err)
	}
	return expectRow(res, delivery.ErrNotFound)
}

func (s *Store) GetDelivery(ctx context.Context, delID uuid.UUID) (*delivery.Delivery, error) {
	m := new(deliveryModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", delID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, delivery.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/postgres: get delivery: %w", err)
	}
	return fromDeliveryModel(m)
}

func (s *Store) ListBySubscription(ctx context.Context, webhookID uuid.UUID, opts delivery.ListOpts) ([]*delivery.Delivery, int64, error) {
	var models []deliveryModel
	q := s.pg.NewSelect(&models).Where("webhook_id = $1", webhookID.String())
	cq := s.pg.NewSelect((*deliveryModel)(nil)).Where("webhook_id = $1", webhookID.String())

	if opts.Status != nil {
		q = q.Where("status = $2", string(*opts.Status))
		cq = cq.Where("status = $2", string(*opts.Status))
	}

	total, err := cq.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/postgres: count deliveries: %w", err)
	}

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("webhooks/postgres: list deliveries: %w", err)
	}

	result, err := fromDeliveryModels(models)
	return result, total, err
}

func (s *Store) ListDue(ctx context.Context, f delivery.DueFilter) ([]*delivery.Delivery, error) {
	var models []deliveryModel
	err := s.pg.NewRaw(`
		SELECT * FROM webhook_deliveries
		WHERE ((status = 'retrying' AND next_retry_at <= $1) OR (status = 'pending' AND updated_at <= $2))
		  AND ($3 = '' OR owner_id = $3)
		ORDER BY CASE WHEN status = 'retrying' THEN next_retry_at ELSE updated_at END ASC
		LIMIT NULLIF($4::int, 0)
	`, f.Now.UTC(), f.StaleBefore.UTC(), f.OwnerID, f.Limit).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("webhooks/postgres: list due deliveries: %w", err)
	}
	return fromDeliveryModels(models)
}

// ClaimDue re-checks the due condition inside the UPDATE, so of two
// sweepers racing for a row only one sees a row affected.
func (s *Store) ClaimDue(ctx context.Context, c delivery.Claim) (bool, error) {
	res, err := s.pg.NewRaw(`
		UPDATE webhook_deliveries
		SET next_retry_at = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND attempt_number = $5
		  AND ((status = 'retrying' AND next_retry_at <= $2) OR (status = 'pending' AND updated_at <= $6))
	`, c.LeaseUntil.UTC(), c.Now.UTC(), c.ID.String(), string(c.Status), c.AttemptNumber, c.StaleBefore.UTC()).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("webhooks/postgres: claim delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("webhooks/postgres: claim delivery: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeliveryStats(ctx context.Context, ownerID string) (*delivery.Stats, error) {
	var rows []statusAggregate
	err := s.pg.NewRaw(`
		SELECT status, COUNT(*) AS count, COALESCE(SUM(duration_ms), 0) AS total_ms
		FROM webhook_deliveries
		WHERE ($1 = '' OR owner_id = $1)
		GROUP BY status
	`, ownerID).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("webhooks/postgres: delivery stats: %w", err)
	}
	return aggregateStats(rows), nil
}

// ==================== Helpers ====================

// maxFailureWriteRounds bounds RecordFailure when the row keeps moving
// between its two guarded statements.
const maxFailureWriteRounds = 5

func aggregateStats(rows []statusAggregate) *delivery.Stats {
	stats := &delivery.Stats{ByStatus: make(map[delivery.Status]int64, len(rows))}
	for _, r := range rows {
		st := delivery.Status(r.Status)
		stats.ByStatus[st] = r.Count
		if st == delivery.StatusSuccess && r.Count > 0 {
			stats.AvgSuccessDurationMs = float64(r.TotalMs) / float64(r.Count)
		}
	}
	return stats
}

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

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
