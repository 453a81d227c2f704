package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"

	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/internal/entity"
)

// deliveryModel is the JSON representation stored in Redis. The payload is
// a string so the stored bytes match what was signed.
type deliveryModel struct {
	ID            string     `json:"id"`
	WebhookID     string     `json:"webhook_id"`
	OwnerID       string     `json:"owner_id"`
	EventID       string     `json:"event_id"`
	EventType     string     `json:"event_type"`
	Payload       string     `json:"payload"`
	Status        string     `json:"status"`
	StatusCode    *int       `json:"status_code,omitempty"`
	ResponseBody  *string    `json:"response_body,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	DurationMs    int64      `json:"duration_ms"`
	AttemptNumber int        `json:"attempt_number"`
	MaxAttempts   int        `json:"max_attempts"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
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

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	if err := s.setEntity(ctx, entityKey(prefixDelivery, m.ID), m); err != nil {
		return fmt.Errorf("webhooks/redis: create delivery: %w", err)
	}

	z := goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID}
	pipe := s.db.Pipeline()
	pipe.ZAdd(ctx, zDeliveryAll, z)
	pipe.ZAdd(ctx, zDeliveryOwner+m.OwnerID, z)
	pipe.ZAdd(ctx, zDeliverySub+m.WebhookID, z)
	s.indexDue(ctx, pipe, m)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/redis: create delivery indexes: %w", err)
	}
	return nil
}

// UpdateDelivery overwrites an existing document. SET XX keeps a vanished
// row from being recreated.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	if err := s.setEntity(ctx, entityKey(prefixDelivery, m.ID), m, kv.WithXX()); err != nil {
		if isMissing(err) {
			return delivery.ErrNotFound
		}
		return fmt.Errorf("webhooks/redis: update delivery: %w", err)
	}

	pipe := s.db.Pipeline()
	s.indexDue(ctx, pipe, m)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/redis: update due index: %w", err)
	}
	return nil
}

// indexDue keeps the due set equal to the retrying deliveries, scored by
// their retry time, and the pending set equal to the pending deliveries,
// scored by their last write.
func (s *Store) indexDue(ctx context.Context, pipe goredis.Pipeliner, m *deliveryModel) {
	switch {
	case m.Status == string(delivery.StatusRetrying) && m.NextRetryAt != nil:
		pipe.ZAdd(ctx, zDeliveryDue, goredis.Z{Score: scoreFromTime(*m.NextRetryAt), Member: m.ID})
		pipe.ZRem(ctx, zDeliveryPending, m.ID)
	case m.Status == string(delivery.StatusPending):
		pipe.ZAdd(ctx, zDeliveryPending, goredis.Z{Score: scoreFromTime(m.UpdatedAt), Member: m.ID})
		pipe.ZRem(ctx, zDeliveryDue, m.ID)
	default:
		pipe.ZRem(ctx, zDeliveryDue, m.ID)
		pipe.ZRem(ctx, zDeliveryPending, m.ID)
	}
}

// claimScript leases a due delivery. The status and attempt number must be
// unchanged and the row's score in its index must still be due. The lease
// is written to next_retry_at and the row is rescored so other sweepers
// skip it until the lease runs out.
// KEYS[1] = delivery key, KEYS[2] = due set, KEYS[3] = pending set
// ARGV[1] = status, ARGV[2] = attempt number, ARGV[3] = now score,
// ARGV[4] = stale-before score, ARGV[5] = lease score,
// ARGV[6] = now timestamp, ARGV[7] = lease timestamp
var claimScript = redisdriver.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local d = cjson.decode(raw)
if d['status'] ~= ARGV[1] or tonumber(d['attempt_number']) ~= tonumber(ARGV[2]) then return 0 end
local index, limit
if ARGV[1] == 'retrying' then
    index, limit = KEYS[2], ARGV[3]
elseif ARGV[1] == 'pending' then
    index, limit = KEYS[3], ARGV[4]
else
    return 0
end
local score = redis.call('ZSCORE', index, d['id'])
if not score or tonumber(score) > tonumber(limit) then return 0 end
d['next_retry_at'] = ARGV[7]
d['updated_at'] = ARGV[6]
redis.call('SET', KEYS[1], cjson.encode(d))
if ARGV[1] == 'retrying' then
    redis.call('ZADD', index, ARGV[5], d['id'])
else
    redis.call('ZADD', index, ARGV[3], d['id'])
end
return 1
`)

func (s *Store) GetDelivery(ctx context.Context, delID uuid.UUID) (*delivery.Delivery, error) {
	var m deliveryModel
	if err := s.getEntity(ctx, entityKey(prefixDelivery, delID.String()), &m); err != nil {
		if isMissing(err) {
			return nil, delivery.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/redis: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

func (s *Store) ListBySubscription(ctx context.Context, webhookID uuid.UUID, opts delivery.ListOpts) ([]*delivery.Delivery, int64, error) {
	ids, err := s.rdb.ZRevRange(ctx, zDeliverySub+webhookID.String(), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/redis: list deliveries: %w", err)
	}
	models, err := loadEntities[deliveryModel](ctx, s.db, prefixDelivery, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/redis: load deliveries: %w", err)
	}

	var result []*delivery.Delivery
	for _, m := range models {
		if opts.Status != nil && m.Status != string(*opts.Status) {
			continue
		}
		d, err := fromDeliveryModel(m)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, d)
	}

	total := int64(len(result))
	return applyPagination(result, opts.Offset, opts.Limit), total, nil
}

// ListDue merges the due set and the pending set, then re-checks every
// loaded row against f since an index can trail its document.
func (s *Store) ListDue(ctx context.Context, f delivery.DueFilter) ([]*delivery.Delivery, error) {
	retrying, err := s.zRangeByScoreIDs(ctx, zDeliveryDue, math.Inf(-1), scoreFromTime(f.Now))
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: list due deliveries: %w", err)
	}
	pending, err := s.zRangeByScoreIDs(ctx, zDeliveryPending, math.Inf(-1), scoreFromTime(f.StaleBefore))
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: list stale deliveries: %w", err)
	}
	models, err := loadEntities[deliveryModel](ctx, s.db, prefixDelivery, append(retrying, pending...))
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: load deliveries: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(models))
	for _, m := range models {
		d, err := fromDeliveryModel(m)
		if err != nil {
			return nil, err
		}
		if f.Matches(d) {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return delivery.DueAt(result[i]).Before(delivery.DueAt(result[j]))
	})
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *Store) ClaimDue(ctx context.Context, c delivery.Claim) (bool, error) {
	n, err := claimScript.Run(ctx, s.db,
		[]string{entityKey(prefixDelivery, c.ID.String()), zDeliveryDue, zDeliveryPending},
		string(c.Status),
		c.AttemptNumber,
		scoreFromTime(c.Now),
		scoreFromTime(c.StaleBefore),
		scoreFromTime(c.LeaseUntil),
		formatTime(c.Now),
		formatTime(c.LeaseUntil),
	).Int()
	if err != nil {
		return false, fmt.Errorf("webhooks/redis: claim delivery: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeliveryStats(ctx context.Context, ownerID string) (*delivery.Stats, error) {
	key := zDeliveryAll
	if ownerID != "" {
		key = zDeliveryOwner + ownerID
	}
	ids, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: delivery stats: %w", err)
	}
	models, err := loadEntities[deliveryModel](ctx, s.db, prefixDelivery, ids)
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: load deliveries: %w", err)
	}

	stats := &delivery.Stats{ByStatus: make(map[delivery.Status]int64)}
	var totalMs int64
	for _, m := range models {
		st := delivery.Status(m.Status)
		stats.ByStatus[st]++
		if st == delivery.StatusSuccess {
			totalMs += m.DurationMs
		}
	}
	if n := stats.ByStatus[delivery.StatusSuccess]; n > 0 {
		stats.AvgSuccessDurationMs = float64(totalMs) / float64(n)
	}
	return stats, nil
}
