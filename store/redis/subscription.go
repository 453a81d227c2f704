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
	"github.com/xraph/grove/kv/drivers/redisdriver"

	"github.com/xraph/webhooks/internal/entity"
	"github.com/xraph/webhooks/subscription"
)

// subscriptionModel is the JSON representation stored in Redis. The Lua
// scripts below read and write the same field names.
type subscriptionModel struct {
	ID                  string            `json:"id"`
	OwnerID             string            `json:"owner_id"`
	Name                string            `json:"name"`
	URL                 string            `json:"url"`
	Secret              string            `json:"secret"`
	Events              []string          `json:"events"`
	Headers             map[string]string `json:"headers,omitempty"`
	Status              string            `json:"status"`
	IsActive            bool              `json:"is_active"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	MaxFailures         int               `json:"max_failures"`
	LastTriggeredAt     *time.Time        `json:"last_triggered_at,omitempty"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	LastFailureReason   string            `json:"last_failure_reason"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
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

// updateConfigScript merges configuration fields into a stored subscription
// and returns the document as it was before the merge.
// KEYS[1] = subscription key
// ARGV[1] = JSON object of fields to set
var updateConfigScript = redisdriver.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return false end
local sub = cjson.decode(raw)
local patch = cjson.decode(ARGV[1])
for k, v in pairs(patch) do sub[k] = v end
if patch['headers'] == nil then sub['headers'] = nil end
redis.call('SET', KEYS[1], cjson.encode(sub))
return raw
`)

// setStatusScript moves a subscription to a new status if its current status
// is one of the allowed sources. It returns an empty string when it is not.
// KEYS[1] = subscription key
// ARGV[1] = status, ARGV[2] = "1" to reset failures, ARGV[3] = timestamp,
// ARGV[4] = JSON array of allowed source statuses
var setStatusScript = redisdriver.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return false end
local sub = cjson.decode(raw)
local allowed = false
for _, st in ipairs(cjson.decode(ARGV[4])) do
    if st == sub['status'] then allowed = true end
end
if not allowed then return '' end
sub['status'] = ARGV[1]
sub['is_active'] = (ARGV[1] == 'active')
if ARGV[2] == '1' then sub['consecutive_failures'] = 0 end
sub['updated_at'] = ARGV[3]
local out = cjson.encode(sub)
redis.call('SET', KEYS[1], out)
return out
`)

// recordSuccessScript resets the failure counter.
// KEYS[1] = subscription key
// ARGV[1] = timestamp
var recordSuccessScript = redisdriver.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return false end
local sub = cjson.decode(raw)
sub['consecutive_failures'] = 0
sub['last_success_at'] = ARGV[1]
sub['last_triggered_at'] = ARGV[1]
sub['last_failure_reason'] = ''
sub['updated_at'] = ARGV[1]
local out = cjson.encode(sub)
redis.call('SET', KEYS[1], out)
return out
`)

// recordFailureScript increments the failure counter and disables an active
// subscription that reaches its threshold. It returns the document as it was
// before the write; Subscription.ApplyFailure replays the same rule.
// KEYS[1] = subscription key
// ARGV[1] = timestamp, ARGV[2] = reason
var recordFailureScript = redisdriver.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return false end
local sub = cjson.decode(raw)
local failures = (tonumber(sub['consecutive_failures']) or 0) + 1
sub['consecutive_failures'] = failures
sub['last_failure_at'] = ARGV[1]
sub['last_triggered_at'] = ARGV[1]
sub['last_failure_reason'] = ARGV[2]
sub['updated_at'] = ARGV[1]
if sub['status'] == 'active' and failures >= tonumber(sub['max_failures']) then
    sub['status'] = 'disabled'
    sub['is_active'] = false
end
redis.call('SET', KEYS[1], cjson.encode(sub))
return raw
`)

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	if err := s.setEntity(ctx, entityKey(prefixSubscription, m.ID), m); err != nil {
		return fmt.Errorf("webhooks/redis: create subscription: %w", err)
	}

	z := goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID}
	pipe := s.db.Pipeline()
	pipe.ZAdd(ctx, zSubscriptionAll, z)
	pipe.ZAdd(ctx, zSubscriptionOwner+m.OwnerID, z)
	for _, ev := range m.Events {
		pipe.SAdd(ctx, eventSetKey(m.OwnerID, ev), m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/redis: create subscription indexes: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID uuid.UUID) (*subscription.Subscription, error) {
	var m subscriptionModel
	if err := s.getEntity(ctx, entityKey(prefixSubscription, subID.String()), &m); err != nil {
		if isMissing(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("webhooks/redis: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	patch := map[string]any{
		"name":         sub.Name,
		"url":          sub.URL,
		"secret":       sub.Secret,
		"events":       sub.Events,
		"max_failures": sub.MaxFailures,
		"updated_at":   sub.UpdatedAt,
	}
	if len(sub.Headers) > 0 {
		patch["headers"] = sub.Headers
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("webhooks/redis: marshal update: %w", err)
	}

	prev, err := updateConfigScript.Run(ctx, s.db,
		[]string{entityKey(prefixSubscription, sub.ID.String())}, string(raw)).Text()
	if err != nil {
		if isRedisNil(err) {
			return subscription.ErrNotFound
		}
		return fmt.Errorf("webhooks/redis: update subscription: %w", err)
	}

	var old subscriptionModel
	if err := json.Unmarshal([]byte(prev), &old); err != nil {
		return fmt.Errorf("webhooks/redis: decode previous subscription: %w", err)
	}

	id := sub.ID.String()
	pipe := s.db.Pipeline()
	for _, ev := range old.Events {
		pipe.SRem(ctx, eventSetKey(old.OwnerID, ev), id)
	}
	for _, ev := range sub.Events {
		pipe.SAdd(ctx, eventSetKey(old.OwnerID, ev), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("webhooks/redis: update event indexes: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, subID uuid.UUID, from []subscription.Status, status subscription.Status, resetFailures bool, at time.Time) (*subscription.Subscription, error) {
	reset := "0"
	if resetFailures {
		reset = "1"
	}
	sources, err := json.Marshal(subscription.StatusStrings(from))
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: encode statuses: %w", err)
	}
	raw, err := s.runScript(ctx, setStatusScript, subID, string(status), reset, formatTime(at), string(sources))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, subscription.ErrInvalidTransition
	}
	return decodeSubscription(raw)
}

func (s *Store) ListSubscriptions(ctx context.Context, ownerID string, opts subscription.ListOpts) ([]*subscription.Subscription, int64, error) {
	ids, err := s.zRangeByScoreIDs(ctx, zSubscriptionOwner+ownerID, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/redis: list subscriptions: %w", err)
	}
	models, err := loadEntities[subscriptionModel](ctx, s.db, prefixSubscription, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks/redis: load subscriptions: %w", err)
	}

	var result []*subscription.Subscription
	for _, m := range models {
		if opts.Status != nil {
			if m.Status != string(*opts.Status) {
				continue
			}
		} else if m.Status == string(subscription.StatusDeleted) {
			continue
		}
		sub, err := fromSubscriptionModel(m)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, sub)
	}

	total := int64(len(result))
	return applyPagination(result, opts.Offset, opts.Limit), total, nil
}

func (s *Store) ListDeliverable(ctx context.Context, ownerID, eventType string) ([]*subscription.Subscription, error) {
	ids, err := s.rdb.SMembers(ctx, eventSetKey(ownerID, eventType)).Result()
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: resolve subscriptions: %w", err)
	}
	models, err := loadEntities[subscriptionModel](ctx, s.db, prefixSubscription, ids)
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: load subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, 0, len(models))
	for _, m := range models {
		if m.OwnerID != ownerID || !m.IsActive || m.Status != string(subscription.StatusActive) {
			continue
		}
		sub, err := fromSubscriptionModel(m)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) RecordSuccess(ctx context.Context, subID uuid.UUID, at time.Time) (*subscription.Subscription, error) {
	raw, err := s.runScript(ctx, recordSuccessScript, subID, formatTime(at))
	if err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func (s *Store) RecordFailure(ctx context.Context, subID uuid.UUID, reason string, at time.Time) (*subscription.Subscription, bool, error) {
	raw, err := s.runScript(ctx, recordFailureScript, subID, formatTime(at), reason)
	if err != nil {
		return nil, false, err
	}
	sub, err := decodeSubscription(raw)
	if err != nil {
		return nil, false, err
	}
	tripped := sub.ApplyFailure(reason, at)
	return sub, tripped, nil
}

func (s *Store) CountByStatus(ctx context.Context, ownerID string) (map[subscription.Status]int64, error) {
	key := zSubscriptionAll
	if ownerID != "" {
		key = zSubscriptionOwner + ownerID
	}
	ids, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: count subscriptions: %w", err)
	}
	models, err := loadEntities[subscriptionModel](ctx, s.db, prefixSubscription, ids)
	if err != nil {
		return nil, fmt.Errorf("webhooks/redis: load subscriptions: %w", err)
	}

	counts := make(map[subscription.Status]int64)
	for _, m := range models {
		counts[subscription.Status(m.Status)]++
	}
	return counts, nil
}

// runScript runs a subscription script and returns the document it replied
// with. A script returning false means the key is missing.
func (s *Store) runScript(ctx context.Context, script *redisdriver.Script, subID uuid.UUID, args ...any) (string, error) {
	raw, err := script.Run(ctx, s.db, []string{entityKey(prefixSubscription, subID.String())}, args...).Text()
	if err != nil {
		if isRedisNil(err) {
			return "", subscription.ErrNotFound
		}
		return "", fmt.Errorf("webhooks/redis: update subscription: %w", err)
	}
	return raw, nil
}

func decodeSubscription(raw string) (*subscription.Subscription, error) {
	var m subscriptionModel
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("webhooks/redis: decode subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
