// Package redis implements store.Store on Redis.
//
// Entities are JSON documents under their own keys. Sorted sets index them
// by owner, subscription and retry time. Subscription counters are changed
// with Lua scripts so the breaker's read-modify-write is atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"

	wstore "github.com/xraph/webhooks/store"
)

// compile-time interface check
var _ wstore.Store = (*Store)(nil)

// Store implements store.Store using Redis. Entity documents go through the
// Grove KV store; sorted sets, pipelines and Lua scripts use the driver.
type Store struct {
	kv  *kv.Store
	db  *redisdriver.RedisDB
	rdb goredis.UniversalClient
}

// New creates a new Redis store on top of a Grove KV store opened with the
// redis driver.
func New(store *kv.Store) *Store {
	db := redisdriver.Unwrap(store)
	return &Store{
		kv:  store,
		db:  db,
		rdb: db.Client(),
	}
}

// KV returns the underlying Grove KV store.
func (s *Store) KV() *kv.Store { return s.kv }

// Migrate is a no-op for Redis (no schema migrations needed).
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.kv.Close()
}

// scoreFromTime converts a time.Time to a sorted set score (unix seconds as float64).
func scoreFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// isRedisNil checks if an error is a Redis nil, which is what a script
// returning false yields.
func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

// isMissing reports whether a KV read found no key.
func isMissing(err error) bool {
	return errors.Is(err, kv.ErrNotFound)
}

// getEntity retrieves and decodes a JSON entity.
func (s *Store) getEntity(ctx context.Context, key string, dest any) error {
	raw, err := s.kv.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// setEntity encodes and stores a JSON entity.
func (s *Store) setEntity(ctx context.Context, key string, value any, opts ...kv.SetOption) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("webhooks/redis: marshal entity: %w", err)
	}
	return s.kv.SetRaw(ctx, key, raw, opts...)
}

// loadEntities fetches the JSON documents of ids in one MGET, skipping keys
// that have vanished since the index was read.
func loadEntities[T any](ctx context.Context, db *redisdriver.RedisDB, prefix string, ids []string) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entityKey(prefix, id)
	}
	vals, err := db.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(vals))
	for _, raw := range vals {
		if raw == nil {
			continue
		}
		m := new(T)
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// zRangeByScoreIDs returns all member IDs from a sorted set within a score range.
func (s *Store) zRangeByScoreIDs(ctx context.Context, key string, lo, hi float64) ([]string, error) {
	minStr := "-inf"
	maxStr := "+inf"
	if !math.IsInf(lo, -1) {
		minStr = strconv.FormatFloat(lo, 'f', -1, 64)
	}
	if !math.IsInf(hi, 1) {
		maxStr = strconv.FormatFloat(hi, 'f', -1, 64)
	}
	return s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: minStr,
		Max: maxStr,
	}).Result()
}

// applyPagination applies offset and limit to a slice.
func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset >= len(items) {
		return []*T{}
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
