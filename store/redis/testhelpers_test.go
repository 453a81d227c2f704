//go:build integration

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"
	testcontainersredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/webhooks/store/redis"
)

// setupStore starts a Redis container and returns a store connected to it.
func setupStore(t *testing.T, ctx context.Context) *redis.Store {
	t.Helper()

	container, err := testcontainersredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx)
	require.NoError(t, err, "failed to get Redis connection string")

	drv := redisdriver.New()
	require.NoError(t, drv.Open(ctx, dsn))
	kvStore, err := kv.Open(drv)
	require.NoError(t, err)

	store := redis.New(kvStore)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Ping(ctx))
	return store
}
