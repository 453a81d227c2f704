package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/webhooks/config"
	"github.com/xraph/webhooks/delivery"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Empty(t, cfg.Store.DSN)
	assert.False(t, cfg.Sweeper.Lock, "locking needs redis")

	eng := cfg.Engine()
	assert.Equal(t, 30*time.Second, eng.RequestTimeout)
	assert.Equal(t, 3, eng.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}, eng.RetrySchedule)
	assert.Equal(t, delivery.GoneIsFailure, eng.GonePolicy)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webhooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: redis
  dsn: redis://cache:6379/1
delivery:
  max_attempts: 5
  retry_schedule: [10s, 20s]
  gone_policy: revoke
log:
  level: debug
`), 0o600))

	t.Setenv("WEBHOOKS_DELIVERY_MAX_ATTEMPTS", "7")
	t.Setenv("WEBHOOKS_SERVER_ADDR", ":9090")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis://cache:6379/1", cfg.Store.DSN)
	assert.True(t, cfg.Sweeper.Lock)

	eng := cfg.Engine()
	assert.Equal(t, 7, eng.MaxAttempts, "environment wins over file")
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, eng.RetrySchedule)
	assert.Equal(t, delivery.GoneRevokes, eng.GonePolicy)

	lvl, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"WEBHOOKS_STORE_DRIVER": "cassandra"}},
		{"unknown gone policy", map[string]string{"WEBHOOKS_DELIVERY_GONE_POLICY": "ignore"}},
		{"unknown log level", map[string]string{"WEBHOOKS_LOG_LEVEL": "loud"}},
		{"zero concurrency", map[string]string{"WEBHOOKS_DELIVERY_CONCURRENCY": "0"}},
		{"zero max attempts", map[string]string{"WEBHOOKS_DELIVERY_MAX_ATTEMPTS": "0"}},
		{"negative batch limit", map[string]string{"WEBHOOKS_DELIVERY_SWEEP_BATCH_LIMIT": "-1"}},
		{"zero request timeout", map[string]string{"WEBHOOKS_DELIVERY_REQUEST_TIMEOUT": "0s"}},
		{"zero max failures", map[string]string{"WEBHOOKS_DELIVERY_MAX_FAILURES": "0"}},
		{"postgres without dsn", map[string]string{"WEBHOOKS_STORE_DRIVER": "postgres"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadDriverDefaultDSN(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WEBHOOKS_STORE_DRIVER", "redis")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.DSN)
	assert.True(t, cfg.Sweeper.Lock)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
