package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Backend.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "websocket", cfg.Push.Transport)
	assert.Equal(t, 256, cfg.Push.RingCapacity)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 50, cfg.History.Limit)
	assert.Equal(t, 2.0, cfg.RateLimit.QueriesPerSecond)
	assert.Equal(t, 2112, cfg.Observability.MetricsPort)
	assert.False(t, cfg.Observability.TracingOn)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  base_url: https://api.example.com
  timeout: 10s
push:
  transport: redis
  redis_addr: redis.internal:6379
history:
  enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "redis", cfg.Push.Transport)
	assert.Equal(t, "redis.internal:6379", cfg.Push.RedisAddr)
	assert.False(t, cfg.History.Enabled)
	// Unset keys keep their defaults.
	assert.Equal(t, 256, cfg.Push.RingCapacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RESEARCHKIT_BACKEND_BASE_URL", "https://env.example.com")
	t.Setenv("RESEARCHKIT_PUSH_TRANSPORT", "redis")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "redis", cfg.Push.Transport)
}

func TestWatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history:\n  limit: 10\n"), 0o644))

	updates := make(chan Config, 4)
	require.NoError(t, Watch(path, func(cfg Config) { updates <- cfg }))

	require.NoError(t, os.WriteFile(path, []byte("history:\n  limit: 99\n"), 0o644))

	// fsnotify may deliver intermediate writes; wait for the final value.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.History.Limit == 99 {
				return
			}
		case <-deadline:
			t.Fatal("config change never observed")
		}
	}
}
