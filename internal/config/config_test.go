package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 30*time.Second, cfg.API.Timeout())
	require.Equal(t, 120*time.Second, cfg.Lock.TTL())
	require.Equal(t, 40*time.Second, cfg.Lock.Heartbeat())
	require.Equal(t, time.Second, cfg.Backoff.Base())
	require.Equal(t, 5*time.Minute, cfg.Backoff.Cap())
	require.Equal(t, 500*time.Millisecond, cfg.Backoff.Jitter())
	require.Equal(t, 10, cfg.Backoff.Attempts("device"))
	require.Equal(t, 10, cfg.Breaker.EffectiveThreshold())
	require.Equal(t, 60*time.Second, cfg.Breaker.Cooldown())
	require.Equal(t, time.Second, cfg.Engine.IdleWait())
	require.Equal(t, "0 * * * *", cfg.Retention.EffectiveSchedule())
	require.Equal(t, 1000, cfg.Retention.EffectiveMaxEntries())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
api:
  base_url: "https://api.example.com"
  timeout_seconds: 10
backoff:
  max_attempts: 3
  max_attempts_per_entity_type:
    chat_message: 5
lock:
  ttl_seconds: 60
  heartbeat_seconds: 20
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	require.Equal(t, 10*time.Second, cfg.API.Timeout())
	require.Equal(t, 3, cfg.Backoff.Attempts("device"))
	require.Equal(t, 5, cfg.Backoff.Attempts("chat_message"))
	require.Equal(t, 60*time.Second, cfg.Lock.TTL())
	require.Equal(t, 20*time.Second, cfg.Lock.Heartbeat())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.API.BaseURL = "not a url"
	require.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Lock.TTLSeconds = 30
	cfg.Lock.HeartbeatSeconds = 30
	require.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Backoff.BaseMS = 10_000
	cfg.Backoff.CapMS = 1_000
	require.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Engine.DefaultConflictPolicy = "coin_flip"
	require.Error(t, cfg.Validate())
}
