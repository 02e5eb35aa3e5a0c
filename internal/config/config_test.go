package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
stream:
  ping_interval_ms: 10000
  max_reconnect_attempts: 3
rate_limit:
  capacity: 600
redis:
  addr: "redis:6379"
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Stream.PingInterval())
	assert.Equal(t, 3, cfg.Stream.MaxReconnectAttempts)
	assert.Equal(t, 600, cfg.RateLimit.Capacity)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	// Untouched sections keep their defaults.
	assert.Equal(t, "https://fapi.binance.com", cfg.Rest.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Rest.Timeout())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
