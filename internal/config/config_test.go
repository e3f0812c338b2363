package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 0\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 10, cfg.Preview.SampleSize)
	assert.Equal(t, 100, cfg.Preview.MaxSampleSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadReadsValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: 0.0.0.0
database:
  url: postgres://app@db/community
redis:
  enabled: true
  addr: cache:6379
cors:
  allowed_origins:
    - https://admin.example.org
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://app@db/community", cfg.Database.URL)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"https://admin.example.org"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, "database:\n  url: postgres://file\n")

	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("REDIS_ADDR", "redis-env:6379")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled, "REDIS_ADDR should enable the queue")
	assert.Equal(t, "redis-env:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
