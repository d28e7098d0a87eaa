package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "sqlite:///tmp/creditd.db", cfg.Database.URL)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "clamp_zero", cfg.Ledger.OverdraftPolicy)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.IdempotencyTTL())
	assert.Equal(t, 16*24*time.Hour, cfg.Ledger.GraceWindow())
	assert.Equal(t, time.Hour, cfg.Ledger.SweepInterval())
	assert.Equal(t, 30*24*time.Hour, cfg.Abuse.Window())
	assert.Equal(t, 3, cfg.Abuse.Threshold)
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  host: 127.0.0.1
  port: 9090
  mode: debug
database:
  url: postgres://creditd:secret@db:5432/creditd
redis:
  host: cache.internal
  password: hunter2
auth:
  secret: service-token-secret
ledger:
  overdraft_policy: allow_negative
  initial_grant: 10
  idempotency_ttl_hours: 48
pricing:
  catalog:
    video_generation: 10
    video_upscale: 4
abuse:
  window_days: 7
  threshold: 2
cors:
  allowed_origins:
    - https://app.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "postgres://creditd:secret@db:5432/creditd", cfg.Database.URL)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr(), "redis port defaults when host is set")
	assert.Equal(t, "service-token-secret", cfg.Auth.Secret)
	assert.Equal(t, "allow_negative", cfg.Ledger.OverdraftPolicy)
	assert.Equal(t, int64(10), cfg.Ledger.InitialGrant)
	assert.Equal(t, 48*time.Hour, cfg.Ledger.IdempotencyTTL())
	assert.Equal(t, int64(4), cfg.Pricing.Catalog["video_upscale"])
	assert.Equal(t, 7*24*time.Hour, cfg.Abuse.Window())
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  url: sqlite:///tmp/from-file.db
`)
	t.Setenv("DATABASE_URL", "postgres://creditd@db:5432/creditd")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://creditd@db:5432/creditd", cfg.Database.URL)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsUnknownOverdraftPolicy(t *testing.T) {
	path := writeConfigFile(t, `
ledger:
  overdraft_policy: bounce
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "overdraft policy")
}

func TestLoad_RejectsNonPositiveCatalogCost(t *testing.T) {
	path := writeConfigFile(t, `
pricing:
  catalog:
    video_generation: 0
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "positive cost")
}

func TestLoad_RejectsNegativeInitialGrant(t *testing.T) {
	path := writeConfigFile(t, `
ledger:
  initial_grant: -5
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "initial grant")
}
