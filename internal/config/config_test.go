package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir runs the test from an empty directory so no config.yaml or .env is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "tasks:new", cfg.UpstreamChannel)
	assert.Equal(t, "verify:backlog", cfg.BacklogStream)
	assert.Equal(t, "verify:deadletter", cfg.DeadLetterStream)
	assert.Equal(t, 2*time.Second, cfg.DispatchInterval)
	assert.Equal(t, 5*time.Second, cfg.TimeoutCheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 15*time.Minute, cfg.ClaimTTL)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100, cfg.MaxVerifiers)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatTTL)
	assert.True(t, cfg.EnforceCapacity)
	assert.True(t, cfg.Enabled)
	assert.Empty(t, cfg.EtcdEndpoints)
}

func TestLoadEnvOverrides(t *testing.T) {
	inTempDir(t)
	t.Setenv("BATCH_SIZE", "7")
	t.Setenv("VISIBILITY_TIMEOUT", "90s")
	t.Setenv("ENABLED", "false")
	t.Setenv("ENFORCE_CAPACITY", "false")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.VisibilityTimeout)
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.EnforceCapacity)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
}

func TestLoadConfigFile(t *testing.T) {
	dir := inTempDir(t)
	yaml := "max_retries: 5\nkey_prefix: staging\nheartbeat_ttl: 20s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "staging", cfg.KeyPrefix)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatTTL)
}

func TestLoadDotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MAX_VERIFIERS=12\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("MAX_VERIFIERS") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxVerifiers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "zero batch", env: map[string]string{"BATCH_SIZE": "0"}},
		{name: "negative retries", env: map[string]string{"MAX_RETRIES": "-1"}},
		{name: "claim shorter than visibility", env: map[string]string{"CLAIM_TTL": "1m", "VISIBILITY_TIMEOUT": "5m"}},
		{name: "heartbeat slower than ttl", env: map[string]string{"HEARTBEAT_INTERVAL": "30s", "HEARTBEAT_TTL": "10s"}},
		{name: "unparsable duration", env: map[string]string{"VISIBILITY_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inTempDir(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
