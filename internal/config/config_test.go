package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Len(t, cfg.Media.Variants, 3)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Retry.MaxAttempts)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
worker:
  worker_count: 3
  job_timeout: 45s
retry:
  max_attempts: 5
  base_delay: 2s
  max_delay: 1m
  jitter: 0.5
delivery:
  stale_key_min_age: 10m
keys:
  - key_id: https://local.example/users/alice#main-key
    private_key_file: /etc/fedqueue/alice.pem
scheduler:
  outboxes:
    - https://remote.example/users/bob/outbox
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Worker.WorkerCount)
	assert.Equal(t, 45*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 0.5, cfg.Retry.Jitter)
	assert.Equal(t, 10*time.Minute, cfg.Delivery.StaleKeyMinAge)
	require.Len(t, cfg.Keys, 1)
	assert.Equal(t, "/etc/fedqueue/alice.pem", cfg.Keys[0].PrivateKeyFile)
	assert.Equal(t, []string{"https://remote.example/users/bob/outbox"}, cfg.Scheduler.Outboxes)

	// 未設定的欄位保留預設值
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Resolver.TTL)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "worker:\n  worker_count: 3\n")

	t.Setenv("FEDQUEUE_WORKER_COUNT", "12")
	t.Setenv("FEDQUEUE_QUEUE_DRIVER", "redis")
	t.Setenv("FEDQUEUE_QUEUE_REDIS_ADDR", "redis:6380")
	t.Setenv("FEDQUEUE_RETRY_BASE_DELAY", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Worker.WorkerCount)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, "redis:6380", cfg.Queue.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Retry.BaseDelay)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "worker: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown queue", func(c *Config) { c.Queue.Driver = "kafka" }},
		{"lmstfy without host", func(c *Config) { c.Queue.Driver = "lmstfy" }},
		{"zero workers", func(c *Config) { c.Worker.WorkerCount = 0 }},
		{"job timeout equals lease", func(c *Config) { c.Worker.JobTimeout = c.Queue.VisibilityTimeout }},
		{"job timeout above lease", func(c *Config) {
			c.Queue.VisibilityTimeout = time.Minute
			c.Worker.JobTimeout = 2 * time.Minute
		}},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"cap below base", func(c *Config) { c.Retry.MaxDelay = time.Second }},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }},
		{"two variants", func(c *Config) { c.Media.Variants = c.Media.Variants[:2] }},
		{"minio without endpoint", func(c *Config) { c.Blob.Driver = "minio" }},
		{"postgres without dsn", func(c *Config) { c.DeadLetter.Driver = "postgres" }},
		{"unknown notify", func(c *Config) { c.Notify.Driver = "smtp" }},
		{"key without file", func(c *Config) { c.Keys = []KeyConfig{{KeyID: "k"}} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateJobTimeoutBelowLease(t *testing.T) {
	cfg := Defaults()
	cfg.Queue.VisibilityTimeout = time.Minute
	cfg.Worker.JobTimeout = 59 * time.Second
	require.NoError(t, cfg.Validate())

	cfg.Worker.JobTimeout = time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.visibility_timeout")
}
