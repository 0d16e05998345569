package config

import (
	"log/slog"
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

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "pi", cfg.Store.KeyPrefix)
	assert.Equal(t, 10*time.Second, cfg.Lease.Duration)
	assert.Equal(t, time.Second, cfg.Lease.ReclaimInterval)
	assert.Equal(t, 100, cfg.Lease.ReclaimBatch)
	assert.Equal(t, ":8099", cfg.HTTP.Addr)
	assert.Equal(t, ":50051", cfg.GRPC.Addr)
	assert.Equal(t, 50, cfg.Notifier.History)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: redis
  redis_url: redis://cache:6379/1
lease:
  duration: 30s
http:
  root_path: /os
metrics:
  enabled: true
  port: 9191
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis://cache:6379/1", cfg.Store.RedisURL)
	assert.Equal(t, 30*time.Second, cfg.Lease.Duration)
	assert.Equal(t, "/os", cfg.HTTP.RootPath)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)

	// 檔案沒寫的欄位保留預設值
	assert.Equal(t, time.Second, cfg.Lease.ReclaimInterval)
	assert.Equal(t, ":8099", cfg.HTTP.Addr)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: redis
  redis_url: redis://file:6379/0
`)
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("LEASE_DURATION", "5s")
	t.Setenv("ROOT_PATH", "/pi")
	t.Setenv("WORKER_COUNT", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://env:6379/0", cfg.Store.RedisURL)
	assert.Equal(t, 5*time.Second, cfg.Lease.Duration)
	assert.Equal(t, "/pi", cfg.HTTP.RootPath)
	assert.Equal(t, 3, cfg.Worker.Count)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "store: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config YAML")

	t.Setenv("RECLAIM_BATCH", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "failed to parse environment")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, "unknown store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "postgres_dsn"},
		{"short lease", func(c *Config) { c.Lease.Duration = 500 * time.Millisecond }, "lease.duration"},
		{"zero batch", func(c *Config) { c.Lease.ReclaimBatch = 0 }, "reclaim_batch"},
		{"negative workers", func(c *Config) { c.Worker.Count = -1 }, "worker.count"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestDefaultConfigFileLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Store.SnapshotInterval)
}
