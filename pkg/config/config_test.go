package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Registry.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Registry.WaitTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Registry.StaleAfter)
	assert.Equal(t, 30*time.Second, cfg.Push.Tick)
	assert.Equal(t, 0.10, cfg.Push.SurgeThreshold)
	assert.Equal(t, 730, cfg.Snapshot.RetentionDays)
	assert.Equal(t, DriverBolt, cfg.Storage.Driver)

	offset, err := cfg.Snapshot.RunAtOffset()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, offset)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
registry:
  capacity: 250
  wait_timeout: 2s
push:
  tick: 15s
  surge_threshold: 0.25
snapshot:
  run_at: "03:30"
  backoff_base: 1m
  backoff_max: 10m
storage:
  driver: postgres
  postgres_dsn: postgres://pulse@localhost/pulse
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 250, cfg.Registry.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Registry.WaitTimeout)
	assert.Equal(t, 15*time.Second, cfg.Push.Tick)
	assert.Equal(t, 0.25, cfg.Push.SurgeThreshold)
	assert.Equal(t, time.Minute, cfg.Snapshot.BackoffBase)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)

	// Unset keys keep their defaults
	assert.Equal(t, 30*time.Minute, cfg.Registry.StaleAfter)

	offset, err := cfg.Snapshot.RunAtOffset()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour+30*time.Minute, offset)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "registry:\n  capacity: 10\n")
	t.Setenv("PULSE_CAPACITY", "42")
	t.Setenv("PULSE_JWT_SECRET", "s3cret")
	t.Setenv("PULSE_ADMISSION_TIMEOUT", "750ms")
	t.Setenv("PULSE_LOG_JSON", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Registry.Capacity)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 750*time.Millisecond, cfg.Registry.WaitTimeout)
	assert.True(t, cfg.Log.JSON)
}

func TestDatabaseURLFallback(t *testing.T) {
	t.Setenv("PULSE_STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://app@db/app")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://app@db/app", cfg.Storage.PostgresDSN)
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("PULSE_CAPACITY", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "PULSE_CAPACITY")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero capacity", func(c *Config) { c.Registry.Capacity = 0 }, "registry.capacity"},
		{"bad run_at", func(c *Config) { c.Snapshot.RunAt = "2am" }, "snapshot.run_at"},
		{"inverted backoff", func(c *Config) { c.Snapshot.BackoffMax = time.Second }, "backoff_max"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "unknown storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "postgres_dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
