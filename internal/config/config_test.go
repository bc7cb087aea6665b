package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MESHY_API_KEY", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Jobs.MaxTransientFailures)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeYAML(t, `
addr: ":9000"
store:
  driver: redis
  redis:
    addr: "redis:6379"
jobs:
  poll_initial_delay: 500ms
  poll_max_delay: 10s
  max_transient_failures: 7
provider:
  requests_per_second: 5
`)
	t.Setenv("MESHFORGE_ADDR", ":9100")
	t.Setenv("MESHFORGE_MAX_TRANSIENT_FAILURES", "9")
	t.Setenv("MESHFORGE_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("MESHY_API_KEY", "msy-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Jobs.PollInitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Jobs.PollMaxDelay)
	assert.Equal(t, 9, cfg.Jobs.MaxTransientFailures)
	assert.Equal(t, 5.0, cfg.Provider.RequestsPerSecond)
	assert.Equal(t, "msy-key", cfg.Provider.APIKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.Jobs.SubmitAttempts, "untouched fields keep defaults")
}

func TestPrefixedAPIKeyWins(t *testing.T) {
	t.Setenv("MESHY_API_KEY", "legacy")
	t.Setenv("MESHFORGE_PROVIDER_API_KEY", "preferred")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "preferred", cfg.Provider.APIKey)
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	path := writeYAML(t, "jobs:\n  poll_delay: 1s\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_delay")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadReportsBadEnv(t *testing.T) {
	t.Setenv("MESHFORGE_POLL_TIMEOUT", "soon")
	t.Setenv("MESHFORGE_REDIS_DB", "zero")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MESHFORGE_POLL_TIMEOUT")
	assert.Contains(t, err.Error(), "MESHFORGE_REDIS_DB")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "driver", mutate: func(c *Config) { c.Store.Driver = "postgres" }, want: "store.driver"},
		{name: "redis addr", mutate: func(c *Config) { c.Store.Driver = "redis"; c.Store.Redis.Addr = "" }, want: "store.redis.addr"},
		{name: "max delay", mutate: func(c *Config) { c.Jobs.PollMaxDelay = time.Millisecond }, want: "poll_max_delay"},
		{name: "multiplier", mutate: func(c *Config) { c.Jobs.PollMultiplier = 0.5 }, want: "poll_multiplier"},
		{name: "ceiling", mutate: func(c *Config) { c.Jobs.MaxTransientFailures = 0 }, want: "max_transient_failures"},
		{name: "fetches", mutate: func(c *Config) { c.Jobs.MaxConcurrentFetches = 0 }, want: "max_concurrent_fetches"},
		{name: "sample rate", mutate: func(c *Config) { c.Telemetry.SampleRate = 2 }, want: "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Defaults().Validate())
}
