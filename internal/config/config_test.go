package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, "db", cfg.Auth.BlacklistBackend)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.False(t, cfg.TrustProxyHeaders)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "planner.yaml")
	data := []byte(`
server_port: "9090"
database:
  driver: postgres
  dsn: host=db user=planner dbname=planner
auth:
  access_token_ttl: 10m
rate_limit:
  enabled: true
  backend: redis
  user_rate: 50/minute
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("TRUST_PROXY_HEADERS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db user=planner dbname=planner", cfg.Database.DSN)
	assert.Equal(t, 10*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, "50/minute", cfg.RateLimit.UserRate)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.True(t, cfg.TrustProxyHeaders)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SERVER_PORT=6060\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SERVER_PORT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "6060", cfg.ServerPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown exporter", func(c *Config) { c.Exporter = "jaeger" }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"unknown blacklist backend", func(c *Config) { c.Auth.BlacklistBackend = "memcached" }},
		{"unknown rate limit backend", func(c *Config) { c.RateLimit.Backend = "file" }},
		{"zero access ttl", func(c *Config) { c.Auth.AccessTokenTTL = 0 }},
		{"default secret in production", func(c *Config) { c.Environment = "production" }},
		{"bad time zone", func(c *Config) { c.TimeZone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoad_InvalidDuration(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ACCESS_TOKEN_TTL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}
