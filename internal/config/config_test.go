package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreRunnable(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3600, cfg.Token.TTLSeconds)
	assert.Equal(t, 60, cfg.Token.ClockSkewSeconds)
	assert.Equal(t, 300, cfg.Token.RenewalThresholdSeconds)
	assert.Equal(t, 0.5, cfg.Breakers.Vault.TripRatio)
	assert.Equal(t, uint32(20), cfg.Breakers.Vault.MinRequests)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, "X-Client-ID", cfg.Compat.ClientIDHeader)
	assert.True(t, cfg.Compat.Enabled)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: "9090"
token:
  ttlSeconds: 900
  clockSkewSeconds: 30
rotation:
  defaultTransitionSeconds: 600
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 900, cfg.Token.TTLSeconds)
	assert.Equal(t, 30, cfg.Token.ClockSkewSeconds)
	assert.Equal(t, 600, cfg.Rotation.DefaultTransitionSeconds)
	// untouched keys keep defaults
	assert.Equal(t, "trustplane-facade", cfg.Token.Issuer)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TRUSTPLANE_VAULT_URL", "https://vault.internal:8200")
	t.Setenv("TRUSTPLANE_REDIS_HOST", "cache.internal")
	t.Setenv("TRUSTPLANE_REDIS_PORT", "6380")
	t.Setenv("TRUSTPLANE_HEADER_AUTH_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://vault.internal:8200", cfg.Vault.URL)
	assert.Equal(t, "cache.internal:6380", cfg.Cache.Addr())
	assert.False(t, cfg.Compat.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.Token.TTLSeconds = 0 }},
		{"negative skew", func(c *Config) { c.Token.ClockSkewSeconds = -1 }},
		{"no vault url", func(c *Config) { c.Vault.URL = "" }},
		{"zero check interval", func(c *Config) { c.Rotation.CheckIntervalSeconds = 0 }},
		{"zero rate limit", func(c *Config) { c.RateLimit.PerMinute = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBurstFloorsAtTwicePerMinute(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.PerMinute = 100
	cfg.RateLimit.Burst = 10
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200, cfg.RateLimit.Burst)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "1h0m0s", cfg.TokenTTL().String())
	assert.Equal(t, "1m0s", cfg.ClockSkew().String())
	assert.Equal(t, "5m0s", cfg.RenewalThreshold().String())
	assert.Equal(t, "5m0s", cfg.Freshness().String())
}
