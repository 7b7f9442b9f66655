// Package config loads the trust-plane configuration tree from YAML with
// environment-variable overrides. Every tunable in the runtime — vault
// connectivity, token semantics, cache sizing, rotation cadence, breaker
// thresholds, rate limits — is enumerated here so operators have a single
// document to review.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Vault     VaultConfig     `yaml:"vault"`
	Token     TokenConfig     `yaml:"token"`
	Cache     CacheConfig     `yaml:"cache"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Breakers  BreakersConfig  `yaml:"circuitBreaker"`
	Compat    CompatConfig    `yaml:"backwardCompatibility"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Audit     AuditConfig     `yaml:"audit"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type VaultConfig struct {
	URL              string        `yaml:"url"`
	Account          string        `yaml:"account"`  // auth role / account name
	Identity         string        `yaml:"identity"` // "token", "approle", or "spiffe"
	Token            string        `yaml:"token"`    // static token (dev/test)
	RoleID           string        `yaml:"roleId"`
	SecretID         string        `yaml:"secretId"`
	SpiffeSocket     string        `yaml:"spiffeSocket"`
	Mount            string        `yaml:"mount"`
	ConnectTimeoutMs int           `yaml:"connectTimeoutMs"`
	ReadTimeoutMs    int           `yaml:"readTimeoutMs"`
	Retry            RetryConfig   `yaml:"retry"`
	IdentityRefresh  time.Duration `yaml:"identityRefresh"`
}

type RetryConfig struct {
	Count             int     `yaml:"count"`
	BackoffBaseMs     int     `yaml:"backoffBaseMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

type TokenConfig struct {
	Issuer                  string   `yaml:"issuer"`
	Audience                string   `yaml:"audience"`
	AcceptedIssuers         []string `yaml:"acceptedIssuers"`
	TTLSeconds              int      `yaml:"ttlSeconds"`
	RenewalEnabled          bool     `yaml:"renewalEnabled"`
	RenewalThresholdSeconds int      `yaml:"renewalThresholdSeconds"`
	ClockSkewSeconds        int      `yaml:"clockSkewSeconds"`
}

type CacheConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Password         string `yaml:"password"`
	SSL              bool   `yaml:"ssl"`
	DB               int    `yaml:"db"`
	PoolMin          int    `yaml:"poolMin"`
	PoolMax          int    `yaml:"poolMax"`
	MaxTTLSeconds    int    `yaml:"maxTTLSeconds"`
	FreshnessSeconds int    `yaml:"freshnessSeconds"` // credential metadata freshness window
}

// Addr renders host:port for the Redis client.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RotationConfig struct {
	DefaultTransitionSeconds int `yaml:"defaultTransitionSeconds"`
	CheckIntervalSeconds     int `yaml:"checkIntervalSeconds"`
	WatchdogSeconds          int `yaml:"watchdogSeconds"`
	PromoteHoldSeconds       int `yaml:"promoteHoldSeconds"`
}

// BreakerConfig tunes one named circuit breaker.
type BreakerConfig struct {
	TripRatio      float64       `yaml:"tripRatio"`
	MinRequests    uint32        `yaml:"minRequests"`
	OpenTimeout    time.Duration `yaml:"openTimeout"`
	HalfOpenProbes uint32        `yaml:"halfOpenProbes"`
}

type BreakersConfig struct {
	Vault      BreakerConfig `yaml:"vault"`
	Downstream BreakerConfig `yaml:"downstream"`
}

type CompatConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ClientIDHeader     string `yaml:"clientIdHeader"`
	ClientSecretHeader string `yaml:"clientSecretHeader"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
	Burst     int `yaml:"burst"`
}

type AuditConfig struct {
	DatabaseURL   string `yaml:"databaseUrl"`
	PubSubProject string `yaml:"pubsubProject"`
	PubSubTopic   string `yaml:"pubsubTopic"`
	StreamEnabled bool   `yaml:"streamEnabled"` // SSE /events/stream
}

type UpstreamConfig struct {
	ProcessorURL string `yaml:"processorUrl"` // downstream processing service
	FacadeURL    string `yaml:"facadeUrl"`    // renewal endpoint seen from the processor
}

// Default returns the full configuration with every documented default
// applied. Loading a file or the environment overrides on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "dev"},
		Vault: VaultConfig{
			URL:              "https://127.0.0.1:8200",
			Identity:         "token",
			Mount:            "secret",
			ConnectTimeoutMs: 3000,
			ReadTimeoutMs:    5000,
			Retry:            RetryConfig{Count: 3, BackoffBaseMs: 100, BackoffMultiplier: 1.5},
			IdentityRefresh:  5 * time.Minute,
		},
		Token: TokenConfig{
			Issuer:                  "trustplane-facade",
			Audience:                "payment-processor",
			AcceptedIssuers:         []string{"trustplane-facade"},
			TTLSeconds:              3600,
			RenewalEnabled:          true,
			RenewalThresholdSeconds: 300,
			ClockSkewSeconds:        60,
		},
		Cache: CacheConfig{
			Host:             "127.0.0.1",
			Port:             6379,
			PoolMin:          2,
			PoolMax:          20,
			MaxTTLSeconds:    3600,
			FreshnessSeconds: 300,
		},
		Rotation: RotationConfig{
			DefaultTransitionSeconds: 3600,
			CheckIntervalSeconds:     300,
			WatchdogSeconds:          86400,
			PromoteHoldSeconds:       0,
		},
		Breakers: BreakersConfig{
			Vault:      BreakerConfig{TripRatio: 0.5, MinRequests: 20, OpenTimeout: 30 * time.Second, HalfOpenProbes: 3},
			Downstream: BreakerConfig{TripRatio: 0.5, MinRequests: 20, OpenTimeout: 30 * time.Second, HalfOpenProbes: 3},
		},
		Compat: CompatConfig{
			Enabled:            true,
			ClientIDHeader:     "X-Client-ID",
			ClientSecretHeader: "X-Client-Secret",
		},
		RateLimit: RateLimitConfig{PerMinute: 60, Burst: 120},
		Audit:     AuditConfig{StreamEnabled: true},
		Upstream: UpstreamConfig{
			ProcessorURL: "http://127.0.0.1:8081",
			FacadeURL:    "http://127.0.0.1:8080",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error — containers often
// configure entirely through the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select keys from TRUSTPLANE_* environment variables.
// Only connection material and ports are overridable this way; semantic
// tuning stays in the file where it can be reviewed.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr(&c.Server.Port, "PORT")
	setStr(&c.Vault.URL, "TRUSTPLANE_VAULT_URL")
	setStr(&c.Vault.Token, "TRUSTPLANE_VAULT_TOKEN")
	setStr(&c.Vault.Identity, "TRUSTPLANE_VAULT_IDENTITY")
	setStr(&c.Vault.RoleID, "TRUSTPLANE_VAULT_ROLE_ID")
	setStr(&c.Vault.SecretID, "TRUSTPLANE_VAULT_SECRET_ID")
	setStr(&c.Cache.Host, "TRUSTPLANE_REDIS_HOST")
	setInt(&c.Cache.Port, "TRUSTPLANE_REDIS_PORT")
	setStr(&c.Cache.Password, "TRUSTPLANE_REDIS_PASSWORD")
	setStr(&c.Audit.DatabaseURL, "TRUSTPLANE_DATABASE_URL")
	setStr(&c.Audit.PubSubProject, "TRUSTPLANE_PUBSUB_PROJECT")
	setStr(&c.Audit.PubSubTopic, "TRUSTPLANE_PUBSUB_TOPIC")
	setStr(&c.Upstream.ProcessorURL, "TRUSTPLANE_PROCESSOR_URL")
	setStr(&c.Upstream.FacadeURL, "TRUSTPLANE_FACADE_URL")
	setBool(&c.Compat.Enabled, "TRUSTPLANE_HEADER_AUTH_ENABLED")
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Vault.URL == "" {
		return fmt.Errorf("config: vault.url is required")
	}
	if c.Token.TTLSeconds <= 0 {
		return fmt.Errorf("config: token.ttlSeconds must be positive, got %d", c.Token.TTLSeconds)
	}
	if c.Token.ClockSkewSeconds < 0 {
		return fmt.Errorf("config: token.clockSkewSeconds must not be negative")
	}
	if c.Rotation.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("config: rotation.checkIntervalSeconds must be positive")
	}
	if c.Rotation.WatchdogSeconds <= 0 {
		return fmt.Errorf("config: rotation.watchdogSeconds must be positive")
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("config: rateLimit.perMinute must be positive")
	}
	if c.RateLimit.Burst < c.RateLimit.PerMinute {
		c.RateLimit.Burst = c.RateLimit.PerMinute * 2
	}
	if c.Cache.MaxTTLSeconds <= 0 {
		return fmt.Errorf("config: cache.maxTTLSeconds must be positive")
	}
	return nil
}

// TokenTTL returns the configured token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Token.TTLSeconds) * time.Second
}

// ClockSkew returns the configured symmetric skew tolerance.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Token.ClockSkewSeconds) * time.Second
}

// RenewalThreshold returns the near-expiry window that triggers renewal.
func (c *Config) RenewalThreshold() time.Duration {
	return time.Duration(c.Token.RenewalThresholdSeconds) * time.Second
}

// Freshness returns how long cached credential metadata may serve reads while
// vault is unreachable.
func (c *Config) Freshness() time.Duration {
	return time.Duration(c.Cache.FreshnessSeconds) * time.Second
}
