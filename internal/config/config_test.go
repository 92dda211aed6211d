package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 8, cfg.MaxConcurrentRuns)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 50, cfg.MaxStepsPerRun)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiration)
	assert.Equal(t, 10.0, cfg.RateLimitRPS)
	assert.Equal(t, 30, cfg.RateLimitBurst)
	assert.Equal(t, int64(1024*1024), cfg.MaxRequestBodyBytes)
	assert.Equal(t, "shiki", cfg.ServiceName)
	assert.NotEmpty(t, cfg.DatabaseURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SHIKI_PORT", "9090")
	t.Setenv("SHIKI_MAX_CONCURRENT_RUNS", "2")
	t.Setenv("SHIKI_BREAKER_COOLDOWN", "90s")
	t.Setenv("SHIKI_OPENAI_COST_PER_K_TOKENS", "0.01")
	t.Setenv("DATABASE_URL", "postgres://example/db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2, cfg.MaxConcurrentRuns)
	assert.Equal(t, 90*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 0.01, cfg.OpenAICostPerKToken)
	assert.Equal(t, "postgres://example/db", cfg.DatabaseURL)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SHIKI_PORT", "not-a-number")
	t.Setenv("SHIKI_READ_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DatabaseURL:         "postgres://example/db",
		MaxConcurrentRuns:   8,
		QueueSize:           256,
		MaxStepsPerRun:      50,
		RetryMaxAttempts:    3,
		BreakerThreshold:    5,
		MaxRequestBodyBytes: 1024,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentRuns = 0 }},
		{"zero queue size", func(c *Config) { c.QueueSize = 0 }},
		{"zero step limit", func(c *Config) { c.MaxStepsPerRun = 0 }},
		{"zero retry attempts", func(c *Config) { c.RetryMaxAttempts = 0 }},
		{"zero breaker threshold", func(c *Config) { c.BreakerThreshold = 0 }},
		{"zero body cap", func(c *Config) { c.MaxRequestBodyBytes = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
