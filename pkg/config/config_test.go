package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = strings.Repeat("k", MinSecretLength)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshTTL)
	assert.Equal(t, 5, cfg.RateLimit.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, KeyModeEmail, cfg.RateLimit.KeyMode)
	assert.Equal(t, HashBcrypt, cfg.Password.Algorithm)
	assert.Equal(t, 12, cfg.Password.BcryptCost)
	assert.Equal(t, 3*time.Second, cfg.StoreTimeout)
	assert.False(t, cfg.CSRF.Enabled)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("RATE_LIMIT_KEY_MODE", "EMAIL_IP")
	t.Setenv("RATE_LIMIT_STORE", "memory")
	t.Setenv("SESSION_STORE", "postgres")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("API_PREFIX", "/api/v1/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, KeyModeEmailIP, cfg.RateLimit.KeyMode)
	assert.False(t, cfg.UsesRedis())
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "too-short")
	_, err = Load()
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			JWT:       JWTConfig{Secret: testSecret, AccessTTL: time.Minute, RefreshTTL: time.Hour},
			Password:  PasswordConfig{Algorithm: HashArgon2id},
			RateLimit: RateLimitConfig{MaxAttempts: 5, Window: time.Minute, KeyMode: KeyModeEmail, Store: StoreMemory},
			Session:   SessionConfig{Store: StorePostgres},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"access not shorter than refresh", func(c *Config) { c.JWT.AccessTTL = time.Hour }},
		{"unknown hash", func(c *Config) { c.Password.Algorithm = "md5" }},
		{"zero attempts", func(c *Config) { c.RateLimit.MaxAttempts = 0 }},
		{"unknown key mode", func(c *Config) { c.RateLimit.KeyMode = "ip" }},
		{"postgres limiter", func(c *Config) { c.RateLimit.Store = StorePostgres }},
		{"memory sessions", func(c *Config) { c.Session.Store = StoreMemory }},
		{"csrf without secret", func(c *Config) { c.CSRF.Enabled = true }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, time.Second, parseDuration("", time.Second))
	assert.Equal(t, time.Second, parseDuration("nonsense", time.Second))
	assert.Equal(t, 2*time.Minute, parseDuration("2m", time.Second))
}
