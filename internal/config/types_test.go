package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Weather.APIKey = testAPIKey
	cfg.Weather.Location = testLocation
	return cfg
}

func TestMinimumTTLPerTier(t *testing.T) {
	cases := map[string]int{
		"developer": 173,
		"drizzle":   18,
		"shower":    1,
		"downpour":  1,
	}
	for tier, want := range cases {
		quota, ok := DailyQuota(tier)
		require.True(t, ok, tier)
		require.Equal(t, want, MinimumTTL(quota), tier)
	}
	_, ok := DailyQuota("hail")
	require.False(t, ok)
	require.Zero(t, MinimumTTL(0))
}

func TestValidateKeepsTTLAboveFloor(t *testing.T) {
	cfg := validConfig()
	cfg.Weather.TTLSeconds = 600
	require.NoError(t, cfg.Validate())
	require.Equal(t, 600, cfg.Weather.TTLSeconds)
	require.Empty(t, cfg.Warnings)
	require.Equal(t, 10*time.Minute, cfg.Weather.TTL())
}

func TestValidateRaisesRedisRetentionToTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Weather.TTLSeconds = 7200
	cfg.Cache.Backend = "redis"
	cfg.Cache.Redis.Address = "127.0.0.1:6379"
	cfg.Cache.Redis.Retention = "30m"

	require.NoError(t, cfg.Validate())
	require.Equal(t, 2*time.Hour, cfg.Cache.Redis.RetentionDuration())
	require.Len(t, cfg.Warnings, 1)
	require.Contains(t, cfg.Warnings[0], "cache.redis.retention")

	cfg = validConfig()
	cfg.Weather.TTLSeconds = 600
	cfg.Cache.Backend = "redis"
	cfg.Cache.Redis.Address = "127.0.0.1:6379"
	require.NoError(t, cfg.Validate())
	require.Equal(t, 24*time.Hour, cfg.Cache.Redis.RetentionDuration())
	require.Empty(t, cfg.Warnings)
}

func TestValidateAutoIPSkipsLocation(t *testing.T) {
	cfg := validConfig()
	cfg.Weather.Location = ""
	cfg.Weather.AutoIP = true
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Listen.Port = 70000 }, "server.listen.port"},
		{"admin port", func(c *Config) { c.Server.Admin.Port = 0 }, "server.admin.port"},
		{"line bound", func(c *Config) { c.Server.MaxLineBytes = -1 }, "server.maxLineBytes"},
		{"idle timeout", func(c *Config) { c.Server.IdleTimeout = "soon" }, "server.idleTimeout"},
		{"negative ttl", func(c *Config) { c.Weather.TTLSeconds = -5 }, "weather.ttlSeconds"},
		{"formula", func(c *Config) { c.Weather.Formula = "" }, "weather.formula"},
		{"redis address", func(c *Config) { c.Cache.Backend = "redis" }, "cache.redis.address"},
		{"backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDurationAccessorsFallBack(t *testing.T) {
	cfg := validConfig()
	require.Equal(t, 10*time.Minute, cfg.Server.IdleDuration())
	require.Equal(t, 5*time.Second, cfg.Server.WriteDuration())
	require.Equal(t, 10*time.Second, cfg.Weather.RequestTimeout())
	require.Equal(t, 24*time.Hour, cfg.Cache.Redis.RetentionDuration())

	cfg.Server.IdleTimeout = "0s"
	require.Zero(t, cfg.Server.IdleDuration())
	cfg.Weather.Timeout = "bogus"
	require.Equal(t, 10*time.Second, cfg.Weather.RequestTimeout())
}
