package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xguard/pkg/config/xconf"
	"github.com/omeyang/xguard/pkg/storage/xcache"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	s, err := cfg.Cache.ParsedStrategy()
	require.NoError(t, err)
	assert.Equal(t, xcache.StrategyMutex, s)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, src, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, src)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xguard.yaml")
	content := `
redis:
  addrs: ["10.0.0.1:6379"]
  db: 2
lock:
  backend: local
  wait: 500ms
cache:
  strategy: multi
local:
  kind: memory
  ttl: 1m
log:
  level: debug
  format: json
preheat:
  seconds: true
  jobs:
    - spec: "*/5 * * * * *"
      key: "user:1"
      source: "db:user:1"
      ttl: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, src, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, src)

	assert.Equal(t, []string{"10.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 32, cfg.Redis.PoolSize)
	assert.Equal(t, BackendLocal, cfg.Lock.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Lock.Wait)
	assert.Equal(t, xcache.DefaultLockLease, cfg.Lock.Lease)
	assert.True(t, cfg.Lock.Singleflight)
	assert.Equal(t, LocalMemory, cfg.Local.Kind)
	assert.Equal(t, time.Minute, cfg.Local.TTL)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Preheat.Jobs, 1)
	assert.Equal(t, "db:user:1", cfg.Preheat.Jobs[0].Source)
	assert.Equal(t, 10*time.Minute, cfg.Preheat.Jobs[0].TTL)

	s, err := cfg.Cache.ParsedStrategy()
	require.NoError(t, err)
	assert.Equal(t, xcache.StrategyMultiLevel, s)
}

func TestFromSource_Invalid(t *testing.T) {
	src, err := xconf.NewFromBytes([]byte(`{"lock":{"backend":"zookeeper"},"cache":{"strategy":"random"}}`), xconf.FormatJSON)
	require.NoError(t, err)

	_, err = FromSource(src)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "lock.backend")
	assert.Contains(t, err.Error(), "cache.strategy")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no redis", func(c *Config) { c.Redis.Addrs = nil }, "redis.addrs"},
		{"etcd without endpoints", func(c *Config) { c.Lock.Backend = BackendEtcd }, "etcd.endpoints"},
		{"zero wait", func(c *Config) { c.Lock.Wait = 0 }, "lock.wait"},
		{"zero attempts", func(c *Config) { c.Lock.MaxAttempts = 0 }, "lock.max_attempts"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"no workers", func(c *Config) { c.Cache.RefreshWorkers = 0 }, "refresh_workers"},
		{"bad local kind", func(c *Config) { c.Local.Kind = "disk" }, "local.kind"},
		{"zero local size", func(c *Config) { c.Local.Size = 0 }, "local.size"},
		{"limiter", func(c *Config) { c.Limiter.Enabled = true; c.Limiter.Rate = 0 }, "limiter"},
		{"breaker", func(c *Config) { c.Breaker.Enabled = true; c.Breaker.Failures = 0 }, "breaker.failures"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"location", func(c *Config) { c.Preheat.Location = "Mars/Olympus" }, "preheat.location"},
		{"job missing key", func(c *Config) {
			c.Preheat.Jobs = []PreheatJob{{Spec: "@every 1m", Value: "v", TTL: time.Minute}}
		}, "spec and key"},
		{"job source and value", func(c *Config) {
			c.Preheat.Jobs = []PreheatJob{{Spec: "@every 1m", Key: "k", Source: "s", Value: "v", TTL: time.Minute}}
		}, "exactly one"},
		{"job ttl", func(c *Config) {
			c.Preheat.Jobs = []PreheatJob{{Spec: "@every 1m", Key: "k", Value: "v"}}
		}, "ttl must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_LocalNone(t *testing.T) {
	cfg := Default()
	cfg.Local = Local{Kind: LocalNone}
	assert.NoError(t, cfg.Validate())
}
