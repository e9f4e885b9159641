package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xguard/internal/config"
	"github.com/omeyang/xguard/pkg/config/xconf"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/storage/xcache"
)

func testConfig(mr *miniredis.Miniredis) config.Config {
	cfg := config.Default()
	cfg.Redis.Addrs = []string{mr.Addr()}
	cfg.Redis.PoolSize = 16
	cfg.Lock.Wait = 200 * time.Millisecond
	cfg.Lock.RetryPause = 10 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	all := append([]Option{WithLogger(xlog.Discard())}, opts...)
	a, err := New(context.Background(), cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Close(ctx))
	})
	return a
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Lock.Backend = "zookeeper"
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestApp_LoadStrategies(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, testConfig(mr))

	assert.Equal(t, xcache.StrategyMutex, a.Strategy())
	require.NotNil(t, a.LocalTier())
	require.NotNil(t, a.Locker())

	ctx := context.Background()
	for _, s := range []xcache.Strategy{xcache.StrategyMutex, xcache.StrategyJitter, xcache.StrategyRefresh, xcache.StrategyMultiLevel} {
		key := "user:" + s.String()
		v, err := a.Load(ctx, key, StaticLoader("v-"+s.String()), s, 0)
		require.NoError(t, err)
		assert.Equal(t, "v-"+s.String(), string(v))
		assert.True(t, mr.Exists(key), "strategy %s should write the store", s)
	}

	// 未显式给 ttl 时 refresh 用 2 倍刷新间隔，其余用 cache.ttl
	assert.InDelta(t, (2 * time.Minute).Seconds(), mr.TTL("user:refresh").Seconds(), 1)
	assert.LessOrEqual(t, mr.TTL("user:mutex"), 5*time.Minute+5*time.Minute/10)
}

func TestApp_SourceLoader(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, testConfig(mr))
	ctx := context.Background()

	require.NoError(t, mr.Set("db:user:1", "alice"))
	v, err := a.Load(ctx, "user:1", a.SourceLoader("db:user:1"), xcache.StrategyMutex, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "alice", string(v))

	// 数据源缺失时不写缓存
	v, err = a.Load(ctx, "user:2", a.SourceLoader("db:user:2"), xcache.StrategyMutex, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, mr.Exists("user:2"))
}

func TestApp_Backends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(mr)
	cfg.Lock.Backend = config.BackendLocal
	cfg.Local = config.Local{Kind: config.LocalMemory, Size: 100, TTL: time.Minute, MaxCost: 1 << 20}
	cfg.Breaker.Enabled = true
	cfg.Limiter.Enabled = true
	cfg.Limiter.Rate, cfg.Limiter.Burst, cfg.Limiter.Period = 1, 1, time.Hour
	a := newTestApp(t, cfg)

	_, ok := a.Store().(*xcache.BreakerStore)
	assert.True(t, ok)
	_, ok = a.LocalTier().(*xcache.MemoryTier)
	assert.True(t, ok)

	ctx := context.Background()
	_, err := a.Load(ctx, "a", StaticLoader("1"), xcache.StrategyMutex, time.Minute)
	require.NoError(t, err)
	_, err = a.Load(ctx, "b", StaticLoader("2"), xcache.StrategyMutex, time.Minute)
	assert.ErrorIs(t, err, xcache.ErrLoadThrottled)
}

func TestApp_NoLocalTier(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	cfg.Local = config.Local{Kind: config.LocalNone}
	a := newTestApp(t, cfg)

	assert.Nil(t, a.LocalTier())
	_, err := a.Load(context.Background(), "k", StaticLoader("v"), xcache.StrategyMultiLevel, time.Minute)
	assert.ErrorIs(t, err, xcache.ErrNoLocalTier)
}

func TestApp_ExternalClientNotClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a, err := New(context.Background(), testConfig(mr), WithLogger(xlog.Discard()), WithRedisClient(client))
	require.NoError(t, err)
	assert.Same(t, client, a.Client())
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestApp_Preheater(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("db:hot", "from-db"))

	cfg := testConfig(mr)
	cfg.Preheat.Jobs = []config.PreheatJob{
		{Spec: "@every 1h", Key: "hot", Source: "db:hot", TTL: time.Minute},
		{Spec: "@every 1h", Key: "banner", Value: "welcome", TTL: time.Minute},
	}
	a := newTestApp(t, cfg)

	p, err := a.NewPreheater()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.PreheatService(p)(ctx) }()

	require.Eventually(t, func() bool {
		return mr.Exists("hot") && mr.Exists("banner")
	}, 2*time.Second, 10*time.Millisecond)
	v, err := mr.Get("hot")
	require.NoError(t, err)
	assert.Equal(t, "from-db", v)

	cancel()
	require.NoError(t, <-done)
}

func TestApp_PreheaterBadSpec(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	cfg.Preheat.Jobs = []config.PreheatJob{{Spec: "not a cron", Key: "k", Value: "v", TTL: time.Minute}}
	a := newTestApp(t, cfg)

	_, err := a.NewPreheater()
	assert.ErrorIs(t, err, xcache.ErrInvalidConfig)
}

func TestApp_InvalidationService(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	cfg.Cache.InvalidationChannel = "xguard:invalidate"

	writer := newTestApp(t, cfg)
	reader := newTestApp(t, cfg)
	ctx := context.Background()

	_, err := reader.Load(ctx, "k", StaticLoader("v1"), xcache.StrategyMultiLevel, time.Minute)
	require.NoError(t, err)
	_, ok := reader.LocalTier().Get("k")
	require.True(t, ok)

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- reader.InvalidationService()(subCtx) }()

	require.Eventually(t, func() bool {
		if err := writer.Loader().Invalidate(ctx, "k"); err != nil {
			return false
		}
		_, ok := reader.LocalTier().Get("k")
		return !ok
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestApp_InvalidationServiceNotConfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, testConfig(mr))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := a.InvalidationService()(ctx)
	assert.ErrorIs(t, err, xcache.ErrInvalidConfig)
}

func TestApp_Metrics(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, testConfig(mr))
	_, err := a.Load(context.Background(), "k", StaticLoader("v"), xcache.StrategyMutex, time.Minute)
	require.NoError(t, err)

	reg, err := a.NewRegistry()
	require.NoError(t, err)
	srv := a.MetricsServer(reg)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "xguard_cache_loads_total 1")
	assert.Contains(t, body, "go_goroutines")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApp_ConfigWatchService(t *testing.T) {
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "xguard.yaml")
	write := func(level string) {
		content := "redis:\n  addrs: [\"" + mr.Addr() + "\"]\nlog:\n  level: " + level + "\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write("info")

	cfg, src, err := config.Load(path)
	require.NoError(t, err)

	var buf syncBuffer
	logger, cleanup, err := NewLogger(cfg.Log, &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	a := newTestApp(t, cfg, WithLogger(logger))
	svc, err := a.ConfigWatchService(src, logger, xconf.WithDebounce(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc(ctx) }()

	require.Eventually(t, func() bool {
		write("debug")
		return logger.GetLevel() == xlog.LevelDebug
	}, 3*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "log level changed")
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestApp_ConfigWatchServiceNeedsFile(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, testConfig(mr))
	src, err := xconf.NewFromBytes(nil, xconf.FormatYAML)
	require.NoError(t, err)
	_, err = a.ConfigWatchService(src, nil)
	assert.ErrorIs(t, err, xconf.ErrNotReloadable)
}

func TestNewLogger(t *testing.T) {
	var buf syncBuffer
	logger, cleanup, err := NewLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer func() { _ = cleanup() }()

	logger.Info(context.Background(), "hidden")
	logger.Warn(context.Background(), "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"xguard"`)

	_, _, err = NewLogger(config.Log{Level: "loud"}, nil)
	assert.Error(t, err)
}

// syncBuffer 供日志与断言并发访问。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
