package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/omeyang/xguard/internal/config"
	"github.com/omeyang/xguard/pkg/distributed/xdlock"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/observability/xmetrics"
	"github.com/omeyang/xguard/pkg/storage/xcache"
)

// App 按配置装配的缓存编排器及其依赖。
type App struct {
	cfg    config.Config
	logger xlog.Logger

	client  redis.UniversalClient
	store   xcache.Store
	locker  xdlock.Factory
	local   xcache.LocalTier
	limiter xcache.SourceLimiter
	loader  xcache.Loader

	closers []func(ctx context.Context) error
}

// Option 配置 App。
type Option func(*options)

type options struct {
	logger xlog.Logger
	client redis.UniversalClient
	locker xdlock.Factory
}

// WithLogger 设置日志，默认 xlog.Default()。
func WithLogger(logger xlog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRedisClient 使用外部 Redis 客户端，App 关闭时不会关闭它。
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithLocker 使用外部锁工厂，忽略 lock.backend。
func WithLocker(f xdlock.Factory) Option {
	return func(o *options) {
		o.locker = f
	}
}

// New 按配置创建 App。失败时已创建的资源会被释放。
func New(ctx context.Context, cfg config.Config, opts ...Option) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logger: xlog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	a = &App{cfg: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
			a = nil
		}
	}()

	a.client = o.client
	if a.client == nil {
		a.client = newRedisClient(cfg.Redis)
		a.onClose(func(context.Context) error { return a.client.Close() })
	}

	redisStore, err := xcache.NewRedisStore(a.client)
	if err != nil {
		return a, err
	}
	a.store = redisStore
	if cfg.Breaker.Enabled {
		if a.store, err = a.newBreakerStore(ctx, redisStore); err != nil {
			return a, err
		}
	}

	a.locker = o.locker
	if a.locker == nil {
		if a.locker, err = a.newLocker(ctx); err != nil {
			return a, err
		}
	}

	if a.local, err = newLocalTier(cfg.Local); err != nil {
		return a, err
	}
	if c, ok := a.local.(interface{ Close() error }); ok {
		a.onClose(func(context.Context) error { return c.Close() })
	}

	if cfg.Limiter.Enabled {
		if a.limiter, err = newLimiter(a.client, cfg.Limiter); err != nil {
			return a, err
		}
	}

	loaderOpts, err := a.loaderOptions()
	if err != nil {
		return a, err
	}
	if a.loader, err = xcache.NewLoader(a.store, loaderOpts...); err != nil {
		return a, err
	}
	// 逆序关闭：Loader 先等待后台刷新结束，再释放下层资源
	a.onClose(a.loader.Close)

	a.logger.Info(ctx, "xguard assembled",
		slog.String("lock_backend", a.lockBackend(o)),
		slog.String("local_tier", cfg.Local.Kind),
		xlog.Strategy(cfg.Cache.Strategy),
	)
	return a, nil
}

func (a *App) lockBackend(o *options) string {
	if o.locker != nil {
		return "external"
	}
	return strings.ToLower(a.cfg.Lock.Backend)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func newRedisClient(c config.Redis) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        c.Addrs,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	})
}

func (a *App) newBreakerStore(ctx context.Context, store xcache.Store) (*xcache.BreakerStore, error) {
	logger := a.logger
	return xcache.NewBreakerStore(store,
		xcache.WithBreakerName("xguard-store"),
		xcache.WithBreakerFailures(a.cfg.Breaker.Failures),
		xcache.WithBreakerTimeout(a.cfg.Breaker.Timeout),
		xcache.WithBreakerStateChange(func(name string, from, to gobreaker.State) {
			logger.Warn(ctx, "store breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		}),
	)
}

func (a *App) newLocker(ctx context.Context) (xdlock.Factory, error) {
	switch strings.ToLower(a.cfg.Lock.Backend) {
	case config.BackendLocal:
		f := xdlock.NewLocalFactory()
		a.onClose(f.Close)
		return f, nil
	case config.BackendEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   a.cfg.Etcd.Endpoints,
			DialTimeout: a.cfg.Etcd.DialTimeout,
			Context:     context.WithoutCancel(ctx),
		})
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		f, err := xdlock.NewEtcdFactory(client, xdlock.WithEtcdTTL(a.cfg.Etcd.SessionTTL))
		if err != nil {
			return nil, err
		}
		a.onClose(f.Close)
		return f, nil
	default:
		f, err := xdlock.NewRedisFactory(a.client)
		if err != nil {
			return nil, err
		}
		a.onClose(f.Close)
		return f, nil
	}
}

func newLocalTier(c config.Local) (xcache.LocalTier, error) {
	switch strings.ToLower(c.Kind) {
	case config.LocalLRU:
		return xcache.NewLRUTier(c.Size, c.TTL)
	case config.LocalMemory:
		return xcache.NewMemoryTier(
			xcache.WithMemoryNumCounters(int64(c.Size)*10),
			xcache.WithMemoryMaxCost(c.MaxCost),
			xcache.WithMemoryTTL(c.TTL),
		)
	default:
		return nil, nil
	}
}

func newLimiter(client redis.UniversalClient, c config.Limiter) (*xcache.RedisSourceLimiter, error) {
	opts := []xcache.RedisLimiterOption{xcache.WithLimiterPrefix(c.Prefix)}
	if c.PerKey {
		opts = append(opts, xcache.WithPerKeyLimit())
	}
	return xcache.NewRedisSourceLimiter(client, redis_rate.Limit{
		Rate:   c.Rate,
		Burst:  c.Burst,
		Period: c.Period,
	}, opts...)
}

func (a *App) loaderOptions() ([]xcache.LoaderOption, error) {
	c := a.cfg
	opts := []xcache.LoaderOption{
		xcache.WithLogger(a.logger),
		xcache.WithLocker(a.locker),
		xcache.WithLockWait(c.Lock.Wait),
		xcache.WithLockLease(c.Lock.Lease),
		xcache.WithLockRetryPause(c.Lock.RetryPause),
		xcache.WithMaxLockAttempts(c.Lock.MaxAttempts),
		xcache.WithSingleflight(c.Lock.Singleflight),
		xcache.WithLoadTimeout(c.Cache.LoadTimeout),
		xcache.WithRefreshPool(c.Cache.RefreshWorkers, c.Cache.RefreshQueueSize),
		xcache.WithInvalidateLocal(c.Cache.InvalidateLocal),
		xcache.WithOnCacheSetError(func(ctx context.Context, key string, err error) {
			a.logger.Warn(ctx, "cache write failed after load", xlog.Key(key), xlog.Err(err))
		}),
	}
	if a.local != nil {
		opts = append(opts, xcache.WithLocalTier(a.local))
	}
	if c.Cache.InvalidationChannel != "" {
		opts = append(opts, xcache.WithInvalidationChannel(a.client, c.Cache.InvalidationChannel))
	}
	if a.limiter != nil {
		opts = append(opts, xcache.WithSourceLimiter(a.limiter))
	}
	if c.Metrics.Tracing {
		obs, err := xmetrics.NewOTelObserver(xmetrics.WithInstrumentationName("github.com/omeyang/xguard"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, xcache.WithObserver(obs))
	}
	return opts, nil
}

// Loader 返回缓存编排器。
func (a *App) Loader() xcache.Loader { return a.loader }

// Store 返回远端存储（启用熔断时为包装后的存储）。
func (a *App) Store() xcache.Store { return a.store }

// Client 返回 Redis 客户端。
func (a *App) Client() redis.UniversalClient { return a.client }

// Locker 返回锁工厂。
func (a *App) Locker() xdlock.Factory { return a.locker }

// LocalTier 返回本地层，未配置时为 nil。
func (a *App) LocalTier() xcache.LocalTier { return a.local }

// Config 返回装配时使用的配置。
func (a *App) Config() config.Config { return a.cfg }

// Strategy 返回配置的默认读取策略。
func (a *App) Strategy() xcache.Strategy {
	s, _ := a.cfg.Cache.ParsedStrategy()
	return s
}

// Load 按策略读取。refresh 策略使用 cache.refresh_interval，其余使用 ttl。
func (a *App) Load(ctx context.Context, key string, fn xcache.LoadFunc, strategy xcache.Strategy, ttl time.Duration) ([]byte, error) {
	if strategy == xcache.StrategyRefresh && ttl <= 0 {
		ttl = a.cfg.Cache.RefreshInterval
	}
	if ttl <= 0 {
		ttl = a.cfg.Cache.TTL
	}
	return a.loader.Load(ctx, key, fn, strategy, ttl)
}

// SourceLoader 返回从 Redis key source 读取权威数据的回源函数。
// source 不存在时返回 (nil, nil)，结果不会被缓存。
func (a *App) SourceLoader(source string) xcache.LoadFunc {
	return func(ctx context.Context) ([]byte, error) {
		v, err := a.client.Get(ctx, source).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read source %q: %w", source, err)
		}
		return v, nil
	}
}

// StaticLoader 返回固定值的回源函数。
func StaticLoader(value string) xcache.LoadFunc {
	return func(context.Context) ([]byte, error) {
		return []byte(value), nil
	}
}

// JobLoader 返回预热任务的回源函数。
func (a *App) JobLoader(job config.PreheatJob) xcache.LoadFunc {
	if job.Source != "" {
		return a.SourceLoader(job.Source)
	}
	return StaticLoader(job.Value)
}

// Close 逆序释放资源，可重复调用。
func (a *App) Close(ctx context.Context) error {
	closers := a.closers
	a.closers = nil
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
