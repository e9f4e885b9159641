package xcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omeyang/xguard/pkg/distributed/xdlock"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/observability/xmetrics"
)

// 默认参数。
const (
	// DefaultLockWait 单次等待锁的最长时间。
	DefaultLockWait = 3 * time.Second

	// DefaultLockLease 锁租约时长，持有者崩溃后最多阻塞这么久。
	DefaultLockLease = 10 * time.Second

	// DefaultLockRetryPause 等锁超时后重新读缓存前的停顿。
	DefaultLockRetryPause = 50 * time.Millisecond

	// DefaultMaxLockAttempts 互斥读取"读缓存-等锁"循环的最大轮数。
	DefaultMaxLockAttempts = 10

	// DefaultLoadTimeout 单次回源超时。
	DefaultLoadTimeout = 30 * time.Second

	// DefaultRefreshWorkers 后台刷新 worker 数。
	DefaultRefreshWorkers = 4

	// DefaultRefreshQueueSize 后台刷新队列长度，满时丢弃新任务。
	DefaultRefreshQueueSize = 256
)

// CacheSetErrorHook 回源成功但写缓存失败时调用，在请求路径上同步执行。
type CacheSetErrorHook func(ctx context.Context, key string, err error)

// LoaderOptions Loader 配置。
type LoaderOptions struct {
	// Locker 互斥读取使用的锁工厂，锁名为 "lock:" + key。
	Locker xdlock.Factory

	// LockWait 单轮等锁时长，默认 3s。
	LockWait time.Duration

	// LockLease 锁租约，默认 10s。
	LockLease time.Duration

	// LockRetryPause 等锁超时后的停顿，默认 50ms。
	LockRetryPause time.Duration

	// MaxLockAttempts 最大轮数，耗尽返回 ErrLockContention。默认 10。
	MaxLockAttempts uint

	// LockOptions 透传给锁工厂的额外选项。
	LockOptions []xdlock.MutexOption

	// EnableSingleflight 进程内合并同 key 的互斥读取，默认 true。
	EnableSingleflight bool

	// LoadTimeout 回源超时，0 表示不限，负值使用 30s。默认 30s。
	LoadTimeout time.Duration

	// LocalTier 默认本地层，LoadMultiLevel 未传入时使用，Invalidate 也会清理它。
	LocalTier LocalTier

	// InvalidateLocal Invalidate 时是否同时删除本地层副本，默认 true。
	InvalidateLocal bool

	// InvalidationClient、InvalidationChannel 失效广播使用的 Redis 与频道。
	InvalidationClient  redis.UniversalClient
	InvalidationChannel string

	// RefreshWorkers、RefreshQueueSize 后台刷新池参数。
	RefreshWorkers   int
	RefreshQueueSize int

	// SourceLimiter 回源限流，nil 表示不限。
	SourceLimiter SourceLimiter

	// Observer 观测器，nil 表示不观测。
	Observer xmetrics.Observer

	// OnCacheSetError 写缓存失败回调。
	OnCacheSetError CacheSetErrorHook

	// Logger 日志，默认 xlog.Default()。
	Logger xlog.Logger
}

// LoaderOption 配置 Loader。
type LoaderOption func(*LoaderOptions)

func defaultLoaderOptions() *LoaderOptions {
	return &LoaderOptions{
		LockWait:           DefaultLockWait,
		LockLease:          DefaultLockLease,
		LockRetryPause:     DefaultLockRetryPause,
		MaxLockAttempts:    DefaultMaxLockAttempts,
		EnableSingleflight: true,
		LoadTimeout:        DefaultLoadTimeout,
		InvalidateLocal:    true,
		RefreshWorkers:     DefaultRefreshWorkers,
		RefreshQueueSize:   DefaultRefreshQueueSize,
	}
}

func (o *LoaderOptions) validate() error {
	switch {
	case o.LockWait <= 0:
		return fmt.Errorf("%w: lock wait must be positive", ErrInvalidConfig)
	case o.LockLease <= 0:
		return fmt.Errorf("%w: lock lease must be positive", ErrInvalidConfig)
	case o.LockRetryPause < 0:
		return fmt.Errorf("%w: lock retry pause must not be negative", ErrInvalidConfig)
	case o.MaxLockAttempts == 0:
		return fmt.Errorf("%w: max lock attempts must be at least 1", ErrInvalidConfig)
	case o.RefreshWorkers <= 0:
		return fmt.Errorf("%w: refresh workers must be positive", ErrInvalidConfig)
	case o.RefreshQueueSize <= 0:
		return fmt.Errorf("%w: refresh queue size must be positive", ErrInvalidConfig)
	case (o.InvalidationClient == nil) != (o.InvalidationChannel == ""):
		return fmt.Errorf("%w: invalidation client and channel must be set together", ErrInvalidConfig)
	}
	return nil
}

// WithLocker 设置锁工厂。互斥读取必需。
func WithLocker(f xdlock.Factory) LoaderOption {
	return func(o *LoaderOptions) {
		o.Locker = f
	}
}

// WithLockWait 设置单轮等锁时长。
func WithLockWait(d time.Duration) LoaderOption {
	return func(o *LoaderOptions) {
		o.LockWait = d
	}
}

// WithLockLease 设置锁租约时长。
func WithLockLease(d time.Duration) LoaderOption {
	return func(o *LoaderOptions) {
		o.LockLease = d
	}
}

// WithLockRetryPause 设置等锁超时后的停顿。
func WithLockRetryPause(d time.Duration) LoaderOption {
	return func(o *LoaderOptions) {
		o.LockRetryPause = d
	}
}

// WithMaxLockAttempts 设置互斥读取的最大轮数。
func WithMaxLockAttempts(n uint) LoaderOption {
	return func(o *LoaderOptions) {
		o.MaxLockAttempts = n
	}
}

// WithLockOptions 追加锁工厂选项（如 xdlock.WithRetryDelay）。
func WithLockOptions(opts ...xdlock.MutexOption) LoaderOption {
	return func(o *LoaderOptions) {
		o.LockOptions = append(o.LockOptions, opts...)
	}
}

// WithSingleflight 设置是否在进程内合并同 key 的互斥读取。
func WithSingleflight(enable bool) LoaderOption {
	return func(o *LoaderOptions) {
		o.EnableSingleflight = enable
	}
}

// WithLoadTimeout 设置回源超时。
func WithLoadTimeout(d time.Duration) LoaderOption {
	return func(o *LoaderOptions) {
		o.LoadTimeout = d
	}
}

// WithLocalTier 设置默认本地层。
func WithLocalTier(tier LocalTier) LoaderOption {
	return func(o *LoaderOptions) {
		o.LocalTier = tier
	}
}

// WithInvalidateLocal 设置 Invalidate 是否同时删除本地副本。
func WithInvalidateLocal(enable bool) LoaderOption {
	return func(o *LoaderOptions) {
		o.InvalidateLocal = enable
	}
}

// WithInvalidationChannel 开启跨进程失效广播。
// Invalidate 会向 channel 发布 key，SubscribeInvalidations 据此删除本进程的本地副本。
func WithInvalidationChannel(client redis.UniversalClient, channel string) LoaderOption {
	return func(o *LoaderOptions) {
		o.InvalidationClient = client
		o.InvalidationChannel = channel
	}
}

// WithRefreshPool 设置后台刷新池的 worker 数与队列长度。
func WithRefreshPool(workers, queueSize int) LoaderOption {
	return func(o *LoaderOptions) {
		o.RefreshWorkers = workers
		o.RefreshQueueSize = queueSize
	}
}

// WithSourceLimiter 设置回源限流器。
func WithSourceLimiter(l SourceLimiter) LoaderOption {
	return func(o *LoaderOptions) {
		o.SourceLimiter = l
	}
}

// WithObserver 设置观测器。
func WithObserver(obs xmetrics.Observer) LoaderOption {
	return func(o *LoaderOptions) {
		o.Observer = obs
	}
}

// WithOnCacheSetError 设置写缓存失败回调。
func WithOnCacheSetError(hook CacheSetErrorHook) LoaderOption {
	return func(o *LoaderOptions) {
		o.OnCacheSetError = hook
	}
}

// WithLogger 设置日志。
func WithLogger(logger xlog.Logger) LoaderOption {
	return func(o *LoaderOptions) {
		o.Logger = logger
	}
}
