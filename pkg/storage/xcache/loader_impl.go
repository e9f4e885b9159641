package xcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"golang.org/x/sync/singleflight"

	"github.com/omeyang/xguard/pkg/distributed/xdlock"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/observability/xmetrics"
)

// componentName 观测与日志使用的组件名。
const componentName = "xcache"

// errLockContended 单轮等锁超时，驱动互斥读取进入下一轮。
var errLockContended = errors.New("xcache: lock contended")

// loader 实现 Loader。
type loader struct {
	store     Store
	opts      *LoaderOptions
	logger    xlog.Logger
	group     singleflight.Group
	stats     counters
	refresher *refresher

	// baseCtx 后台任务使用，Close 超时后取消。
	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     atomic.Bool
}

func newLoader(store Store, opts *LoaderOptions) *loader {
	logger := opts.Logger
	if logger == nil {
		logger = xlog.Default()
	}
	logger = logger.With(xlog.Component(componentName))

	baseCtx, baseCancel := context.WithCancel(context.Background())
	l := &loader{
		store:      store,
		opts:       opts,
		logger:     logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	l.refresher = newRefresher(l, opts.RefreshWorkers, opts.RefreshQueueSize)
	return l
}

// =============================================================================
// 读取策略
// =============================================================================

func (l *loader) LoadWithMutex(ctx context.Context, key string, fn LoadFunc, ttl time.Duration) (value []byte, err error) {
	if err := l.checkLoad(key, fn); err != nil {
		return nil, err
	}
	if l.opts.Locker == nil {
		return nil, ErrNoLocker
	}

	ctx, span := l.start(ctx, "load.mutex", key)
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	if v, hit, err := l.lookup(ctx, key); err != nil || hit {
		return v, err
	}

	if l.opts.EnableSingleflight {
		return l.shared(ctx, key, l.sharedTimeout(), func(sctx context.Context) ([]byte, error) {
			return l.mutexLoop(sctx, key, fn, ttl)
		})
	}
	return l.mutexLoop(ctx, key, fn, ttl)
}

func (l *loader) LoadWithJitter(ctx context.Context, key string, fn LoadFunc, ttl time.Duration) (value []byte, err error) {
	if err := l.checkLoad(key, fn); err != nil {
		return nil, err
	}

	ctx, span := l.start(ctx, "load.jitter", key)
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	if v, hit, err := l.lookup(ctx, key); err != nil || hit {
		return v, err
	}
	return l.loadAndStore(ctx, key, fn, JitterTTL(ttl))
}

func (l *loader) LoadWithRefresh(ctx context.Context, key string, fn LoadFunc, refreshInterval time.Duration) (value []byte, err error) {
	if err := l.checkLoad(key, fn); err != nil {
		return nil, err
	}
	if refreshInterval <= 0 {
		return nil, fmt.Errorf("%w: refresh interval must be positive", ErrInvalidConfig)
	}

	ctx, span := l.start(ctx, "load.refresh", key)
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	v, hit, err := l.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if hit {
		l.refresher.submit(refreshTask{key: key, fn: fn, interval: refreshInterval})
		return v, nil
	}
	return l.loadAndStore(ctx, key, fn, 2*refreshInterval)
}

func (l *loader) LoadMultiLevel(ctx context.Context, key string, local LocalTier, fn LoadFunc, ttl time.Duration) (value []byte, err error) {
	if err := l.checkLoad(key, fn); err != nil {
		return nil, err
	}
	if local == nil {
		local = l.opts.LocalTier
	}
	if local == nil {
		return nil, ErrNoLocalTier
	}

	if v, ok := local.Get(key); ok {
		l.stats.localHits.Add(1)
		return v, nil
	}

	ctx, span := l.start(ctx, "load.multi", key)
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	v, hit, err := l.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if hit {
		local.Set(key, v)
		return v, nil
	}

	v, err = l.loadAndStore(ctx, key, fn, JitterTTL(ttl))
	if err != nil {
		return nil, err
	}
	if v != nil {
		local.Set(key, v)
	}
	return v, nil
}

func (l *loader) Load(ctx context.Context, key string, fn LoadFunc, strategy Strategy, ttl time.Duration) ([]byte, error) {
	switch strategy {
	case StrategyMutex:
		return l.LoadWithMutex(ctx, key, fn, ttl)
	case StrategyJitter:
		return l.LoadWithJitter(ctx, key, fn, ttl)
	case StrategyRefresh:
		return l.LoadWithRefresh(ctx, key, fn, ttl)
	case StrategyMultiLevel:
		return l.LoadMultiLevel(ctx, key, nil, fn, ttl)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

// =============================================================================
// 管理操作
// =============================================================================

func (l *loader) Preheat(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	if err := l.checkKey(key); err != nil {
		return err
	}

	ctx, span := l.start(ctx, "preheat", key)
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	if err := l.store.Set(ctx, key, value, JitterTTL(ttl)); err != nil {
		return err
	}
	// 本地副本可能是旧值
	if tier := l.opts.LocalTier; tier != nil {
		tier.Delete(key)
	}
	l.stats.preheats.Add(1)
	return nil
}

func (l *loader) Invalidate(ctx context.Context, key string) (err error) {
	if err := l.checkKey(key); err != nil {
		return err
	}

	ctx, span := l.start(ctx, "invalidate", key)
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	if err := l.store.Delete(ctx, key); err != nil {
		return err
	}
	if tier := l.opts.LocalTier; tier != nil && l.opts.InvalidateLocal {
		tier.Delete(key)
	}
	l.stats.invalidations.Add(1)

	return l.publishInvalidation(ctx, key)
}

func (l *loader) Stats() Stats {
	s := l.stats.snapshot()
	if sz, ok := l.opts.LocalTier.(sizer); ok {
		s.LocalEntries = sz.Len()
	}
	return s
}

func (l *loader) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := l.refresher.stop(ctx)
	// 超时后取消进行中的后台回源
	l.baseCancel()
	return err
}

// =============================================================================
// 互斥读取
// =============================================================================

// mutexLoop 执行"读缓存-等锁"循环，最多 MaxLockAttempts 轮。
// 首轮的读缓存已由调用方完成。
func (l *loader) mutexLoop(ctx context.Context, key string, fn LoadFunc, ttl time.Duration) ([]byte, error) {
	var attempt uint
	value, err := retry.NewWithData[[]byte](
		retry.Context(ctx),
		retry.Attempts(l.opts.MaxLockAttempts),
		retry.Delay(l.opts.LockRetryPause),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errLockContended)
		}),
	).Do(func() ([]byte, error) {
		attempt++
		if attempt > 1 {
			if v, hit, err := l.lookup(ctx, key); err != nil || hit {
				return v, err
			}
		}
		return l.lockedLoad(ctx, key, fn, ttl)
	})

	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, ErrLoaderFailed), errors.Is(err, ErrLoadThrottled), errors.Is(err, ErrInterrupted):
		return nil, err
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case errors.Is(err, errLockContended):
		l.stats.lockContentions.Add(1)
		l.logger.Warn(ctx, "xcache: lock contention exhausted",
			xlog.Key(key), xlog.Count(int64(l.opts.MaxLockAttempts)))
		return nil, fmt.Errorf("%w: key %q after %d attempts", ErrLockContention, key, l.opts.MaxLockAttempts)
	default:
		return nil, err
	}
}

// lockedLoad 单轮：等锁、再读缓存、回源写入、释放锁。
func (l *loader) lockedLoad(ctx context.Context, key string, fn LoadFunc, ttl time.Duration) ([]byte, error) {
	lockOpts := make([]xdlock.MutexOption, 0, len(l.opts.LockOptions)+1)
	lockOpts = append(lockOpts, xdlock.WithExpiry(l.opts.LockLease))
	lockOpts = append(lockOpts, l.opts.LockOptions...)

	handle, err := l.opts.Locker.Acquire(ctx, key, l.opts.LockWait, lockOpts...)
	switch {
	case err == nil:
	case errors.Is(err, xdlock.ErrLockTimeout):
		l.stats.lockWaits.Add(1)
		return nil, errLockContended
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case errors.Is(err, xdlock.ErrKeyTooLong):
		return nil, err
	default:
		// 锁服务不可用时退化为无锁回源
		l.stats.lockFallbacks.Add(1)
		l.logger.Warn(ctx, "xcache: lock backend unavailable, loading without lock",
			xlog.Key(key), xlog.Err(err))
		return l.loadAndStore(ctx, key, fn, JitterTTL(ttl))
	}
	defer l.release(ctx, key, handle)

	if v, hit, err := l.lookup(ctx, key); err != nil || hit {
		return v, err
	}
	return l.loadAndStore(ctx, key, fn, JitterTTL(ttl))
}

// release 释放锁，不受调用方取消影响。
func (l *loader) release(ctx context.Context, key string, handle xdlock.LockHandle) {
	unlockCtx, cancel := contextWithIndependentTimeout(ctx, l.opts.LockWait)
	defer cancel()

	err := handle.Unlock(unlockCtx)
	switch {
	case err == nil:
	case errors.Is(err, xdlock.ErrNotLocked):
		l.logger.Info(ctx, "xcache: lock lease expired before release",
			xlog.Key(key), xlog.TTL(l.opts.LockLease))
	default:
		l.logger.Warn(ctx, "xcache: unlock failed", xlog.Key(key), xlog.Err(err))
	}
}

// shared 合并进程内同 key 的并发请求。
// 共享执行使用脱离调用方取消链的 ctx，每个调用方可独立放弃等待。
func (l *loader) shared(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	ch := l.group.DoChan(key, func() (any, error) {
		sctx, cancel := contextWithIndependentTimeout(ctx, timeout)
		defer cancel()
		return fn(sctx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v, _ := res.Val.([]byte)
		return v, nil
	}
}

// sharedTimeout 共享执行的总时限：所有等锁轮次加一次回源。
func (l *loader) sharedTimeout() time.Duration {
	if l.opts.LoadTimeout == 0 {
		return 0
	}
	load := l.opts.LoadTimeout
	if load < 0 {
		load = defaultOperationTimeout
	}
	rounds := time.Duration(l.opts.MaxLockAttempts) * (l.opts.LockWait + l.opts.LockRetryPause)
	return rounds + load
}

// =============================================================================
// 公共步骤
// =============================================================================

// lookup 读远端缓存。
// 存储错误按未命中处理；只有 ctx 结束时返回错误。
func (l *loader) lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}

	v, err := l.store.Get(ctx, key)
	switch {
	case err == nil:
		l.stats.hits.Add(1)
		return v, true, nil
	case errors.Is(err, ErrNotFound):
	case ctx.Err() != nil:
		return nil, false, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	default:
		l.stats.storeErrors.Add(1)
		l.logger.Warn(ctx, "xcache: cache read failed, treating as miss", xlog.Key(key), xlog.Err(err))
	}
	l.stats.misses.Add(1)
	return nil, false, nil
}

// loadAndStore 回源并写入远端。写入失败不影响返回值。
// 数据源返回 nil 时不写缓存。
func (l *loader) loadAndStore(ctx context.Context, key string, fn LoadFunc, ttl time.Duration) ([]byte, error) {
	value, err := l.invoke(ctx, key, fn)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	l.storeValue(ctx, key, value, ttl)
	return value, nil
}

func (l *loader) storeValue(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := l.store.Set(ctx, key, value, ttl); err != nil {
		l.stats.setErrors.Add(1)
		l.logger.Warn(ctx, "xcache: cache set failed", xlog.Key(key), xlog.TTL(ttl), xlog.Err(err))
		if hook := l.opts.OnCacheSetError; hook != nil {
			hook(ctx, key, err)
		}
	}
}

// invoke 调用数据源：限流、超时、panic 恢复。
func (l *loader) invoke(ctx context.Context, key string, fn LoadFunc) (value []byte, err error) {
	if lim := l.opts.SourceLimiter; lim != nil {
		allowed, limErr := lim.Allow(ctx, key)
		switch {
		case limErr != nil:
			l.logger.Warn(ctx, "xcache: source limiter failed, allowing load", xlog.Key(key), xlog.Err(limErr))
		case !allowed:
			l.stats.throttled.Add(1)
			return nil, fmt.Errorf("%w: key %q", ErrLoadThrottled, key)
		}
	}

	loadCtx, cancel := applyLoadTimeout(ctx, l.opts.LoadTimeout)
	defer cancel()

	l.stats.loads.Add(1)
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %w: %v", ErrLoaderFailed, ErrLoadPanic, r)
			l.logger.Stack(ctx, "xcache: loader panic", xlog.Key(key), slog.Any("panic", r))
		}
		if err != nil {
			l.stats.loadErrors.Add(1)
		}
	}()

	value, err = fn(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoaderFailed, err)
	}
	return value, nil
}

func (l *loader) checkKey(key string) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}

func (l *loader) checkLoad(key string, fn LoadFunc) error {
	if err := l.checkKey(key); err != nil {
		return err
	}
	if fn == nil {
		return ErrNilLoader
	}
	return nil
}

func (l *loader) start(ctx context.Context, operation, key string) (context.Context, xmetrics.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return xmetrics.Start(ctx, l.opts.Observer, xmetrics.SpanOptions{
		Component: componentName,
		Operation: operation,
		Kind:      xmetrics.KindInternal,
		Attrs:     []xmetrics.Attr{xmetrics.String("cache.key", key)},
	})
}
