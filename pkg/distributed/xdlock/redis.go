package xdlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	rsredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Redis 工厂实现
// =============================================================================

type redisFactory struct {
	clients []redis.UniversalClient
	rs      *redsync.Redsync
	closed  atomic.Bool
}

// NewRedisFactory 创建 Redis 锁工厂。
// 单节点为标准 Redis 锁；多节点使用 Redlock 算法（需过半成功）。
// 客户端的生命周期由调用者管理。
func NewRedisFactory(clients ...redis.UniversalClient) (RedisFactory, error) {
	if len(clients) == 0 {
		return nil, ErrNilClient
	}
	for i, client := range clients {
		if client == nil {
			return nil, errors.Join(ErrNilClient, errors.New("client at index "+strconv.Itoa(i)+" is nil"))
		}
	}

	pools := make([]rsredis.Pool, len(clients))
	for i, client := range clients {
		pools[i] = goredis.NewPool(client)
	}

	return &redisFactory{
		clients: clients,
		rs:      redsync.New(pools...),
	}, nil
}

func (f *redisFactory) check(key string) error {
	if f.closed.Load() {
		return ErrFactoryClosed
	}
	return validateKey(key)
}

// Acquire 在 wait 时长内获取锁。
func (f *redisFactory) Acquire(ctx context.Context, key string, wait time.Duration, opts ...MutexOption) (LockHandle, error) {
	if wait <= 0 {
		h, err := f.TryLock(ctx, key, opts...)
		if err == nil && h == nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return h, err
	}
	if err := f.check(key); err != nil {
		return nil, err
	}

	options := buildMutexOptions(opts)
	// redsync 按次数重试，这里按 wait 折算次数，waitCtx 负责最终截止
	options.Tries = int(wait/options.RetryDelay) + 1

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	mutex, fullKey := f.newMutex(key, options)
	if err := mutex.LockContext(waitCtx); err != nil {
		// redsync 不传递 context 错误，需要单独检查
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if waitCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, fullKey)
		}
		err = wrapRedisError(err)
		if errors.Is(err, ErrLockHeld) || errors.Is(err, ErrLockFailed) {
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
		return nil, err
	}
	return f.newHandle(mutex, fullKey, options), nil
}

// TryLock 非阻塞式获取锁。
func (f *redisFactory) TryLock(ctx context.Context, key string, opts ...MutexOption) (LockHandle, error) {
	if err := f.check(key); err != nil {
		return nil, err
	}

	options := buildMutexOptions(opts)
	mutex, fullKey := f.newMutex(key, options)
	if err := mutex.TryLockContext(ctx); err != nil {
		err = wrapRedisError(err)
		if errors.Is(err, ErrLockHeld) || errors.Is(err, ErrLockFailed) {
			return nil, nil
		}
		return nil, err
	}
	return f.newHandle(mutex, fullKey, options), nil
}

// Lock 阻塞式获取锁，最多尝试 Tries 次。
func (f *redisFactory) Lock(ctx context.Context, key string, opts ...MutexOption) (LockHandle, error) {
	if err := f.check(key); err != nil {
		return nil, err
	}

	options := buildMutexOptions(opts)
	mutex, fullKey := f.newMutex(key, options)
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapRedisError(err)
	}
	return f.newHandle(mutex, fullKey, options), nil
}

// newMutex 按选项构建 redsync.Mutex，返回 mutex 和完整 key。
func (f *redisFactory) newMutex(key string, o *mutexOptions) (*redsync.Mutex, string) {
	fullKey := o.KeyPrefix + key
	return f.rs.NewMutex(fullKey,
		redsync.WithExpiry(o.Expiry),
		redsync.WithTries(o.Tries),
		redsync.WithRetryDelay(o.RetryDelay),
		redsync.WithDriftFactor(o.DriftFactor),
		redsync.WithTimeoutFactor(o.TimeoutFactor),
		redsync.WithGenValueFunc(o.GenValueFunc),
		redsync.WithFailFast(o.FailFast),
		redsync.WithShufflePools(o.ShufflePools),
	), fullKey
}

func (f *redisFactory) newHandle(mutex *redsync.Mutex, fullKey string, o *mutexOptions) *redisLockHandle {
	return &redisLockHandle{
		lease: lease{
			key:        fullKey,
			holder:     mutex.Value(),
			acquiredAt: time.Now(),
			duration:   o.Expiry,
		},
		factory: f,
		mutex:   mutex,
	}
}

// Close 关闭工厂，不关闭 Redis 客户端。
func (f *redisFactory) Close(_ context.Context) error {
	f.closed.Store(true)
	return nil
}

// Health 对所有节点执行 PING。
func (f *redisFactory) Health(ctx context.Context) error {
	if f.closed.Load() {
		return ErrFactoryClosed
	}
	for _, client := range f.clients {
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Redsync 返回底层 redsync.Redsync 实例。
func (f *redisFactory) Redsync() Redsync {
	return f.rs
}

// =============================================================================
// Redis LockHandle 实现
// =============================================================================

type redisLockHandle struct {
	lease
	factory *redisFactory
	mutex   *redsync.Mutex
}

// Unlock 释放锁。工厂关闭后仍允许释放，避免锁悬挂到 TTL 过期。
func (h *redisLockHandle) Unlock(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		err = wrapRedisError(err)
		if errors.Is(err, ErrLockExpired) {
			return ErrNotLocked
		}
		return err
	}
	if !ok {
		return ErrNotLocked
	}
	return nil
}

// Extend 按原 Expiry 续期。
// ErrLockExpired 转为 ErrNotLocked（锁已失去），ErrExtendFailed 保持原义（可重试）。
func (h *redisLockHandle) Extend(ctx context.Context) error {
	ok, err := h.mutex.ExtendContext(ctx)
	if err != nil {
		err = wrapRedisError(err)
		if errors.Is(err, ErrLockExpired) {
			return ErrNotLocked
		}
		return err
	}
	if !ok {
		return ErrNotLocked
	}
	return nil
}

// Held 逐节点比对锁值，过半节点仍为本 holder 即视为持有。
// 无法确认（失败节点过多）时返回最后一个错误。
func (h *redisLockHandle) Held(ctx context.Context) (bool, error) {
	clients := h.factory.clients
	quorum := len(clients)/2 + 1

	var owned, failed int
	var lastErr error
	for _, client := range clients {
		v, err := client.Get(ctx, h.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			failed++
			lastErr = err
		case v == h.holder:
			owned++
		}
	}

	if owned >= quorum {
		return true, nil
	}
	if failed > len(clients)-quorum {
		return false, lastErr
	}
	return false, nil
}

// =============================================================================
// 错误转换
// =============================================================================

// wrapRedisError 将 redsync 错误转换为 xdlock 错误，保留原始错误链。
func wrapRedisError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var errTaken *redsync.ErrTaken
	if errors.As(err, &errTaken) {
		return fmt.Errorf("%w: %w", ErrLockHeld, err)
	}
	switch {
	case errors.Is(err, redsync.ErrFailed):
		return fmt.Errorf("%w: %w", ErrLockFailed, err)
	case errors.Is(err, redsync.ErrExtendFailed):
		return fmt.Errorf("%w: %w", ErrExtendFailed, err)
	case errors.Is(err, redsync.ErrLockAlreadyExpired):
		return fmt.Errorf("%w: %w", ErrLockExpired, err)
	}
	return err
}
