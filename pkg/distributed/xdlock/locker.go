package xdlock

import (
	"context"
	"time"
)

// =============================================================================
// LockHandle - 租约句柄
// =============================================================================

// LockHandle 表示一次成功的锁获取（一份租约）。
//
// 每次获取成功都会返回新的 handle，内部带有唯一的持有者标识。
// 同一锁名在任意时刻最多只有一个有效 handle。
//
//	handle, err := factory.Acquire(ctx, "user:42", 3*time.Second, xdlock.WithExpiry(10*time.Second))
//	if errors.Is(err, xdlock.ErrLockTimeout) {
//	    return nil // 等待超时，由调用方决定是否重试
//	}
//	if err != nil {
//	    return err
//	}
//	defer handle.Unlock(context.WithoutCancel(ctx))
type LockHandle interface {
	// Unlock 释放锁。
	//
	// 只释放本次获取的锁。锁已过期或已被他人接管时返回 [ErrNotLocked]。
	Unlock(ctx context.Context) error

	// Extend 续期锁。
	//
	// Redis/本地后端：按获取时的 Expiry 重新计时。
	// etcd 后端：Session 自动续期，仅检查 Session 状态。
	Extend(ctx context.Context) error

	// Held 查询本 handle 当前是否仍持有锁。
	//
	// 释放后或租约过期后返回 false。
	Held(ctx context.Context) (bool, error)

	// Key 返回完整锁名（含前缀），例如 "lock:user:42"。
	Key() string

	// Holder 返回本次获取的唯一持有者标识。
	Holder() string

	// AcquiredAt 返回获取时间。
	AcquiredAt() time.Time

	// Lease 返回租约时长。
	Lease() time.Duration
}

// Factory 定义锁工厂接口。
// 工厂管理底层连接，并提供锁操作。
type Factory interface {
	// Acquire 在 wait 时长内尝试获取锁。
	//
	// 超过 wait 仍未获取返回 [ErrLockTimeout]；ctx 取消返回 ctx.Err()。
	// wait <= 0 时只尝试一次。
	Acquire(ctx context.Context, key string, wait time.Duration, opts ...MutexOption) (LockHandle, error)

	// TryLock 非阻塞式获取锁。
	//
	// 锁被占用时返回 (nil, nil)，err 仅表示锁服务异常。
	TryLock(ctx context.Context, key string, opts ...MutexOption) (LockHandle, error)

	// Lock 阻塞式获取锁，直到成功或 ctx 取消/超时。
	Lock(ctx context.Context, key string, opts ...MutexOption) (LockHandle, error)

	// Close 关闭工厂。关闭后不能再获取新锁，已有 handle 仍可释放。
	Close(ctx context.Context) error

	// Health 检查底层连接。
	Health(ctx context.Context) error
}

// EtcdFactory 扩展 Factory，暴露 etcd Session。
type EtcdFactory interface {
	Factory

	// Session 返回底层 concurrency.Session。
	Session() Session
}

// RedisFactory 扩展 Factory，暴露 redsync 实例。
type RedisFactory interface {
	Factory

	// Redsync 返回底层 redsync.Redsync 实例。
	Redsync() Redsync
}

// =============================================================================
// 公共租约信息
// =============================================================================

// lease 各后端 handle 共享的租约元数据。
type lease struct {
	key        string
	holder     string
	acquiredAt time.Time
	duration   time.Duration
}

func (l lease) Key() string           { return l.key }
func (l lease) Holder() string        { return l.holder }
func (l lease) AcquiredAt() time.Time { return l.acquiredAt }
func (l lease) Lease() time.Duration  { return l.duration }
