package xdlock

import "errors"

// 预定义错误。
// 使用 errors.Is 进行错误匹配，例如：
//
//	if errors.Is(err, xdlock.ErrLockTimeout) {
//	    // 等待超时
//	}
var (
	// ErrLockHeld 锁被其他持有者占用。
	// TryLock 会把它转换为 (nil, nil)，一般只在后端错误映射中出现。
	ErrLockHeld = errors.New("xdlock: lock is held by another owner")

	// ErrLockTimeout 在等待时限内未能获取锁。
	ErrLockTimeout = errors.New("xdlock: timed out waiting for lock")

	// ErrLockFailed 获取锁失败（重试耗尽等）。
	ErrLockFailed = errors.New("xdlock: failed to acquire lock")

	// ErrLockExpired 锁已过期或被其他持有者抢走。
	ErrLockExpired = errors.New("xdlock: lock expired or stolen")

	// ErrExtendFailed 续期失败，锁可能仍在，可重试。
	ErrExtendFailed = errors.New("xdlock: failed to extend lock")

	// ErrNilClient 客户端为空。
	ErrNilClient = errors.New("xdlock: client is nil")

	// ErrSessionExpired etcd Session 已过期，需要重新创建 Factory。
	ErrSessionExpired = errors.New("xdlock: session expired")

	// ErrFactoryClosed 工厂已关闭。
	ErrFactoryClosed = errors.New("xdlock: factory is closed")

	// ErrNotLocked 锁未被本 handle 持有。
	ErrNotLocked = errors.New("xdlock: not locked")

	// ErrEmptyKey 锁 key 为空。空白字符是合法 key。
	ErrEmptyKey = errors.New("xdlock: key must not be empty")

	// ErrKeyTooLong 锁 key 超过 512 字节。
	ErrKeyTooLong = errors.New("xdlock: key exceeds maximum length of 512 bytes")
)
