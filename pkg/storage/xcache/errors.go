package xcache

import "errors"

// 预定义错误。使用 errors.Is 匹配。
var (
	// ErrNotFound key 在存储中不存在。
	ErrNotFound = errors.New("xcache: key not found")

	// ErrLockContention 锁竞争重试次数耗尽，仍未读到缓存也未获得锁。
	ErrLockContention = errors.New("xcache: lock contention retries exhausted")

	// ErrLoaderFailed 回源函数返回错误，结果未写入缓存。
	// 返回的错误同时包裹原始错误，可用 errors.Is 匹配业务错误。
	ErrLoaderFailed = errors.New("xcache: loader failed")

	// ErrLoadPanic 回源函数发生 panic，已被恢复。
	ErrLoadPanic = errors.New("xcache: loader panicked")

	// ErrInterrupted 读缓存或等锁期间调用方 context 被取消或超时。
	// 同时包裹 context 错误。
	ErrInterrupted = errors.New("xcache: interrupted")

	// ErrLoadThrottled 回源被限流器拒绝。
	ErrLoadThrottled = errors.New("xcache: load throttled")

	// ErrEmptyKey key 为空字符串。key 不透明，仅含空白的 key 合法。
	ErrEmptyKey = errors.New("xcache: key must not be empty")

	// ErrNilLoader 回源函数为 nil。
	ErrNilLoader = errors.New("xcache: loader function is nil")

	// ErrNilClient 客户端或存储为 nil。
	ErrNilClient = errors.New("xcache: client is nil")

	// ErrNoLocalTier 多级读取既未传入也未配置本地缓存。
	ErrNoLocalTier = errors.New("xcache: no local tier configured")

	// ErrNoLocker 互斥策略未配置锁工厂。
	ErrNoLocker = errors.New("xcache: no lock factory configured")

	// ErrInvalidConfig 配置无效。
	ErrInvalidConfig = errors.New("xcache: invalid config")

	// ErrUnknownStrategy 未知的读取策略。
	ErrUnknownStrategy = errors.New("xcache: unknown strategy")

	// ErrClosed Loader 已关闭。
	ErrClosed = errors.New("xcache: loader is closed")
)
