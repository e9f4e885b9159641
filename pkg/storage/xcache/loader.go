package xcache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LoadFunc 从权威数据源加载数据。
//
// 返回 (nil, nil) 表示数据源没有该值：结果原样返回给调用方，但不会写入缓存。
// 空切片 []byte{} 是合法值，会被缓存。
type LoadFunc func(ctx context.Context) ([]byte, error)

// Strategy 读取策略。
type Strategy int

const (
	// StrategyMutex 分布式锁保护的读取，防止缓存击穿。
	StrategyMutex Strategy = iota
	// StrategyJitter TTL 随机抖动的读取，防止缓存雪崩。
	StrategyJitter
	// StrategyRefresh 命中后台刷新的读取，用于热点 key。
	StrategyRefresh
	// StrategyMultiLevel 本地 + 远端两级读取。
	StrategyMultiLevel
)

var strategyNames = [...]string{"mutex", "jitter", "refresh", "multi"}

// String 返回策略名。
func (s Strategy) String() string {
	if s >= 0 && int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy 解析策略名（大小写不敏感），支持 mutex/jitter/refresh/multi。
func ParseStrategy(s string) (Strategy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	if name == "multilevel" || name == "multi-level" {
		return StrategyMultiLevel, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// UnmarshalText 支持从配置文件直接解析策略。
func (s *Strategy) UnmarshalText(data []byte) error {
	parsed, err := ParseStrategy(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Loader 缓存编排器：在调用方与慢速数据源之间提供防击穿、防雪崩、
// 热点后台刷新与两级缓存读取。
//
// 所有方法并发安全。
type Loader interface {
	// LoadWithMutex 未命中时通过分布式锁保证同一时刻只有一个回源。
	//
	// 流程：读缓存 → 未命中等锁（LockWait）→ 拿到锁后再读一次缓存 →
	// 仍未命中则回源并以 JitterTTL(ttl) 写入 → 释放锁。
	// 等锁超时则停顿 LockRetryPause 后从读缓存重新开始，
	// 最多 MaxLockAttempts 轮，耗尽返回 ErrLockContention。
	// 等锁期间 ctx 取消返回 ErrInterrupted。
	LoadWithMutex(ctx context.Context, key string, fn LoadFunc, ttl time.Duration) ([]byte, error)

	// LoadWithJitter 未命中时直接回源，以 JitterTTL(ttl) 写入。
	LoadWithJitter(ctx context.Context, key string, fn LoadFunc, ttl time.Duration) ([]byte, error)

	// LoadWithRefresh 命中时立即返回并提交后台刷新任务：
	// 剩余 TTL 小于 refreshInterval/2 时重新回源，以 2*refreshInterval 写入。
	// 未命中时同步回源，以 2*refreshInterval 写入。
	// 没有过期时间的 key（NoExpiry，例如 ttl 为 0 的预热）不会被后台刷新。
	// 后台刷新失败只记录日志与统计。
	LoadWithRefresh(ctx context.Context, key string, fn LoadFunc, refreshInterval time.Duration) ([]byte, error)

	// LoadMultiLevel 先查本地层，再查远端（命中后回填本地），
	// 都未命中则回源，以 JitterTTL(ttl) 写远端并写本地。
	// local 为 nil 时使用 WithLocalTier 配置的本地层。
	LoadMultiLevel(ctx context.Context, key string, local LocalTier, fn LoadFunc, ttl time.Duration) ([]byte, error)

	// Load 按 strategy 分派到上述方法。
	// StrategyRefresh 时 ttl 作为 refreshInterval；StrategyMultiLevel 使用默认本地层。
	Load(ctx context.Context, key string, fn LoadFunc, strategy Strategy, ttl time.Duration) ([]byte, error)

	// Preheat 无条件写入，TTL 为 JitterTTL(ttl)。重复调用只刷新值和过期时间。
	Preheat(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate 删除远端 key；按配置同时删除本地副本并广播失效。
	Invalidate(ctx context.Context, key string) error

	// SubscribeInvalidations 订阅失效广播，删除本进程默认本地层中的副本。
	// 阻塞直到 ctx 结束。需要 WithInvalidationChannel 与 WithLocalTier。
	SubscribeInvalidations(ctx context.Context) error

	// Stats 返回运行统计快照。
	Stats() Stats

	// Close 停止后台刷新池，等待进行中的任务结束或 ctx 到期。
	Close(ctx context.Context) error
}

// NewLoader 创建 Loader。store 为远端存储，必需。
func NewLoader(store Store, opts ...LoaderOption) (Loader, error) {
	if store == nil {
		return nil, ErrNilClient
	}

	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(options)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	return newLoader(store, options), nil
}
