package xcache

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

const (
	// JitterMin、JitterMax 为 TTL 抖动系数区间 [0.9, 1.1)。
	JitterMin = 0.9
	JitterMax = 1.1

	// defaultOperationTimeout 脱离调用方取消链后的兜底超时。
	defaultOperationTimeout = 30 * time.Second

	floatBits  = 53
	floatScale = 1.0 / (1 << floatBits)
)

// randomFloat64 返回 [0.0, 1.0) 的随机数，使用 crypto/rand。
func randomFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return float64(binary.LittleEndian.Uint64(buf[:])>>11) * floatScale
}

// JitterTTL 返回 base × U(0.9, 1.1)，用于打散同批写入的过期时间，避免缓存雪崩。
// base <= 0 原样返回（不过期）。
func JitterTTL(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	factor := JitterMin + randomFloat64()*(JitterMax-JitterMin)
	ttl := time.Duration(float64(base) * factor)
	if ttl <= 0 {
		// 纳秒级 base 截断后可能为 0，0 在 Store 语义中是"不过期"
		return base
	}
	return ttl
}

// contextWithIndependentTimeout 脱离原始取消链并附加独立超时。
// 用于 singleflight 共享加载与锁释放，避免首个调用者取消影响他人。
//
//   - timeout == 0: 不设超时
//   - timeout < 0: 使用 defaultOperationTimeout
func contextWithIndependentTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	detached := context.WithoutCancel(ctx)
	if timeout == 0 {
		return context.WithCancel(detached)
	}
	if timeout < 0 {
		timeout = defaultOperationTimeout
	}
	return context.WithTimeout(detached, timeout)
}

// applyLoadTimeout 为回源调用附加超时，timeout == 0 表示不限。
func applyLoadTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 {
		return ctx, func() {}
	}
	if timeout < 0 {
		timeout = defaultOperationTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
