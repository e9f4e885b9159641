package xcache

import (
	"context"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// SourceLimiter 回源限流，保护慢速数据源。
//
// 返回 (false, nil) 时本次回源被拒绝，调用方收到 ErrLoadThrottled。
// 返回错误时放行（限流器故障不应阻断读取）。
type SourceLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SourceLimiterFunc 函数适配器。
type SourceLimiterFunc func(ctx context.Context, key string) (bool, error)

// Allow 实现 SourceLimiter。
func (f SourceLimiterFunc) Allow(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

// RedisSourceLimiter 基于 redis_rate（GCRA）的分布式回源限流，多实例共享配额。
type RedisSourceLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
	perKey  bool
}

// RedisLimiterOption 配置 RedisSourceLimiter。
type RedisLimiterOption func(*RedisSourceLimiter)

// WithLimiterPrefix 设置限流 key 前缀，默认 "xcache:source"。
func WithLimiterPrefix(prefix string) RedisLimiterOption {
	return func(r *RedisSourceLimiter) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithPerKeyLimit 按缓存 key 单独限流。默认所有 key 共享一个配额。
func WithPerKeyLimit() RedisLimiterOption {
	return func(r *RedisSourceLimiter) {
		r.perKey = true
	}
}

// NewRedisSourceLimiter 创建分布式回源限流器。
// limit 例如 redis_rate.PerSecond(100)。
func NewRedisSourceLimiter(client redis.UniversalClient, limit redis_rate.Limit, opts ...RedisLimiterOption) (*RedisSourceLimiter, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if limit.Rate <= 0 || limit.Burst <= 0 || limit.Period <= 0 {
		return nil, ErrInvalidConfig
	}
	r := &RedisSourceLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   limit,
		prefix:  "xcache:source",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Allow 消耗一个配额。
func (r *RedisSourceLimiter) Allow(ctx context.Context, key string) (bool, error) {
	limitKey := r.prefix
	if r.perKey {
		limitKey += ":" + key
	}
	res, err := r.limiter.Allow(ctx, limitKey, r.limit)
	if err != nil {
		return false, err
	}
	return res.Allowed > 0, nil
}
