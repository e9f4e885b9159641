package xcache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// NoExpiry 表示 key 存在但没有过期时间，由 Store.TTL 返回。
const NoExpiry time.Duration = -1

//go:generate mockgen -source=store.go -destination=mock_store_test.go -package=xcache

// Store 远端 KV 存储，支持 TTL。
//
// 所有实现必须满足：
//   - Get 未命中返回 [ErrNotFound]
//   - TTL 不存在返回 [ErrNotFound]，无过期时间返回 [NoExpiry]
//   - Set 的 ttl <= 0 表示不过期
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// =============================================================================
// Redis 实现
// =============================================================================

// RedisStore 基于 go-redis 的 Store 实现。
// 支持单机、集群、哨兵（redis.UniversalClient）。
type RedisStore struct {
	client redis.UniversalClient
	closed atomic.Bool
}

// NewRedisStore 创建 Redis 存储。客户端生命周期随 Close 结束。
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &RedisStore{client: client}, nil
}

// Get 读取 key。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

// Set 写入 key，ttl <= 0 表示不过期。
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Delete 删除 key，key 不存在不报错。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// TTL 返回剩余存活时间。
// Redis PTTL 返回 -2 表示 key 不存在，-1 表示未设置过期。
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case d == -2*time.Millisecond || d == -2:
		return 0, ErrNotFound
	case d == -1*time.Millisecond || d == -1:
		return NoExpiry, nil
	}
	return d, nil
}

// Client 返回底层 Redis 客户端。
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Close 关闭底层客户端，重复调用安全。
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
