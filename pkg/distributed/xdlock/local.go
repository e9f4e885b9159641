package xdlock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// =============================================================================
// 进程内工厂实现
// =============================================================================

// localFactory 进程内租约锁，适用于单实例部署和测试。
// 按 key 哈希分片，每个 key 最多一个有效 handle，租约到期后可被接管。
type localFactory struct {
	shards []*localShard
	closed atomic.Bool
}

type localShard struct {
	mu      sync.Mutex
	holders map[string]*localLockHandle
}

// NewLocalFactory 创建进程内锁工厂。
func NewLocalFactory(opts ...LocalFactoryOption) Factory {
	options := defaultLocalFactoryOptions()
	for _, opt := range opts {
		opt(options)
	}

	shards := make([]*localShard, options.Shards)
	for i := range shards {
		shards[i] = &localShard{holders: make(map[string]*localLockHandle)}
	}
	return &localFactory{shards: shards}
}

func (f *localFactory) shard(fullKey string) *localShard {
	return f.shards[xxhash.Sum64String(fullKey)%uint64(len(f.shards))]
}

// Acquire 在 wait 时长内获取锁。
func (f *localFactory) Acquire(ctx context.Context, key string, wait time.Duration, opts ...MutexOption) (LockHandle, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	h, err := f.acquire(ctx, key, opts, wait > 0, deadline)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	return h, nil
}

// TryLock 非阻塞式获取锁。
func (f *localFactory) TryLock(ctx context.Context, key string, opts ...MutexOption) (LockHandle, error) {
	h, err := f.acquire(ctx, key, opts, false, nil)
	if h == nil {
		// 避免返回带类型的 nil 接口
		return nil, err
	}
	return h, err
}

// Lock 阻塞式获取锁，直到成功或 ctx 结束。
func (f *localFactory) Lock(ctx context.Context, key string, opts ...MutexOption) (LockHandle, error) {
	h, err := f.acquire(ctx, key, opts, true, nil)
	if h == nil {
		return nil, err
	}
	return h, err
}

// acquire 获取锁的主循环。block=false 时只尝试一次；
// deadline 触发时返回 (nil, nil)。
func (f *localFactory) acquire(ctx context.Context, key string, opts []MutexOption, block bool, deadline <-chan time.Time) (*localLockHandle, error) {
	if f.closed.Load() {
		return nil, ErrFactoryClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := buildMutexOptions(opts)
	fullKey := options.KeyPrefix + key
	s := f.shard(fullKey)

	for {
		s.mu.Lock()
		cur := s.holders[fullKey]
		now := time.Now()
		if cur == nil || !now.Before(cur.expiresAt) {
			h, err := f.install(s, cur, fullKey, options, now)
			s.mu.Unlock()
			return h, err
		}
		released, expiresAt := cur.released, cur.expiresAt
		s.mu.Unlock()

		if !block {
			return nil, nil
		}

		expire := time.NewTimer(time.Until(expiresAt))
		select {
		case <-ctx.Done():
			expire.Stop()
			return nil, ctx.Err()
		case <-deadline:
			expire.Stop()
			return nil, nil
		case <-released:
		case <-expire.C:
		}
		expire.Stop()
	}
}

// install 在持有分片锁时登记新 handle；旧 handle（已过期）被接管。
func (f *localFactory) install(s *localShard, prev *localLockHandle, fullKey string, o *mutexOptions, now time.Time) (*localLockHandle, error) {
	holder, err := o.GenValueFunc()
	if err != nil {
		return nil, err
	}
	if prev != nil {
		prev.markReleased()
	}

	h := &localLockHandle{
		lease: lease{
			key:        fullKey,
			holder:     holder,
			acquiredAt: now,
			duration:   o.Expiry,
		},
		shard:     s,
		expiresAt: now.Add(o.Expiry),
		released:  make(chan struct{}),
	}
	s.holders[fullKey] = h
	return h, nil
}

// Close 关闭工厂。
func (f *localFactory) Close(_ context.Context) error {
	f.closed.Store(true)
	return nil
}

// Health 进程内实现始终健康，关闭后返回 ErrFactoryClosed。
func (f *localFactory) Health(_ context.Context) error {
	if f.closed.Load() {
		return ErrFactoryClosed
	}
	return nil
}

// =============================================================================
// 本地 LockHandle 实现
// =============================================================================

type localLockHandle struct {
	lease
	shard *localShard

	// expiresAt 受 shard.mu 保护
	expiresAt time.Time
	released  chan struct{}
	once      sync.Once
}

func (h *localLockHandle) markReleased() {
	h.once.Do(func() { close(h.released) })
}

// ownedLocked 报告 handle 是否仍有效，调用方必须持有 shard.mu。
func (h *localLockHandle) ownedLocked(now time.Time) bool {
	return h.shard.holders[h.key] == h && now.Before(h.expiresAt)
}

// Unlock 释放锁。
func (h *localLockHandle) Unlock(_ context.Context) error {
	h.shard.mu.Lock()
	defer h.shard.mu.Unlock()

	if !h.ownedLocked(time.Now()) {
		return ErrNotLocked
	}
	delete(h.shard.holders, h.key)
	h.markReleased()
	return nil
}

// Extend 从当前时刻起重新计算租约。
func (h *localLockHandle) Extend(_ context.Context) error {
	h.shard.mu.Lock()
	defer h.shard.mu.Unlock()

	now := time.Now()
	if !h.ownedLocked(now) {
		return ErrNotLocked
	}
	h.expiresAt = now.Add(h.duration)
	return nil
}

// Held 报告是否仍持有锁。
func (h *localLockHandle) Held(_ context.Context) (bool, error) {
	h.shard.mu.Lock()
	defer h.shard.mu.Unlock()
	return h.ownedLocked(time.Now()), nil
}
