package xdlock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// =============================================================================
// etcd 工厂实现
// =============================================================================

type etcdFactory struct {
	client  *clientv3.Client
	session *concurrency.Session
	options *etcdFactoryOptions
	gate    *localFactory
	closed  atomic.Bool
}

// NewEtcdFactory 创建 etcd 锁工厂。
// 租约时长由 Session TTL 决定（WithEtcdTTL），Session 自动续期。
func NewEtcdFactory(client *clientv3.Client, opts ...EtcdFactoryOption) (EtcdFactory, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	options := defaultEtcdFactoryOptions()
	for _, opt := range opts {
		opt(options)
	}

	session, err := concurrency.NewSession(
		client,
		concurrency.WithTTL(options.TTL),
		concurrency.WithContext(options.Context),
	)
	if err != nil {
		return nil, err
	}

	return &etcdFactory{
		client:  client,
		session: session,
		options: options,
		gate:    NewLocalFactory().(*localFactory),
	}, nil
}

func (f *etcdFactory) check(key string) error {
	if f.closed.Load() {
		return ErrFactoryClosed
	}
	select {
	case <-f.session.Done():
		return ErrSessionExpired
	default:
	}
	return validateKey(key)
}

// Acquire 在 wait 时长内获取锁。
func (f *etcdFactory) Acquire(ctx context.Context, key string, wait time.Duration, opts ...MutexOption) (LockHandle, error) {
	if err := f.check(key); err != nil {
		return nil, err
	}

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if wait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, wait)
	}
	defer cancel()

	h, err := f.acquire(waitCtx, key, opts, wait > 0)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if waitCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	return h, nil
}

// TryLock 非阻塞式获取锁。
func (f *etcdFactory) TryLock(ctx context.Context, key string, opts ...MutexOption) (LockHandle, error) {
	if err := f.check(key); err != nil {
		return nil, err
	}
	h, err := f.acquire(ctx, key, opts, false)
	if h == nil {
		return nil, err
	}
	return h, nil
}

// Lock 阻塞式获取锁。
func (f *etcdFactory) Lock(ctx context.Context, key string, opts ...MutexOption) (LockHandle, error) {
	if err := f.check(key); err != nil {
		return nil, err
	}
	h, err := f.acquire(ctx, key, opts, true)
	if h == nil {
		return nil, err
	}
	return h, nil
}

// acquire 先取进程内闸门再取 etcd 锁。
// 同一 Session 上的 etcd Mutex 是可重入的，进程内的竞争必须由闸门串行化。
// block=false 且锁被占用时返回 (nil, nil)。
func (f *etcdFactory) acquire(ctx context.Context, key string, opts []MutexOption, block bool) (*etcdLockHandle, error) {
	ttl := time.Duration(f.options.TTL) * time.Second
	gateOpts := append(append([]MutexOption{}, opts...), WithExpiry(ttl))
	gate, err := f.gate.acquire(ctx, key, gateOpts, block, nil)
	if gate == nil {
		return nil, err
	}

	mutex, fullKey := f.newMutex(key, opts)
	if block {
		err = mutex.Lock(ctx)
	} else {
		err = mutex.TryLock(ctx)
	}
	if err != nil {
		_ = gate.Unlock(ctx)
		err = wrapEtcdError(err)
		if !block && errors.Is(err, ErrLockHeld) {
			return nil, nil
		}
		return nil, err
	}
	return f.newHandle(mutex, fullKey, gate), nil
}

func (f *etcdFactory) newMutex(key string, opts []MutexOption) (*concurrency.Mutex, string) {
	fullKey := buildMutexOptions(opts).KeyPrefix + key
	return concurrency.NewMutex(f.session, fullKey), fullKey
}

func (f *etcdFactory) newHandle(mutex *concurrency.Mutex, fullKey string, gate *localLockHandle) *etcdLockHandle {
	return &etcdLockHandle{
		lease: lease{
			key:        fullKey,
			holder:     mutex.Key(),
			acquiredAt: time.Now(),
			duration:   time.Duration(f.options.TTL) * time.Second,
		},
		factory: f,
		mutex:   mutex,
		gate:    gate,
	}
}

// Close 关闭工厂并释放 Session，Session 上的锁随之失效。
func (f *etcdFactory) Close(_ context.Context) error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.session.Close()
}

// Health 检查 Session 状态并执行一次读取。
func (f *etcdFactory) Health(ctx context.Context) error {
	if f.closed.Load() {
		return ErrFactoryClosed
	}
	select {
	case <-f.session.Done():
		return ErrSessionExpired
	default:
	}
	_, err := f.client.Get(ctx, "health-check-key", clientv3.WithLimit(1))
	return err
}

// Session 返回底层 concurrency.Session。
func (f *etcdFactory) Session() Session {
	return f.session
}

// =============================================================================
// etcd LockHandle 实现
// =============================================================================

type etcdLockHandle struct {
	lease
	factory *etcdFactory
	mutex   *concurrency.Mutex
	gate    *localLockHandle
}

// Unlock 释放锁。
func (h *etcdLockHandle) Unlock(ctx context.Context) error {
	select {
	case <-h.factory.session.Done():
		return ErrSessionExpired
	default:
	}
	defer func() { _ = h.gate.Unlock(ctx) }()
	if err := h.mutex.Unlock(ctx); err != nil {
		return wrapEtcdError(err)
	}
	return nil
}

// Extend 仅检查 Session 状态，续期由 Session 心跳完成。
func (h *etcdLockHandle) Extend(_ context.Context) error {
	select {
	case <-h.factory.session.Done():
		return ErrSessionExpired
	default:
		return nil
	}
}

// Held 通过事务比较本 handle 的 key 是否仍是最早的持有者。
func (h *etcdLockHandle) Held(ctx context.Context) (bool, error) {
	resp, err := h.factory.client.Txn(ctx).If(h.mutex.IsOwner()).Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

// =============================================================================
// 错误转换
// =============================================================================

// wrapEtcdError 将 etcd concurrency 错误转换为 xdlock 错误。
func wrapEtcdError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, concurrency.ErrLocked):
		return ErrLockHeld
	case errors.Is(err, concurrency.ErrSessionExpired):
		return ErrSessionExpired
	case errors.Is(err, concurrency.ErrLockReleased):
		return ErrNotLocked
	}
	return err
}
