package xcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xguard/pkg/distributed/xdlock"
	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// newTestClient 创建连接 miniredis 的客户端。
func newTestClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:         mr.Addr(),
		DialTimeout:  200 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		PoolSize:     16,
		MaxRetries:   1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newTestStore 创建基于 miniredis 的 RedisStore。
func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(newTestClient(t, mr))
	require.NoError(t, err)
	return store, mr
}

// newTestLoader 创建 Loader，测试结束自动关闭。
func newTestLoader(t *testing.T, store Store, opts ...LoaderOption) Loader {
	t.Helper()
	all := append([]LoaderOption{WithLogger(xlog.Discard())}, opts...)
	l, err := NewLoader(store, all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l
}

// countingLoad 返回固定值并记录调用次数。
func countingLoad(value string, delay time.Duration) (LoadFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []byte(value), nil
	}, &calls
}

// recordingFactory 记录 Acquire 成功返回的锁句柄，用于检查释放情况。
type recordingFactory struct {
	xdlock.Factory

	mu      sync.Mutex
	handles []xdlock.LockHandle
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{Factory: xdlock.NewLocalFactory()}
}

func (f *recordingFactory) Acquire(ctx context.Context, key string, wait time.Duration, opts ...xdlock.MutexOption) (xdlock.LockHandle, error) {
	h, err := f.Factory.Acquire(ctx, key, wait, opts...)
	if err == nil {
		f.mu.Lock()
		f.handles = append(f.handles, h)
		f.mu.Unlock()
	}
	return h, err
}

func (f *recordingFactory) acquired() []xdlock.LockHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]xdlock.LockHandle(nil), f.handles...)
}

// requireAllReleased 断言所有记录的锁都已释放。
func requireAllReleased(t *testing.T, f *recordingFactory) {
	t.Helper()
	for _, h := range f.acquired() {
		held, err := h.Held(context.Background())
		require.NoError(t, err)
		require.False(t, held, "lock %s still held", h.Key())
	}
}

// failingFactory 模拟锁服务故障。
type failingFactory struct {
	xdlock.Factory
	err error
}

func (f failingFactory) Acquire(context.Context, string, time.Duration, ...xdlock.MutexOption) (xdlock.LockHandle, error) {
	return nil, f.err
}
