package xcache

import (
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalTier 进程内缓存层，用于多级读取。
//
// 本地层与远端相互独立：远端过期或被删除不会自动清理本地副本。
// 本地副本的淘汰依靠容量上限和可选 TTL；显式失效见 Loader.Invalidate
// 与 Loader.SubscribeInvalidations。
type LocalTier interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// sizer 可报告条目数的本地层。
type sizer interface {
	Len() int
}

// =============================================================================
// LRU 实现
// =============================================================================

// maxLRUSize LRU 最大条目数。
const maxLRUSize = 1 << 24

// LRUTier 基于 golang-lru expirable 的定长本地缓存。
type LRUTier struct {
	lru       *expirable.LRU[string, []byte]
	closeOnce sync.Once
}

// NewLRUTier 创建 LRU 本地层。
// size 为最大条目数；ttl 为本地副本存活时间，0 表示仅按容量淘汰。
func NewLRUTier(size int, ttl time.Duration) (*LRUTier, error) {
	if size <= 0 || size > maxLRUSize || ttl < 0 {
		return nil, ErrInvalidConfig
	}
	return &LRUTier{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}, nil
}

// Get 读取本地副本。
func (t *LRUTier) Get(key string) ([]byte, bool) { return t.lru.Get(key) }

// Set 写入本地副本，超出容量时淘汰最久未使用的条目。
func (t *LRUTier) Set(key string, value []byte) { t.lru.Add(key, value) }

// Delete 删除本地副本。
func (t *LRUTier) Delete(key string) { t.lru.Remove(key) }

// Len 返回条目数（可能包含尚未清理的过期条目）。
func (t *LRUTier) Len() int { return t.lru.Len() }

// Close 清空缓存并停止过期清理 goroutine。
//
// expirable.LRU 在 ttl > 0 时启动的清理 goroutine 没有公开的停止方法，
// 这里通过反射关闭其内部 done 通道。升级 golang-lru 版本后需验证字段名。
func (t *LRUTier) Close() error {
	t.closeOnce.Do(func() {
		t.lru.Purge()
		stopExpirableCleanup(t.lru)
	})
	return nil
}

func stopExpirableCleanup(lru *expirable.LRU[string, []byte]) {
	defer func() { _ = recover() }()

	v := reflect.ValueOf(lru).Elem().FieldByName("done")
	if !v.IsValid() || v.Kind() != reflect.Chan || v.IsNil() {
		return
	}
	done := *(*chan struct{})(unsafe.Pointer(v.UnsafeAddr())) //nolint:gosec // 访问上游未导出字段
	close(done)
}

// =============================================================================
// ristretto 实现
// =============================================================================

// MemoryOption 配置 MemoryTier。
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	numCounters int64
	maxCost     int64
	bufferItems int64
	ttl         time.Duration
}

// MinMemoryMaxCost 内存层最小容量（1MB）。
const MinMemoryMaxCost = 1 << 20

func defaultMemoryOptions() *memoryOptions {
	return &memoryOptions{
		numCounters: 1e6,
		maxCost:     64 << 20,
		bufferItems: 64,
	}
}

// WithMemoryNumCounters 设置频率计数器数量，建议为预期 key 数的 10 倍。默认 1e6。
func WithMemoryNumCounters(n int64) MemoryOption {
	return func(o *memoryOptions) {
		if n > 0 {
			o.numCounters = n
		}
	}
}

// WithMemoryMaxCost 设置容量上限（字节，按值长度计）。默认 64MB，最小 1MB。
func WithMemoryMaxCost(cost int64) MemoryOption {
	return func(o *memoryOptions) {
		if cost > 0 {
			o.maxCost = max(cost, MinMemoryMaxCost)
		}
	}
}

// WithMemoryBufferItems 设置写缓冲大小。默认 64。
func WithMemoryBufferItems(n int64) MemoryOption {
	return func(o *memoryOptions) {
		if n > 0 {
			o.bufferItems = n
		}
	}
}

// WithMemoryTTL 设置本地副本存活时间，0 表示仅按容量淘汰。
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

// MemoryTier 基于 ristretto 的按字节计费本地缓存。
//
// ristretto 写入是异步的，Set 内部调用 Wait 保证写入后立即可读。
// 准入策略（TinyLFU）可能拒绝低频 key，这不影响正确性，只降低本地命中率。
type MemoryTier struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

// MemoryStats 内存层统计。
type MemoryStats struct {
	Hits        uint64
	Misses      uint64
	HitRatio    float64
	KeysAdded   uint64
	KeysEvicted uint64
	CostAdded   uint64
	CostEvicted uint64
}

// NewMemoryTier 创建 ristretto 本地层。
func NewMemoryTier(opts ...MemoryOption) (*MemoryTier, error) {
	o := defaultMemoryOptions()
	for _, opt := range opts {
		opt(o)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        o.numCounters,
		MaxCost:            o.maxCost,
		BufferItems:        o.bufferItems,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryTier{cache: cache, ttl: o.ttl}, nil
}

// Get 读取本地副本。
func (t *MemoryTier) Get(key string) ([]byte, bool) { return t.cache.Get(key) }

// Set 写入本地副本并等待缓冲写完成。
func (t *MemoryTier) Set(key string, value []byte) {
	if t.cache.SetWithTTL(key, value, int64(len(value))+1, t.ttl) {
		t.cache.Wait()
	}
}

// Delete 删除本地副本。
func (t *MemoryTier) Delete(key string) { t.cache.Del(key) }

// Stats 返回 ristretto 统计。
func (t *MemoryTier) Stats() MemoryStats {
	m := t.cache.Metrics
	if m == nil {
		return MemoryStats{}
	}
	return MemoryStats{
		Hits:        m.Hits(),
		Misses:      m.Misses(),
		HitRatio:    m.Ratio(),
		KeysAdded:   m.KeysAdded(),
		KeysEvicted: m.KeysEvicted(),
		CostAdded:   m.CostAdded(),
		CostEvicted: m.CostEvicted(),
	}
}

// Close 关闭缓存，停止内部 goroutine。
func (t *MemoryTier) Close() error {
	t.cache.Close()
	return nil
}
