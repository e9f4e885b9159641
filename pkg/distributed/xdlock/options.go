package xdlock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// maxKeyLength 锁 key 的最大长度（字节，不含前缀）。
const maxKeyLength = 512

// validateKey 验证锁 key 是否有效。
func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > maxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// =============================================================================
// etcd 工厂选项
// =============================================================================

// EtcdFactoryOption 定义 etcd 工厂的配置选项。
type EtcdFactoryOption func(*etcdFactoryOptions)

type etcdFactoryOptions struct {
	TTL     int             // Session TTL（秒），默认 60
	Context context.Context // Session 上下文，默认 context.Background()
}

func defaultEtcdFactoryOptions() *etcdFactoryOptions {
	return &etcdFactoryOptions{
		TTL:     60,
		Context: context.Background(),
	}
}

// WithEtcdTTL 设置 Session TTL（秒），即 etcd 锁的租约时长。
// 默认值：60 秒。
func WithEtcdTTL(ttl int) EtcdFactoryOption {
	return func(o *etcdFactoryOptions) {
		if ttl > 0 {
			o.TTL = ttl
		}
	}
}

// WithEtcdContext 设置 Session 的上下文。
// context 取消后 Session 关闭，基于它的锁全部失效。
func WithEtcdContext(ctx context.Context) EtcdFactoryOption {
	return func(o *etcdFactoryOptions) {
		if ctx != nil {
			o.Context = ctx
		}
	}
}

// =============================================================================
// 本地工厂选项
// =============================================================================

// LocalFactoryOption 定义进程内锁工厂的配置选项。
type LocalFactoryOption func(*localFactoryOptions)

type localFactoryOptions struct {
	Shards int // 分片数，默认 64
}

func defaultLocalFactoryOptions() *localFactoryOptions {
	return &localFactoryOptions{Shards: 64}
}

// WithLocalShards 设置分片数，减少不同 key 之间的锁竞争。
func WithLocalShards(n int) LocalFactoryOption {
	return func(o *localFactoryOptions) {
		if n > 0 {
			o.Shards = n
		}
	}
}

// =============================================================================
// Mutex 选项
// =============================================================================

// MutexOption 定义单次获取的配置选项。
type MutexOption func(*mutexOptions)

type mutexOptions struct {
	KeyPrefix string // 默认 "lock:"

	// Expiry 租约时长，默认 8s。etcd 后端由 Session TTL 决定，忽略此项。
	Expiry time.Duration

	// Redis 专用
	Tries         int           // 阻塞获取的最大尝试次数，默认 32
	RetryDelay    time.Duration // 尝试间隔，默认 200ms
	DriftFactor   float64       // 时钟漂移因子，默认 0.01
	TimeoutFactor float64       // 单节点超时因子，默认 0.05
	GenValueFunc  func() (string, error)
	FailFast      bool
	ShufflePools  bool
}

func defaultMutexOptions() *mutexOptions {
	return &mutexOptions{
		KeyPrefix:     "lock:",
		Expiry:        8 * time.Second,
		Tries:         32,
		RetryDelay:    200 * time.Millisecond,
		DriftFactor:   0.01,
		TimeoutFactor: 0.05,
		GenValueFunc:  genHolder,
	}
}

func buildMutexOptions(opts []MutexOption) *mutexOptions {
	o := defaultMutexOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// genHolder 生成持有者标识。
func genHolder() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// WithKeyPrefix 设置锁 key 的前缀，最终 key = prefix + key。
// 默认值："lock:"。
func WithKeyPrefix(prefix string) MutexOption {
	return func(o *mutexOptions) {
		o.KeyPrefix = prefix
	}
}

// WithExpiry 设置租约时长。
// 默认值：8 秒。租约应大于受保护操作的耗时，否则需要 Extend。
func WithExpiry(d time.Duration) MutexOption {
	return func(o *mutexOptions) {
		if d > 0 {
			o.Expiry = d
		}
	}
}

// WithTries 设置 Lock 的最大尝试次数（Redis）。
// 默认值：32。Acquire 按 wait 自行折算次数，不受此项约束。
func WithTries(n int) MutexOption {
	return func(o *mutexOptions) {
		if n > 0 {
			o.Tries = n
		}
	}
}

// WithRetryDelay 设置尝试间隔（Redis）。
// 默认值：200ms。
func WithRetryDelay(d time.Duration) MutexOption {
	return func(o *mutexOptions) {
		if d > 0 {
			o.RetryDelay = d
		}
	}
}

// WithDriftFactor 设置 Redlock 时钟漂移因子，必须 > 0。
func WithDriftFactor(f float64) MutexOption {
	return func(o *mutexOptions) {
		if f > 0 {
			o.DriftFactor = f
		}
	}
}

// WithTimeoutFactor 设置单节点超时因子，必须 > 0。
func WithTimeoutFactor(f float64) MutexOption {
	return func(o *mutexOptions) {
		if f > 0 {
			o.TimeoutFactor = f
		}
	}
}

// WithGenValueFunc 设置持有者标识生成函数，默认 UUIDv4。
// 生成的值必须全局唯一。
func WithGenValueFunc(fn func() (string, error)) MutexOption {
	return func(o *mutexOptions) {
		if fn != nil {
			o.GenValueFunc = fn
		}
	}
}

// WithFailFast 任一节点失败即放弃本轮尝试（Redlock 多节点）。
func WithFailFast(b bool) MutexOption {
	return func(o *mutexOptions) {
		o.FailFast = b
	}
}

// WithShufflePools 每次尝试随机打乱节点顺序（Redlock 多节点）。
func WithShufflePools(b bool) MutexOption {
	return func(o *mutexOptions) {
		o.ShufflePools = b
	}
}
