package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omeyang/xguard/pkg/config/xconf"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/storage/xcache"
)

// ErrInvalidConfig 配置校验失败。
var ErrInvalidConfig = errors.New("config: invalid config")

// 锁后端。
const (
	BackendRedis = "redis"
	BackendEtcd  = "etcd"
	BackendLocal = "local"
)

// 本地层类型。
const (
	LocalNone   = "none"
	LocalLRU    = "lru"
	LocalMemory = "memory"
)

// Config xguard 完整配置。
type Config struct {
	Redis   Redis   `koanf:"redis"`
	Etcd    Etcd    `koanf:"etcd"`
	Lock    Lock    `koanf:"lock"`
	Cache   Cache   `koanf:"cache"`
	Local   Local   `koanf:"local"`
	Limiter Limiter `koanf:"limiter"`
	Breaker Breaker `koanf:"breaker"`
	Log     Log     `koanf:"log"`
	Metrics Metrics `koanf:"metrics"`
	Preheat Preheat `koanf:"preheat"`
}

// Redis 缓存存储连接。多个地址时按集群模式连接。
type Redis struct {
	Addrs        []string      `koanf:"addrs"`
	Username     string        `koanf:"username"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Etcd 锁后端为 etcd 时使用。
type Etcd struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	// SessionTTL 会话租约秒数
	SessionTTL int `koanf:"session_ttl"`
}

// Lock 互斥读取的锁参数。
type Lock struct {
	Backend      string        `koanf:"backend"`
	Wait         time.Duration `koanf:"wait"`
	Lease        time.Duration `koanf:"lease"`
	RetryPause   time.Duration `koanf:"retry_pause"`
	MaxAttempts  uint          `koanf:"max_attempts"`
	Singleflight bool          `koanf:"singleflight"`
}

// Cache 读取策略与刷新参数。
type Cache struct {
	Strategy            string        `koanf:"strategy"`
	TTL                 time.Duration `koanf:"ttl"`
	RefreshInterval     time.Duration `koanf:"refresh_interval"`
	LoadTimeout         time.Duration `koanf:"load_timeout"`
	RefreshWorkers      int           `koanf:"refresh_workers"`
	RefreshQueueSize    int           `koanf:"refresh_queue_size"`
	InvalidationChannel string        `koanf:"invalidation_channel"`
	InvalidateLocal     bool          `koanf:"invalidate_local"`
}

// Local 进程内本地层。
type Local struct {
	Kind string        `koanf:"kind"`
	Size int           `koanf:"size"`
	TTL  time.Duration `koanf:"ttl"`
	// MaxCost 仅 memory 生效，按字节计
	MaxCost int64 `koanf:"max_cost"`
}

// Limiter 回源限流。
type Limiter struct {
	Enabled bool          `koanf:"enabled"`
	Rate    int           `koanf:"rate"`
	Burst   int           `koanf:"burst"`
	Period  time.Duration `koanf:"period"`
	PerKey  bool          `koanf:"per_key"`
	Prefix  string        `koanf:"prefix"`
}

// Breaker 存储熔断。
type Breaker struct {
	Enabled  bool          `koanf:"enabled"`
	Failures uint32        `koanf:"failures"`
	Timeout  time.Duration `koanf:"timeout"`
}

// Log 日志输出。File 为空时写 stderr。
type Log struct {
	Level     string        `koanf:"level"`
	Format    string        `koanf:"format"`
	AddSource bool          `koanf:"add_source"`
	File      string        `koanf:"file"`
	Rotation  xlog.Rotation `koanf:"rotation"`
}

// Metrics 指标与链路。Addr 为空时不启动 HTTP 导出。
type Metrics struct {
	Addr      string `koanf:"addr"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Tracing   bool   `koanf:"tracing"`
}

// Preheat 预热调度。
type Preheat struct {
	Seconds  bool          `koanf:"seconds"`
	Timeout  time.Duration `koanf:"timeout"`
	Location string        `koanf:"location"`
	Jobs     []PreheatJob  `koanf:"jobs"`
}

// PreheatJob 单个预热任务。Source 与 Value 二选一：
// Source 为权威数据所在的 Redis key，Value 为固定值。
type PreheatJob struct {
	Spec   string        `koanf:"spec"`
	Key    string        `koanf:"key"`
	Source string        `koanf:"source"`
	Value  string        `koanf:"value"`
	TTL    time.Duration `koanf:"ttl"`
}

// Default 返回默认配置。
func Default() Config {
	return Config{
		Redis: Redis{
			Addrs:        []string{"127.0.0.1:6379"},
			PoolSize:     32,
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		Etcd: Etcd{
			DialTimeout: 5 * time.Second,
			SessionTTL:  60,
		},
		Lock: Lock{
			Backend:      BackendRedis,
			Wait:         xcache.DefaultLockWait,
			Lease:        xcache.DefaultLockLease,
			RetryPause:   xcache.DefaultLockRetryPause,
			MaxAttempts:  xcache.DefaultMaxLockAttempts,
			Singleflight: true,
		},
		Cache: Cache{
			Strategy:         xcache.StrategyMutex.String(),
			TTL:              5 * time.Minute,
			RefreshInterval:  time.Minute,
			LoadTimeout:      xcache.DefaultLoadTimeout,
			RefreshWorkers:   xcache.DefaultRefreshWorkers,
			RefreshQueueSize: xcache.DefaultRefreshQueueSize,
			InvalidateLocal:  true,
		},
		Local: Local{
			Kind:    LocalLRU,
			Size:    10000,
			TTL:     30 * time.Second,
			MaxCost: 64 << 20,
		},
		Limiter: Limiter{
			Rate:   100,
			Burst:  100,
			Period: time.Second,
		},
		Breaker: Breaker{
			Failures: 5,
			Timeout:  30 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Path:      "/metrics",
			Namespace: "xguard",
		},
		Preheat: Preheat{
			Timeout: xcache.DefaultPreheatTimeout,
		},
	}
}

// Load 在默认配置之上加载文件。path 为空时只返回默认配置，
// 返回的 xconf.Config 为 nil。
func Load(path string) (Config, xconf.Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil, cfg.Validate()
	}
	src, err := xconf.New(path)
	if err != nil {
		return cfg, nil, err
	}
	cfg, err = FromSource(src)
	return cfg, src, err
}

// FromSource 从已加载的配置源解析，用于热重载后重新读取。
func FromSource(src xconf.Config) (Config, error) {
	cfg := Default()
	if err := src.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ParsedStrategy 返回解析后的默认读取策略。
func (c Cache) ParsedStrategy() (xcache.Strategy, error) {
	return xcache.ParseStrategy(c.Strategy)
}

// Validate 校验配置，返回所有问题。
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if len(c.Redis.Addrs) == 0 {
		add("redis.addrs must not be empty")
	}
	if c.Redis.PoolSize < 0 {
		add("redis.pool_size must not be negative")
	}

	switch strings.ToLower(c.Lock.Backend) {
	case BackendRedis, BackendLocal:
	case BackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			add("etcd.endpoints required for etcd lock backend")
		}
	default:
		add("lock.backend %q (expected redis, etcd or local)", c.Lock.Backend)
	}
	if c.Lock.Wait <= 0 || c.Lock.Lease <= 0 {
		add("lock.wait and lock.lease must be positive")
	}
	if c.Lock.MaxAttempts == 0 {
		add("lock.max_attempts must be at least 1")
	}

	if _, err := c.Cache.ParsedStrategy(); err != nil {
		add("cache.strategy: %v", err)
	}
	if c.Cache.TTL <= 0 || c.Cache.RefreshInterval <= 0 {
		add("cache.ttl and cache.refresh_interval must be positive")
	}
	if c.Cache.RefreshWorkers <= 0 || c.Cache.RefreshQueueSize <= 0 {
		add("cache.refresh_workers and cache.refresh_queue_size must be positive")
	}

	switch strings.ToLower(c.Local.Kind) {
	case LocalNone, "":
	case LocalLRU, LocalMemory:
		if c.Local.Size <= 0 {
			add("local.size must be positive")
		}
		if c.Local.TTL < 0 {
			add("local.ttl must not be negative")
		}
	default:
		add("local.kind %q (expected none, lru or memory)", c.Local.Kind)
	}

	if c.Limiter.Enabled && (c.Limiter.Rate <= 0 || c.Limiter.Burst <= 0 || c.Limiter.Period <= 0) {
		add("limiter rate, burst and period must be positive")
	}
	if c.Breaker.Enabled && c.Breaker.Failures == 0 {
		add("breaker.failures must be at least 1")
	}
	if _, err := xlog.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		add("log.format %q (expected text or json)", c.Log.Format)
	}

	if c.Preheat.Location != "" {
		if _, err := time.LoadLocation(c.Preheat.Location); err != nil {
			add("preheat.location: %v", err)
		}
	}
	for i, job := range c.Preheat.Jobs {
		switch {
		case strings.TrimSpace(job.Spec) == "" || strings.TrimSpace(job.Key) == "":
			add("preheat.jobs[%d]: spec and key required", i)
		case (job.Source == "") == (job.Value == ""):
			add("preheat.jobs[%d]: exactly one of source and value required", i)
		case job.TTL <= 0:
			add("preheat.jobs[%d]: ttl must be positive", i)
		}
	}
	return errors.Join(errs...)
}
