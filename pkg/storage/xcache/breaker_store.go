package xcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrStoreUnavailable 存储熔断器处于打开或半开限流状态，请求未发往后端。
var ErrStoreUnavailable = errors.New("xcache: store circuit open")

// BreakerOption 配置 BreakerStore。
type BreakerOption func(*breakerOptions)

type breakerOptions struct {
	name                string
	consecutiveFailures uint32
	timeout             time.Duration
	maxRequests         uint32
	onStateChange       func(name string, from, to gobreaker.State)
}

func defaultBreakerOptions() *breakerOptions {
	return &breakerOptions{
		name:                "xcache-store",
		consecutiveFailures: 5,
		timeout:             30 * time.Second,
		maxRequests:         1,
	}
}

// WithBreakerName 设置熔断器名称，用于状态回调与日志。
func WithBreakerName(name string) BreakerOption {
	return func(o *breakerOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithBreakerFailures 连续失败 n 次后打开熔断器。默认 5。
func WithBreakerFailures(n uint32) BreakerOption {
	return func(o *breakerOptions) {
		if n > 0 {
			o.consecutiveFailures = n
		}
	}
}

// WithBreakerTimeout 打开状态持续多久后进入半开。默认 30s。
func WithBreakerTimeout(d time.Duration) BreakerOption {
	return func(o *breakerOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBreakerStateChange 设置状态变化回调。
func WithBreakerStateChange(fn func(name string, from, to gobreaker.State)) BreakerOption {
	return func(o *breakerOptions) {
		o.onStateChange = fn
	}
}

// BreakerStore 为 Store 加上熔断保护。
//
// 远端存储持续故障时快速失败，避免每次读取都等到超时；
// Loader 把存储错误当作未命中处理，请求会降级到回源。
// ErrNotFound 与 context 取消不计为失败。
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore 包装 store。
func NewBreakerStore(store Store, opts ...BreakerOption) (*BreakerStore, error) {
	if store == nil {
		return nil, ErrNilClient
	}
	o := defaultBreakerOptions()
	for _, opt := range opts {
		opt(o)
	}

	st := gobreaker.Settings{
		Name:        o.name,
		MaxRequests: o.maxRequests,
		Timeout:     o.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.consecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: o.onStateChange,
	}
	return &BreakerStore{next: store, cb: gobreaker.NewCircuitBreaker[any](st)}, nil
}

// State 返回当前熔断状态。
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) execute(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return v, err
}

// Get 读取 key。
func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.execute(func() (any, error) { return s.next.Get(ctx, key) })
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	return b, nil
}

// Set 写入 key。
func (s *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.execute(func() (any, error) { return nil, s.next.Set(ctx, key, value, ttl) })
	return err
}

// Delete 删除 key。
func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := s.execute(func() (any, error) { return nil, s.next.Delete(ctx, key) })
	return err
}

// TTL 返回剩余存活时间。
func (s *BreakerStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	v, err := s.execute(func() (any, error) { return s.next.TTL(ctx, key) })
	if err != nil {
		return 0, err
	}
	d, _ := v.(time.Duration)
	return d, nil
}
