package xcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/xguard/pkg/distributed/xdlock"
	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// DefaultPreheatTimeout 单个预热任务的默认超时。
const DefaultPreheatTimeout = time.Minute

// PreheaterOption 配置 Preheater。
type PreheaterOption func(*preheaterOptions)

type preheaterOptions struct {
	locker   xdlock.Factory
	timeout  time.Duration
	seconds  bool
	location *time.Location
	logger   xlog.Logger
}

// WithPreheatLocker 多实例部署时用锁保证同一预热任务只有一个实例执行。
// 锁名为 "preheat:" + key，未抢到锁的实例跳过本轮。
func WithPreheatLocker(f xdlock.Factory) PreheaterOption {
	return func(o *preheaterOptions) {
		o.locker = f
	}
}

// WithPreheatTimeout 设置单个任务超时，同时作为锁租约。默认 1m。
func WithPreheatTimeout(d time.Duration) PreheaterOption {
	return func(o *preheaterOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPreheatSeconds cron 表达式启用秒字段。
func WithPreheatSeconds() PreheaterOption {
	return func(o *preheaterOptions) {
		o.seconds = true
	}
}

// WithPreheatLocation 设置 cron 时区，默认本地时区。
func WithPreheatLocation(loc *time.Location) PreheaterOption {
	return func(o *preheaterOptions) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithPreheatLogger 设置日志。
func WithPreheatLogger(logger xlog.Logger) PreheaterOption {
	return func(o *preheaterOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type preheatJob struct {
	key string
	fn  LoadFunc
	ttl time.Duration
}

// Preheater 按 cron 计划把热点 key 提前写入缓存。
type Preheater struct {
	loader Loader
	opts   preheaterOptions
	cron   *cron.Cron

	mu   sync.Mutex
	jobs []preheatJob

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewPreheater 创建预热调度器。
func NewPreheater(loader Loader, opts ...PreheaterOption) (*Preheater, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: nil loader", ErrInvalidConfig)
	}
	o := preheaterOptions{
		timeout:  DefaultPreheatTimeout,
		location: time.Local,
		logger:   xlog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	cronOpts := []cron.Option{
		cron.WithLocation(o.location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	}
	if o.seconds {
		cronOpts = append(cronOpts, cron.WithSeconds())
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Preheater{
		loader:     loader,
		opts:       o,
		cron:       cron.New(cronOpts...),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Add 注册预热任务。spec 如 "@every 5m"、"0 */10 * * * *"（需 WithPreheatSeconds）。
func (p *Preheater) Add(spec, key string, fn LoadFunc, ttl time.Duration) (cron.EntryID, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	if fn == nil {
		return 0, ErrNilLoader
	}
	job := preheatJob{key: key, fn: fn, ttl: ttl}

	id, err := p.cron.AddFunc(spec, func() {
		if err := p.run(p.baseCtx, job); err != nil {
			p.opts.logger.Warn(p.baseCtx, "xcache: scheduled preheat failed", xlog.Key(key), xlog.Err(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("%w: cron spec %q: %w", ErrInvalidConfig, spec, err)
	}

	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
	return id, nil
}

// RunOnce 立即执行全部已注册任务，返回合并的错误。
func (p *Preheater) RunOnce(ctx context.Context) error {
	p.mu.Lock()
	jobs := append([]preheatJob(nil), p.jobs...)
	p.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		if err := p.run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("preheat %q: %w", job.key, err))
		}
	}
	return errors.Join(errs...)
}

// Start 启动调度，非阻塞。
func (p *Preheater) Start() {
	p.cron.Start()
}

// Stop 停止调度并等待运行中的任务结束或 ctx 到期。
func (p *Preheater) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		p.baseCancel()
		return nil
	case <-ctx.Done():
		p.baseCancel()
		return ctx.Err()
	}
}

// Len 返回已注册任务数。
func (p *Preheater) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *Preheater) run(ctx context.Context, job preheatJob) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	if p.opts.locker != nil {
		handle, err := p.opts.locker.TryLock(ctx, job.key,
			xdlock.WithKeyPrefix("preheat:"), xdlock.WithExpiry(p.opts.timeout))
		if err != nil {
			return err
		}
		if handle == nil {
			p.opts.logger.Debug(ctx, "xcache: preheat running elsewhere, skipped", xlog.Key(job.key))
			return nil
		}
		defer func() {
			unlockCtx, unlockCancel := contextWithIndependentTimeout(ctx, DefaultLockWait)
			defer unlockCancel()
			if err := handle.Unlock(unlockCtx); err != nil {
				p.opts.logger.Warn(ctx, "xcache: preheat unlock failed", xlog.Key(job.key), xlog.Err(err))
			}
		}()
	}

	value, err := job.fn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoaderFailed, err)
	}
	if value == nil {
		return nil
	}
	return p.loader.Preheat(ctx, job.key, value, job.ttl)
}
