package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omeyang/xguard/internal/config"
	"github.com/omeyang/xguard/pkg/config/xconf"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/storage/xcache"
)

// 服务参数。
const (
	shutdownTimeout     = 5 * time.Second
	resubscribeMaxDelay = 30 * time.Second
)

// Service 可交给 xrun.Run 运行的服务函数。
type Service = func(ctx context.Context) error

// NewPreheater 按 preheat 配置创建预热调度器，多实例间用锁去重。
func (a *App) NewPreheater() (*xcache.Preheater, error) {
	c := a.cfg.Preheat
	opts := []xcache.PreheaterOption{
		xcache.WithPreheatLocker(a.locker),
		xcache.WithPreheatTimeout(c.Timeout),
		xcache.WithPreheatLogger(a.logger),
	}
	if c.Seconds {
		opts = append(opts, xcache.WithPreheatSeconds())
	}
	if c.Location != "" {
		loc, err := time.LoadLocation(c.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: preheat location: %w", config.ErrInvalidConfig, err)
		}
		opts = append(opts, xcache.WithPreheatLocation(loc))
	}

	p, err := xcache.NewPreheater(a.loader, opts...)
	if err != nil {
		return nil, err
	}
	for _, job := range c.Jobs {
		if _, err := p.Add(job.Spec, job.Key, a.JobLoader(job), job.TTL); err != nil {
			return nil, errors.Join(err, p.Stop(context.Background()))
		}
	}
	return p, nil
}

// PreheatService 启动时执行一轮预热，之后按 cron 调度直到 ctx 取消。
func (a *App) PreheatService(p *xcache.Preheater) Service {
	return func(ctx context.Context) error {
		if err := p.RunOnce(ctx); err != nil {
			a.logger.Warn(ctx, "initial preheat incomplete", xlog.Err(err))
		}
		p.Start()
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return p.Stop(stopCtx)
	}
}

// InvalidationService 订阅失效广播，连接断开后指数退避重订阅。
func (a *App) InvalidationService() Service {
	return func(ctx context.Context) error {
		err := retry.New(
			retry.Context(ctx),
			retry.UntilSucceeded(),
			retry.Delay(100*time.Millisecond),
			retry.MaxDelay(resubscribeMaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, xcache.ErrInvalidConfig) && !errors.Is(err, xcache.ErrNoLocalTier)
			}),
			retry.OnRetry(func(n uint, err error) {
				a.logger.Warn(ctx, "invalidation subscriber failed, resubscribing",
					xlog.Attempt(int(n)+1), xlog.Err(err))
			}),
		).Do(func() error {
			return a.loader.SubscribeInvalidations(ctx)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

// NewRegistry 创建包含缓存统计与运行时指标的 Prometheus 注册表。
func (a *App) NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	cs := []prometheus.Collector{
		xcache.NewCollector(a.loader, a.cfg.Metrics.Namespace, nil),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return reg, nil
}

// MetricsServer 创建 /metrics 导出服务。
func (a *App) MetricsServer(reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := a.locker.Health(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ConfigWatchService 监视配置文件，变更后热更新日志级别。
// 其余配置项需要重启生效。
func (a *App) ConfigWatchService(src xconf.Config, level xlog.Leveler, opts ...xconf.WatchOption) (Service, error) {
	w, err := xconf.Watch(src, func(cfg xconf.Config, err error) {
		ctx := context.Background()
		if err != nil {
			a.logger.Warn(ctx, "config reload failed, keeping previous", xlog.Err(err))
			return
		}
		next, err := config.FromSource(cfg)
		if err != nil {
			a.logger.Warn(ctx, "reloaded config invalid, ignored", xlog.Err(err))
			return
		}
		lv, err := xlog.ParseLevel(next.Log.Level)
		if err != nil {
			return
		}
		if level != nil && level.GetLevel() != lv {
			level.SetLevel(lv)
			a.logger.Info(ctx, "log level changed", slog.String("level", lv.String()))
		}
	}, opts...)
	if err != nil {
		return nil, err
	}
	return w.Run, nil
}
