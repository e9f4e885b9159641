package xrun

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// Group 基于 errgroup 管理多个长期运行的服务。
// 任一服务返回错误或父 ctx 取消时，其余服务收到取消信号。
//
//	g, ctx := xrun.NewGroup(ctx, xrun.WithName("xguard"))
//	g.Go("http", xrun.HTTPServer(srv, 10*time.Second))
//	g.Go("invalidation", loader.SubscribeInvalidations)
//	err := g.Wait()
type Group struct {
	eg       *errgroup.Group
	ctx      context.Context
	causeCtx context.Context
	cancel   context.CancelCauseFunc
	opts     *groupOptions
}

// NewGroup 创建 Group，返回的 ctx 在任一服务失败时取消。
func NewGroup(ctx context.Context, opts ...Option) (*Group, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	causeCtx, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(causeCtx)
	return &Group{
		eg:       eg,
		ctx:      egCtx,
		causeCtx: causeCtx,
		cancel:   cancel,
		opts:     options,
	}, egCtx
}

// Go 以 name 启动服务。fn 应在 ctx 取消后尽快返回。
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		if fn == nil {
			return ErrNilFunc
		}
		attrs := []slog.Attr{slog.String("group", g.opts.name), slog.String("service", name)}
		g.opts.logger.Debug(g.ctx, "service starting", attrs...)

		err := fn(g.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.opts.logger.Warn(g.ctx, "service exited with error", append(attrs, xlog.Err(err))...)
		} else {
			g.opts.logger.Debug(g.ctx, "service stopped", attrs...)
		}
		return err
	})
}

// Wait 等待全部服务退出，只应调用一次。
//
// 由 Cancel(cause) 或信号触发的退出返回 cause；普通取消返回 nil。
// 服务自身返回的 context.Canceled（Group 未被取消时）原样返回。
func (g *Group) Wait() error {
	defer g.cancel(nil)

	err := g.eg.Wait()
	cause := func() error {
		if g.causeCtx.Err() == nil {
			return nil
		}
		if c := context.Cause(g.causeCtx); c != nil && !errors.Is(c, context.Canceled) {
			return c
		}
		return nil
	}

	if errors.Is(err, context.Canceled) {
		if g.causeCtx.Err() != nil {
			return cause()
		}
		return err
	}
	if err == nil {
		return cause()
	}
	return err
}

// Cancel 取消全部服务，cause 作为 Wait 的返回值。
// cause 不应包装 context.Canceled，否则会被当作普通取消。
func (g *Group) Cancel(cause error) {
	g.cancel(cause)
}

// Context 返回 Group 的 context。
func (g *Group) Context() context.Context {
	return g.ctx
}

// Run 运行服务并监听 DefaultSignals，收到信号时返回 *SignalError。
func Run(ctx context.Context, services map[string]func(ctx context.Context) error, opts ...Option) error {
	g, _ := NewGroup(ctx, opts...)

	if !g.opts.noSignalHandler {
		signals := g.opts.signals
		if len(signals) == 0 {
			signals = DefaultSignals()
		}
		g.eg.Go(func() error {
			return g.watchSignals(signals)
		})
	}

	// 全部服务退出后停止信号监听
	var wg sync.WaitGroup
	for name, fn := range services {
		wg.Add(1)
		g.Go(name, func(ctx context.Context) error {
			defer wg.Done()
			if fn == nil {
				return ErrNilFunc
			}
			return fn(ctx)
		})
	}
	go func() {
		wg.Wait()
		g.cancel(nil)
	}()
	return g.Wait()
}

func (g *Group) watchSignals(signals []os.Signal) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	var sig os.Signal
	select {
	case sig = <-testSigChan(g.ctx):
	case sig = <-sigCh:
	case <-g.ctx.Done():
		return g.ctx.Err()
	}

	g.opts.logger.Info(g.ctx, "received signal",
		slog.String("group", g.opts.name),
		slog.String("signal", sig.String()),
	)
	g.cancel(&SignalError{Signal: sig})
	return nil
}

// HTTPServerInterface *http.Server 满足此接口。
type HTTPServerInterface interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServer 将 http.Server 包装为服务函数，ctx 取消时优雅关闭。
// shutdownTimeout <= 0 表示等待全部在途请求。
func HTTPServer(server HTTPServerInterface, shutdownTimeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if server == nil {
			return ErrNilServer
		}
		shutdownErrCh := make(chan error, 1)
		listenDone := make(chan struct{})

		go func() {
			select {
			case <-ctx.Done():
				shutdownCtx := context.Background()
				if shutdownTimeout > 0 {
					var cancel context.CancelFunc
					shutdownCtx, cancel = context.WithTimeout(shutdownCtx, shutdownTimeout)
					defer cancel()
				}
				shutdownErrCh <- server.Shutdown(shutdownCtx)
			case <-listenDone:
			}
		}()

		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			select {
			case shutdownErr := <-shutdownErrCh:
				return shutdownErr
			case <-ctx.Done():
				return <-shutdownErrCh
			default:
				// 外部直接关闭
				close(listenDone)
				return nil
			}
		}
		close(listenDone)
		return err
	}
}
