package xcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/observability/xmetrics"
	"github.com/omeyang/xguard/pkg/util/xpool"
)

// refreshTask 一次后台刷新请求。
type refreshTask struct {
	key      string
	fn       LoadFunc
	interval time.Duration
}

// refresher 有界后台刷新池。
// 同一 key 同时最多一个任务在队列或执行中，多余的提交直接合并。
type refresher struct {
	l        *loader
	pool     *xpool.Pool[refreshTask]
	inflight sync.Map // key -> struct{}
}

func newRefresher(l *loader, workers, queueSize int) *refresher {
	r := &refresher{l: l}
	// 参数已在 LoaderOptions.validate 中校验
	pool, err := xpool.New(workers, queueSize, r.handle,
		xpool.WithName("xcache-refresh"), xpool.WithLogger(l.logger))
	if err != nil {
		panic(err)
	}
	r.pool = pool
	return r
}

// submit 非阻塞提交。队列满或已关闭时丢弃，刷新只是优化。
func (r *refresher) submit(t refreshTask) {
	if _, loaded := r.inflight.LoadOrStore(t.key, struct{}{}); loaded {
		r.l.stats.refreshDeduped.Add(1)
		return
	}
	if err := r.pool.Submit(t); err != nil {
		r.inflight.Delete(t.key)
		r.l.stats.refreshDropped.Add(1)
		if errors.Is(err, xpool.ErrQueueFull) {
			r.l.logger.Debug(r.l.baseCtx, "xcache: refresh queue full, task dropped", xlog.Key(t.key))
		}
		return
	}
	r.l.stats.refreshScheduled.Add(1)
}

func (r *refresher) handle(t refreshTask) {
	defer r.inflight.Delete(t.key)
	r.refresh(r.l.baseCtx, t)
}

// refresh 剩余 TTL 不足 interval/2 时重新回源，以 2*interval 写入。
// key 已消失时同样回源；不过期的 key 不刷新。
func (r *refresher) refresh(ctx context.Context, t refreshTask) {
	if ctx.Err() != nil {
		r.l.stats.refreshDropped.Add(1)
		return
	}

	remaining, err := r.l.store.TTL(ctx, t.key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		r.l.stats.refreshFailures.Add(1)
		r.l.logger.Warn(ctx, "xcache: refresh ttl check failed", xlog.Key(t.key), xlog.Err(err))
		return
	case remaining == NoExpiry, remaining >= t.interval/2:
		r.l.stats.refreshSkipped.Add(1)
		return
	}

	ctx, span := xmetrics.Start(ctx, r.l.opts.Observer, xmetrics.SpanOptions{
		Component: componentName,
		Operation: "refresh",
		Kind:      xmetrics.KindInternal,
		Attrs:     []xmetrics.Attr{xmetrics.String("cache.key", t.key)},
	})
	r.l.stats.refreshRuns.Add(1)

	value, err := r.l.invoke(ctx, t.key, t.fn)
	span.End(xmetrics.Result{Err: err})
	if err != nil {
		r.l.stats.refreshFailures.Add(1)
		r.l.logger.Warn(ctx, "xcache: background refresh failed", xlog.Key(t.key), xlog.Err(err))
		return
	}
	if value == nil {
		return
	}
	r.l.storeValue(ctx, t.key, value, 2*t.interval)
}

func (r *refresher) stop(ctx context.Context) error {
	return r.pool.Shutdown(ctx)
}
