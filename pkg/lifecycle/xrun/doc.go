// Package xrun 管理进程内长期运行的服务：HTTP 管理接口、失效订阅、预热调度等。
//
// [Run] 是常用入口，监听系统信号并在任一服务失败时统一取消：
//
//	err := xrun.Run(ctx, map[string]func(context.Context) error{
//		"http":         xrun.HTTPServer(srv, 10*time.Second),
//		"invalidation": loader.SubscribeInvalidations,
//	}, xrun.WithLogger(logger))
//	if errors.Is(err, xrun.ErrSignal) {
//		// 正常退出
//	}
//
// 需要自定义编排时使用 [NewGroup]。
package xrun
