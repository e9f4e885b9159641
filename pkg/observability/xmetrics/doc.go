// Package xmetrics 提供统一的观测接口，同时产生 trace span 与操作指标。
//
// 组件通过 [Start] 开始跨度，结束时调用 [Span.End]：
//
//	ctx, span := xmetrics.Start(ctx, observer, xmetrics.SpanOptions{
//		Component: "xcache",
//		Operation: "load.mutex",
//		Kind:      xmetrics.KindInternal,
//		Attrs:     []xmetrics.Attr{xmetrics.String("cache.key", key)},
//	})
//	defer func() { span.End(xmetrics.Result{Err: err}) }()
//
// observer 为 nil 时 [Start] 返回空跨度，组件不必判空。
// [NewOTelObserver] 基于 OpenTelemetry 实现，默认使用 otel 全局 provider。
package xmetrics
