// Package xlog 基于 log/slog 的结构化日志。
//
// # 创建 Logger
//
//	logger, cleanup, err := xlog.New().
//		SetLevelString("debug").
//		SetFormat("json").
//		SetRotation("/var/log/xguard.log", xlog.Rotation{MaxSizeMB: 200}).
//		SetAttrs(slog.String("service", "xguard")).
//		Build()
//	defer cleanup()
//
// Builder 为一次性使用，遇到第一个配置错误后 Build 返回该错误。
// 文件轮转由 lumberjack 完成。
//
// # trace 注入
//
// 默认启用 [EnrichHandler]：ctx 中存在有效的 OpenTelemetry span 时，
// 自动添加 trace_id 和 span_id。xmetrics.Start 返回的 ctx 即满足条件。
//
// # 全局 Logger
//
// [Default] 惰性初始化，[SetDefault] 替换，[Discard] 用于测试。
// 组件内部一律通过选项注入 Logger，未注入时回落到 [Default]。
//
// # 便捷属性
//
// [Err]、[Duration]、[Component]、[Operation]、[Count]、
// [Key]、[TTL]、[Strategy]、[Attempt]。
package xlog
