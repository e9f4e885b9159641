package xlog

import (
	"log/slog"
	"time"
)

// 常用属性 key，缓存与锁相关组件统一使用。
const (
	KeyError     = "error"
	KeyStack     = "stack"
	KeyDuration  = "duration"
	KeyCount     = "count"
	KeyComponent = "component"
	KeyOperation = "operation"

	// KeyCacheKey 缓存 key
	KeyCacheKey = "cache_key"
	KeyTTL      = "ttl"
	KeyStrategy = "strategy"
	KeyAttempt  = "attempt"

	// KeyTraceID 和 KeySpanID 由 EnrichHandler 注入
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"
)

// Err 创建错误属性。err 为 nil 时返回空属性（会被 slog 忽略）。
//
//	if err != nil {
//	    logger.Error(ctx, "load failed", xlog.Err(err))
//	}
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Duration 创建耗时属性，输出如 "1.5s"。
func Duration(d time.Duration) slog.Attr {
	return slog.String(KeyDuration, d.String())
}

// Component 创建组件名属性
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Operation 创建操作名属性
func Operation(name string) slog.Attr {
	return slog.String(KeyOperation, name)
}

// Count 创建计数属性
func Count(n int64) slog.Attr {
	return slog.Int64(KeyCount, n)
}

// Key 创建缓存 key 属性
func Key(key string) slog.Attr {
	return slog.String(KeyCacheKey, key)
}

// TTL 创建过期时间属性
func TTL(d time.Duration) slog.Attr {
	return slog.String(KeyTTL, d.String())
}

// Strategy 创建加载策略属性
func Strategy(name string) slog.Attr {
	return slog.String(KeyStrategy, name)
}

// Attempt 创建重试次数属性
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
