// Package xpool 提供泛型定长 worker 池。
//
// 特性：
//   - New 创建后立即启动 worker
//   - Submit 永不阻塞，队列满返回 ErrQueueFull
//   - Shutdown(ctx) 排空队列后返回，ctx 到期提前返回，Done 可等待残留 worker
//   - 单个任务 panic 被恢复并记录日志，不影响其他任务
//
// xcache 的后台刷新使用本包承载有界刷新队列。
//
// 注意 Shutdown 不可在 handler 内调用，否则死锁。
package xpool
