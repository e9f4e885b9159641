// Package storage 提供数据存储相关的子包。
//
// 子包列表：
//   - xcache: 缓存编排层，Redis 远端层加本地层，防击穿、防雪崩
//
// 设计原则：
//   - 提供统一的接口抽象，支持多种存储后端
//   - 内置可观测性（指标、追踪）
package storage
