// Package xdlock 提供带租约的分布式锁，是缓存防击穿的锁管理器。
//
// # 核心概念
//
//   - Factory: 锁工厂，管理连接并获取锁
//   - LockHandle: 一次成功获取得到的租约句柄，携带唯一持有者标识
//   - MutexOption: 单次获取的配置（前缀、租约时长、重试间隔）
//
// 锁名 = 前缀 + key，默认前缀 "lock:"，因此缓存 key "user:42" 的锁名为 "lock:user:42"。
//
// # 获取方式
//
//   - Acquire(ctx, key, wait): 最多等待 wait，超时返回 ErrLockTimeout
//   - TryLock: 只尝试一次，被占用返回 (nil, nil)
//   - Lock: 一直等待到成功或 ctx 结束
//
// 租约到期后锁自动失效，即使持有者崩溃也不会永久阻塞。
// LockHandle.Held 可随时确认是否仍持有。
//
// # 后端
//
//	| 特性 | Redis (redsync) | etcd | 本地 |
//	|------|-----------------|------|------|
//	| 租约 | WithExpiry | Session TTL | WithExpiry |
//	| 续期 | Extend | Session 心跳 | Extend |
//	| 多节点 | Redlock | etcd 集群 | 仅单进程 |
//	| Held | 过半节点比对锁值 | Txn IsOwner | 内存比对 |
//
// 本地后端按 key 的 xxhash 分片，适合单实例部署与测试。
package xdlock
