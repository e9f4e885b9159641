// Package xcache 提供缓存编排：在调用方与慢速数据源之间防击穿、防雪崩、
// 热点后台刷新与两级缓存读取。
//
// # 核心组件
//
//   - Store：远端 KV 存储接口，RedisStore 为 go-redis 实现，BreakerStore 加熔断保护
//   - LocalTier：进程内缓存层，LRUTier（golang-lru）与 MemoryTier（ristretto）
//   - Loader：四种读取策略与预热、失效
//   - Preheater：按 cron 计划预热
//   - Collector：Prometheus 指标导出
//
// # 读取策略
//
//	策略            未命中行为                           写入 TTL
//	Mutex          等锁、双重检查、单次回源              JitterTTL(ttl)
//	Jitter         直接回源                              JitterTTL(ttl)
//	Refresh        同步回源；命中时提交后台刷新          2 * interval
//	MultiLevel     本地 → 远端（回填本地）→ 回源         JitterTTL(ttl)
//
// 互斥读取使用 xdlock.Factory，锁名 "lock:" + key。单轮等锁 LockWait，
// 超时后停顿 LockRetryPause 重读缓存，最多 MaxLockAttempts 轮，
// 耗尽返回 ErrLockContention。进程内同 key 请求先经 singleflight 合并。
//
// # 错误处理
//
// 远端读错误按未命中处理并记录日志。回源成功后写缓存失败不影响返回值，
// 通过 WithOnCacheSetError 获得通知。数据源返回 (nil, nil) 时不写缓存。
// 锁服务不可用时退化为无锁回源。
//
// # 本地层
//
// 本地副本按容量和可选 TTL 淘汰，远端过期不会同步清理本地。
// Invalidate 同时删除默认本地层副本；多实例部署时配置
// WithInvalidationChannel 并运行 SubscribeInvalidations，失效通过 Redis Pub/Sub 广播。
//
// # 后台刷新
//
// 刷新任务进入有界 worker 池（WithRefreshPool）。同 key 已在队列或执行中时合并，
// 队列满时丢弃。Close 停止接收并等待进行中的任务。
package xcache
