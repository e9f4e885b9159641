// Package distributed 提供分布式协调相关的子包。
//
// 子包列表：
//   - xdlock: 分布式锁，支持 Redis、etcd 与进程内后端
//
// 设计原则：
//   - 提供统一的锁接口，支持多种后端实现
//   - 支持锁续期和优雅释放
package distributed
