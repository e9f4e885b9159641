// Package app 按 [config.Config] 装配 xguard 运行所需的全部组件：
// Redis 客户端、可选熔断的存储、锁后端（redis/etcd/local）、本地层、
// 回源限流、缓存编排器，以及 serve 模式下交给 xrun 运行的各项服务。
package app
