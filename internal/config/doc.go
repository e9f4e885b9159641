// Package config 定义 xguardctl 的配置结构、默认值与校验。
//
// 配置文件经 xconf 加载，缺省字段保持 [Default] 中的值：
//
//	redis:
//	  addrs: ["127.0.0.1:6379"]
//	lock:
//	  backend: redis
//	  wait: 3s
//	cache:
//	  strategy: mutex
//	  ttl: 5m
//	preheat:
//	  jobs:
//	    - spec: "@every 5m"
//	      key: "user:1"
//	      source: "db:user:1"
//	      ttl: 10m
package config
