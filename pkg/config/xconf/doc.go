// Package xconf 基于 koanf 的配置加载器，负责读取、反序列化和热重载。
//
// 支持 YAML（.yaml/.yml）与 JSON（.json）。字段校验和默认值由调用方负责：
// 先填好默认值再 Unmarshal，配置中缺省的字段保持默认。
//
//	cfg, err := xconf.New("/etc/xguard/xguard.yaml")
//	c := defaultConfig()
//	err = cfg.Unmarshal("", &c)
//
// # 热重载
//
// [Watch] 基于 fsnotify 监视文件所在目录，内置防抖。[Watcher.Run] 的签名
// 可直接作为 xrun 服务运行。重载失败时旧配置仍然生效。
package xconf
