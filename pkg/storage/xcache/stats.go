package xcache

import "sync/atomic"

// Stats Loader 运行统计快照。计数自 Loader 创建起单调递增。
type Stats struct {
	Hits        uint64 // 远端命中
	Misses      uint64 // 远端未命中（含按未命中处理的读错误）
	LocalHits   uint64 // 本地层命中
	StoreErrors uint64 // 远端读错误
	SetErrors   uint64 // 回源后写缓存失败

	Loads      uint64 // 数据源调用次数
	LoadErrors uint64 // 数据源失败次数（含 panic、超时）
	Throttled  uint64 // 被回源限流拒绝

	LockWaits       uint64 // 单轮等锁超时
	LockContentions uint64 // 轮数耗尽返回 ErrLockContention
	LockFallbacks   uint64 // 锁服务不可用退化为无锁回源

	RefreshScheduled uint64 // 提交到刷新池
	RefreshDeduped   uint64 // 同 key 已在刷新中而合并
	RefreshDropped   uint64 // 队列满或已关闭而丢弃
	RefreshSkipped   uint64 // 剩余 TTL 充足无需刷新
	RefreshRuns      uint64 // 实际回源刷新
	RefreshFailures  uint64 // 刷新失败

	Preheats              uint64
	Invalidations         uint64
	InvalidationsReceived uint64 // 收到的跨进程失效广播

	LocalEntries int // 默认本地层条目数，不支持时为 0
}

// HitRatio 远端命中率，无读取时为 0。
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits, misses, localHits, storeErrors, setErrors    atomic.Uint64
	loads, loadErrors, throttled                       atomic.Uint64
	lockWaits, lockContentions, lockFallbacks          atomic.Uint64
	refreshScheduled, refreshDeduped, refreshDropped   atomic.Uint64
	refreshSkipped, refreshRuns, refreshFailures       atomic.Uint64
	preheats, invalidations, invalidationsReceived     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:                  c.hits.Load(),
		Misses:                c.misses.Load(),
		LocalHits:             c.localHits.Load(),
		StoreErrors:           c.storeErrors.Load(),
		SetErrors:             c.setErrors.Load(),
		Loads:                 c.loads.Load(),
		LoadErrors:            c.loadErrors.Load(),
		Throttled:             c.throttled.Load(),
		LockWaits:             c.lockWaits.Load(),
		LockContentions:       c.lockContentions.Load(),
		LockFallbacks:         c.lockFallbacks.Load(),
		RefreshScheduled:      c.refreshScheduled.Load(),
		RefreshDeduped:        c.refreshDeduped.Load(),
		RefreshDropped:        c.refreshDropped.Load(),
		RefreshSkipped:        c.refreshSkipped.Load(),
		RefreshRuns:           c.refreshRuns.Load(),
		RefreshFailures:       c.refreshFailures.Load(),
		Preheats:              c.preheats.Load(),
		Invalidations:         c.invalidations.Load(),
		InvalidationsReceived: c.invalidationsReceived.Load(),
	}
}
