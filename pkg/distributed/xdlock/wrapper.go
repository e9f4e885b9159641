package xdlock

import (
	"github.com/go-redsync/redsync/v4"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Session 是 etcd concurrency.Session 的类型别名，
// 提供自动续期的 Lease，锁的租约即 Session 的 Lease。
type Session = *concurrency.Session

// Redsync 是 redsync.Redsync 的类型别名，提供 Redlock 多节点支持。
type Redsync = *redsync.Redsync
